package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when an agent appears or changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen agent disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is one agent discovered on the local network.
type Peer struct {
	DID       string    `json:"did"`
	Instance  string    `json:"instance"`
	Version   int       `json:"version"`
	HostName  string    `json:"hostname"`
	Port      int       `json:"port"`
	Addresses []string  `json:"addresses"`
	LastSeen  time.Time `json:"last_seen"`
}

// Scanner discovers agents with periodic mDNS browse operations.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDID) == "" {
		return nil, errors.New("discovery: self DID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]Peer),
		events: make(chan Event, 128),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// ListPeers returns the current snapshot of discovered agents.
func (s *Scanner) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DID < out[j].DID
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the peer list immediately.
	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.DID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return
	}

	<-scanCtx.Done()
	<-collectorDone
	s.applySnapshot(collected)
}

func (s *Scanner) applySnapshot(next map[string]Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for did, peer := range next {
		old, exists := previous[did]
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for did, peer := range previous {
		if _, exists := next[did]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	did := strings.TrimSpace(txt["did"])
	if did == "" || did == selfDID {
		return Peer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	return Peer{
		DID:       did,
		Instance:  strings.TrimSpace(entry.Instance),
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b Peer) bool {
	if a.DID != b.DID ||
		a.Instance != b.Instance ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
