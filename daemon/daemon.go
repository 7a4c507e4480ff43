// Package daemon hosts the long-lived agent process: the relay
// connection, the inbound receive loop, message sending with its
// directory gate, and the local control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"agentmsg/config"
	"agentmsg/contacts"
	"agentmsg/directory"
	"agentmsg/envelope"
	"agentmsg/identity"
	"agentmsg/relay"
	"agentmsg/store"
)

// State describes the agent's relay connection lifecycle.
type State string

const (
	// StateDisconnected means no relay connection exists.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial is in progress.
	StateConnecting State = "connecting"
	// StateConnected means the handshake completed.
	StateConnected State = "connected"
	// StateListening means the receive loop is draining inbound frames.
	StateListening State = "listening"
)

var (
	// ErrNotConnected indicates a send was attempted without a relay
	// connection.
	ErrNotConnected = errors.New("daemon: not connected to relay")
	// ErrUnknownRecipient indicates the recipient matched no contact.
	ErrUnknownRecipient = errors.New("daemon: recipient not found in contacts")
	// ErrNoRecipient indicates a send without a recipient field.
	ErrNoRecipient = errors.New("daemon: must specify to or to_name")
	// ErrNotRegistered indicates this agent has no directory username yet.
	ErrNotRegistered = errors.New("daemon: you must register a username before sending messages")
)

// AmbiguousRecipientError reports a name that fuzzy-matched more than one
// contact. Suggestions are ordered best first.
type AmbiguousRecipientError struct {
	Suggestions []contacts.Match
}

func (e *AmbiguousRecipientError) Error() string {
	names := make([]string, 0, len(e.Suggestions))
	for _, m := range e.Suggestions {
		names = append(names, m.Name)
	}
	return fmt.Sprintf("daemon: ambiguous recipient, did you mean: %s", strings.Join(names, ", "))
}

// NotifyFunc is invoked for each newly archived inbound message. It runs
// on the receive goroutine and must not block.
type NotifyFunc func(from, content, timestamp string)

// Agent owns the daemon's shared state. All connection transitions go
// through its mutex; the receive loop runs on its own goroutine and is
// torn down before a new connection is made.
type Agent struct {
	cfg     *config.Config
	id      *identity.Identity
	book    *contacts.Book
	archive *store.Archive
	dir     *directory.Client
	log     zerolog.Logger
	notify  NotifyFunc

	mu         sync.Mutex
	state      State
	conn       *relay.Conn
	recvCancel context.CancelFunc
	recvDone   chan struct{}
}

// New assembles an agent from its already-initialized parts. The directory
// client is derived from the relay URL.
func New(cfg *config.Config, id *identity.Identity, book *contacts.Book, archive *store.Archive, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		id:      id,
		book:    book,
		archive: archive,
		dir:     directory.NewClient(directory.BaseFromRelayURL(cfg.RelayURL)),
		log:     logger,
		state:   StateDisconnected,
	}
}

// SetNotify installs the inbound message hook. Call before Connect.
func (a *Agent) SetNotify(fn NotifyFunc) {
	a.notify = fn
}

// DID reports this agent's identity.
func (a *Agent) DID() string {
	return a.id.DID
}

// State reports the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Contacts exposes the contact book.
func (a *Agent) Contacts() *contacts.Book {
	return a.book
}

// Archive exposes the message archive.
func (a *Agent) Archive() *store.Archive {
	return a.archive
}

// Directory exposes the directory client.
func (a *Agent) Directory() *directory.Client {
	return a.dir
}

// Connect dials the relay and starts the receive loop. A previous
// connection, if any, is closed first.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnecting {
		a.mu.Unlock()
		return errors.New("daemon: connect already in progress")
	}
	a.state = StateConnecting
	a.teardownLocked()
	a.mu.Unlock()

	conn, err := relay.Dial(ctx, a.cfg.StreamURL(), a.id.DID, a.log)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.mu.Unlock()
		return fmt.Errorf("connect to relay: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.state = StateListening
	a.recvCancel = cancel
	a.recvDone = done
	a.mu.Unlock()

	go a.receiveLoop(recvCtx, conn, done)

	a.log.Info().Str("relay", a.cfg.RelayURL).Str("did", a.id.DID).Msg("connected to relay")
	return nil
}

// Disconnect closes the relay connection and stops the receive loop.
// Identity, contacts and the archive are untouched.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.teardownLocked()
	a.state = StateDisconnected
	a.mu.Unlock()
}

// Reconnect tears down the current connection and dials again.
func (a *Agent) Reconnect(ctx context.Context) error {
	a.Disconnect()
	return a.Connect(ctx)
}

// Close disconnects and closes the archive.
func (a *Agent) Close() error {
	a.Disconnect()
	return a.archive.Close()
}

// teardownLocked closes the connection and waits for the receive loop.
// Caller holds a.mu.
func (a *Agent) teardownLocked() {
	if a.recvCancel != nil {
		a.recvCancel()
		a.recvCancel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	if a.recvDone != nil {
		done := a.recvDone
		a.recvDone = nil
		a.mu.Unlock()
		<-done
		a.mu.Lock()
	}
}

// ResolveRecipient turns send request fields into a contact DID. A
// literal DID must belong to a contact. Names resolve by exact match
// only; any fuzzy candidates are reported as suggestions (best three)
// rather than guessed at.
func (a *Agent) ResolveRecipient(toDID, toName string) (string, error) {
	// Pick up edits other tools made to contacts.json since the last send.
	if err := a.book.Reload(); err != nil {
		a.log.Warn().Err(err).Msg("reload contact book")
	}

	toDID = strings.TrimSpace(toDID)
	toName = strings.TrimSpace(toName)

	switch {
	case toDID != "":
		if _, ok := a.book.Get(toDID); ok {
			return toDID, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownRecipient, toDID)

	case toName != "":
		if did, ok := a.book.FindExact(toName); ok {
			return did, nil
		}
		matches := a.book.FindFuzzy(toName, contacts.DefaultFuzzyThreshold)
		if len(matches) == 0 {
			return "", fmt.Errorf("%w: %s", ErrUnknownRecipient, toName)
		}
		if len(matches) > 3 {
			matches = matches[:3]
		}
		return "", &AmbiguousRecipientError{Suggestions: matches}

	default:
		return "", ErrNoRecipient
	}
}

// Send encodes and delivers a message to a resolved contact DID. The
// sender's own registration is gated first; under the lenient policy an
// unreachable registry does not block the send.
func (a *Agent) Send(toDID, content string) error {
	if err := a.gateRegistration(); err != nil {
		return err
	}

	encoded, err := a.encodeOutbound(toDID, content)
	if err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SendMessage(toDID, encoded); err != nil {
		return fmt.Errorf("send to relay: %w", err)
	}

	a.log.Debug().Str("to", toDID).Int("bytes", len(encoded)).Msg("message sent")
	return nil
}

// gateRegistration checks that this agent holds a directory username
// before it may send. The lenient policy treats an unreachable registry
// as permission to proceed.
func (a *Agent) gateRegistration() error {
	registered, username, err := a.dir.IsRegistered(a.id.DID)
	if err != nil {
		if a.cfg.GatePolicy == string(directory.GateStrict) {
			return fmt.Errorf("directory gate: %w", err)
		}
		a.log.Warn().Err(err).Msg("directory unreachable, sending anyway")
		return nil
	}
	if !registered {
		return ErrNotRegistered
	}
	a.log.Debug().Str("username", username).Msg("sender registration confirmed")
	return nil
}

func (a *Agent) encodeOutbound(toDID, content string) (string, error) {
	mode, err := envelope.ParseMode(a.cfg.EnvelopeMode)
	if err != nil {
		return "", err
	}
	if mode == envelope.ModeSealed {
		peerKey, kerr := identity.PublicKeyFromDID(toDID)
		if kerr != nil {
			return "", fmt.Errorf("recipient key: %w", kerr)
		}
		return envelope.Seal(content, peerKey)
	}
	return envelope.Compress(content)
}

// receiveLoop drains inbound frames until the connection dies or the
// context is cancelled. Error frames are logged and skipped; message
// frames are decoded best-effort, deduplicated and archived.
func (a *Agent) receiveLoop(ctx context.Context, conn *relay.Conn, done chan<- struct{}) {
	defer close(done)

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn().Err(err).Msg("receive loop ended")
				a.markDisconnected(conn)
			}
			return
		}

		if frame.IsError() {
			a.log.Warn().Str("error", frame.Error).Msg("relay reported error")
			continue
		}
		if frame.Type != relay.TypeMessage {
			a.log.Debug().Str("type", frame.Type).Msg("ignoring non-message frame")
			continue
		}

		plaintext, err := a.decodeInbound(frame.From, frame.Content)
		if err != nil {
			a.log.Warn().Err(err).Str("from", frame.From).Msg("undecodable message body, dropping")
			continue
		}
		record, saved, err := a.archive.SaveInbound(frame.From, plaintext, frame.Timestamp)
		if err != nil {
			a.log.Error().Err(err).Str("from", frame.From).Msg("archive inbound message")
			continue
		}
		if !saved {
			a.log.Debug().Str("from", frame.From).Msg("duplicate message dropped")
			continue
		}

		a.log.Info().Str("from", frame.From).Str("timestamp", record.Timestamp).Msg("message received")
		if a.notify != nil {
			a.notify(record.From, record.Content, record.Timestamp)
		}
	}
}

// decodeInbound recovers plaintext from a wire body. An undecodable body
// is an error; the caller logs it and moves on without persisting.
func (a *Agent) decodeInbound(from, content string) (string, error) {
	senderKey, err := identity.PublicKeyFromDID(from)
	if err != nil {
		senderKey = nil
	}
	return envelope.DecodeInbound(content, senderKey)
}

// markDisconnected flips the state when the current connection dies
// underneath us, without disturbing a newer connection.
func (a *Agent) markDisconnected(conn *relay.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		a.conn = nil
		a.state = StateDisconnected
	}
}
