// Package contacts manages the local contact book: a JSON file mapping DIDs
// to display names, with exact and similarity-ranked name resolution.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileName is the contact book file under the profile directory.
const FileName = "contacts.json"

// DefaultFuzzyThreshold is the minimum similarity score for fuzzy matches.
const DefaultFuzzyThreshold = 0.6

// Contact is one contact book entry, keyed by DID.
type Contact struct {
	DID     string `json:"did"`
	Name    string `json:"name"`
	AddedAt string `json:"added_at"`
	Notes   string `json:"notes"`
}

// Book is the contact book backed by contacts.json. All methods are safe
// for concurrent use.
type Book struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Contact
	order   []string
}

// Load reads the contact book under dataDir, creating an empty book file on
// first use.
func Load(dataDir string) (*Book, error) {
	book := &Book{
		path:    filepath.Join(dataDir, FileName),
		entries: make(map[string]Contact),
	}

	if err := book.Reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create contacts directory: %w", err)
		}
		if err := book.save(); err != nil {
			return nil, err
		}
	}

	return book, nil
}

// Reload replaces in-memory state with the on-disk book. The daemon calls
// this before resolving a send target so that edits made by other tooling
// are picked up.
func (b *Book) Reload() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read contacts: %w", err)
	}

	entries := make(map[string]Contact)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse contacts: %w", err)
	}

	order := make([]string, 0, len(entries))
	for did, contact := range entries {
		if contact.DID == "" {
			contact.DID = did
			entries[did] = contact
		}
		order = append(order, did)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := entries[order[i]], entries[order[j]]
		if a.AddedAt != b.AddedAt {
			return a.AddedAt < b.AddedAt
		}
		return a.DID < b.DID
	})

	b.mu.Lock()
	b.entries = entries
	b.order = order
	b.mu.Unlock()

	return nil
}

// Add upserts a contact. Adding an existing DID overwrites its name and
// notes rather than creating a duplicate entry.
func (b *Book) Add(did, name, notes string) (Contact, error) {
	if did == "" {
		return Contact{}, errors.New("contacts: did is required")
	}
	if name == "" {
		return Contact{}, errors.New("contacts: name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	contact, exists := b.entries[did]
	if !exists {
		contact = Contact{
			DID:     did,
			AddedAt: time.Now().UTC().Format(time.RFC3339),
		}
		b.order = append(b.order, did)
	}
	contact.Name = name
	contact.Notes = notes
	b.entries[did] = contact

	if err := b.save(); err != nil {
		return Contact{}, err
	}
	return contact, nil
}

// Get returns the contact for a DID.
func (b *Book) Get(did string) (Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	contact, ok := b.entries[did]
	return contact, ok
}

// List returns all contacts in insertion order.
func (b *Book) List() []Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Contact, 0, len(b.order))
	for _, did := range b.order {
		out = append(out, b.entries[did])
	}
	return out
}

// Len returns the number of contacts.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// FindExact returns the DID whose display name matches case-insensitively.
// The first match in insertion order wins; names are not unique.
func (b *Book) FindExact(name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lower := strings.ToLower(name)
	for _, did := range b.order {
		if strings.ToLower(b.entries[did].Name) == lower {
			return did, true
		}
	}
	return "", false
}

// save writes the book pretty-printed. Caller holds the lock.
func (b *Book) save() error {
	raw, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contacts: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(b.path, raw, 0o600); err != nil {
		return fmt.Errorf("write contacts: %w", err)
	}
	return nil
}
