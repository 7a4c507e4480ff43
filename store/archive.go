// Package store persists received messages: one immutable JSON file per
// message under messages/, named so lexical order is chronological, plus a
// SQLite index for duplicate suppression and counting.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MessagesDirName is the archive directory under the profile directory.
const MessagesDirName = "messages"

const maxSenderFilenameLen = 50

// Record is one archived message. Timestamp is the relay-assigned value and
// may be empty; SavedAt is the local write time.
type Record struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	SavedAt   string `json:"saved_at"`
}

// Archive is the message store for one profile directory.
type Archive struct {
	dir   string
	index *Index
}

// Open prepares the messages directory and the archive index under dataDir.
func Open(dataDir string) (*Archive, error) {
	dir := filepath.Join(dataDir, MessagesDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create messages directory: %w", err)
	}

	index, err := OpenIndex(filepath.Join(dataDir, DefaultIndexFileName))
	if err != nil {
		return nil, err
	}

	return &Archive{dir: dir, index: index}, nil
}

// Close releases the archive index.
func (a *Archive) Close() error {
	return a.index.Close()
}

// SaveInbound persists a received message. Duplicate deliveries (same
// sender, timestamp, and content) are detected via the index and dropped;
// the second return value reports whether a file was written.
func (a *Archive) SaveInbound(from, content, relayTimestamp string) (Record, bool, error) {
	if from == "" {
		from = "unknown"
	}

	now := time.Now().UTC()
	digest := messageDigest(from, relayTimestamp, content)

	fresh, err := a.index.MarkSeen(digest, now.UnixMilli())
	if err != nil {
		return Record{}, false, err
	}
	if !fresh {
		return Record{}, false, nil
	}

	record := Record{
		From:      from,
		Content:   content,
		Timestamp: relayTimestamp,
		SavedAt:   now.Format(time.RFC3339),
	}

	filename := a.uniqueFilename(relayTimestamp, from, now)
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal message record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, filename), append(raw, '\n'), 0o600); err != nil {
		return Record{}, false, fmt.Errorf("write message record: %w", err)
	}

	if err := a.index.RecordEntry(digest, from, filename, now.UnixMilli()); err != nil {
		return Record{}, false, err
	}

	return record, true, nil
}

// List returns up to limit archived messages, newest first. A non-empty
// fromFilter keeps only senders whose DID contains it, case-insensitively.
func (a *Archive) List(limit int, fromFilter string) ([]Record, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read messages directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	filter := strings.ToLower(fromFilter)
	var records []Record
	for _, name := range names {
		if limit > 0 && len(records) >= limit {
			break
		}

		raw, err := os.ReadFile(filepath.Join(a.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read message record %q: %w", name, err)
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("parse message record %q: %w", name, err)
		}

		if filter != "" && !strings.Contains(strings.ToLower(record.From), filter) {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// ListFromSender returns up to limit messages from one exact sender DID,
// newest first.
func (a *Archive) ListFromSender(limit int, senderDID string) ([]Record, error) {
	if senderDID == "" {
		return nil, errors.New("store: sender DID is required")
	}

	all, err := a.List(0, "")
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, record := range all {
		if record.From != senderDID {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// Count returns the number of archived messages.
func (a *Archive) Count() (int, error) {
	return a.index.Count("")
}

// PruneSeen trims dedup state older than the cutoff.
func (a *Archive) PruneSeen(cutoff int64) (int64, error) {
	return a.index.PruneSeen(cutoff)
}

// uniqueFilename builds <timestamp>_<sanitized-sender>.json, appending a
// numeric suffix in the rare case two distinct messages map to one name.
func (a *Archive) uniqueFilename(relayTimestamp, from string, now time.Time) string {
	ts := sanitizeTimestamp(relayTimestamp)
	if ts == "" {
		ts = now.Format("20060102_150405")
	}

	sender := strings.ReplaceAll(from, ":", "-")
	if len(sender) > maxSenderFilenameLen {
		sender = sender[:maxSenderFilenameLen]
	}

	base := ts + "_" + sender
	filename := base + ".json"
	for i := 1; fileExists(filepath.Join(a.dir, filename)); i++ {
		filename = fmt.Sprintf("%s-%d.json", base, i)
	}
	return filename
}

func sanitizeTimestamp(ts string) string {
	ts = strings.ReplaceAll(ts, ":", "-")
	return strings.ReplaceAll(ts, ".", "-")
}

func messageDigest(from, timestamp, content string) string {
	sum := sha256.Sum256([]byte(from + "|" + timestamp + "|" + content))
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
