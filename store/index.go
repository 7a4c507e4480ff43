package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultIndexFileName is the SQLite filename under the profile directory.
const DefaultIndexFileName = "archive.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS seen_messages (
  digest      TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_messages_received_at
ON seen_messages (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS archive_entries (
  digest      TEXT PRIMARY KEY REFERENCES seen_messages(digest),
  sender      TEXT NOT NULL,
  filename    TEXT NOT NULL,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_archive_entries_sender_time
ON archive_entries (sender, received_at DESC);
`,
}

// Index is the SQLite sidecar used for duplicate suppression and counting.
// The JSON files under messages/ remain the canonical archive.
type Index struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenIndex opens (or creates) the archive index and runs migrations.
func OpenIndex(dbPath string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive index: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Close closes the SQLite connection.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	var closeErr error
	idx.closeOnce.Do(func() {
		closeErr = idx.db.Close()
	})
	return closeErr
}

// MarkSeen records a message digest. It returns false when the digest was
// already present, which callers treat as a duplicate delivery.
func (idx *Index) MarkSeen(digest string, receivedAt int64) (bool, error) {
	if digest == "" {
		return false, errors.New("store: digest is required")
	}

	res, err := idx.db.Exec(
		`INSERT INTO seen_messages (digest, received_at)
		VALUES (?, ?)
		ON CONFLICT(digest) DO NOTHING`,
		digest,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark message seen: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen insert: %w", err)
	}
	return rows == 1, nil
}

// RecordEntry indexes one saved archive file.
func (idx *Index) RecordEntry(digest, sender, filename string, receivedAt int64) error {
	_, err := idx.db.Exec(
		`INSERT INTO archive_entries (digest, sender, filename, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`,
		digest,
		sender,
		filename,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("record archive entry %q: %w", filename, err)
	}
	return nil
}

// Count returns the number of indexed archive entries, optionally limited
// to senders whose DID contains the filter substring.
func (idx *Index) Count(senderFilter string) (int, error) {
	var count int
	var err error
	if senderFilter == "" {
		err = idx.db.QueryRow(`SELECT COUNT(*) FROM archive_entries`).Scan(&count)
	} else {
		pattern := "%" + strings.ToLower(senderFilter) + "%"
		err = idx.db.QueryRow(
			`SELECT COUNT(*) FROM archive_entries WHERE LOWER(sender) LIKE ?`,
			pattern,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count archive entries: %w", err)
	}
	return count, nil
}

// PruneSeen removes seen-message rows older than the cutoff timestamp,
// keeping the dedup table bounded. Archive files are never touched.
func (idx *Index) PruneSeen(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("store: cutoff timestamp must be > 0")
	}

	res, err := idx.db.Exec(
		`DELETE FROM seen_messages WHERE received_at < ?
		AND digest NOT IN (SELECT digest FROM archive_entries)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen messages: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen prune: %w", err)
	}
	return rows, nil
}

func (idx *Index) enableWALMode() error {
	var journalMode string
	if err := idx.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (idx *Index) applyMigrations() error {
	var version int
	if err := idx.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}
