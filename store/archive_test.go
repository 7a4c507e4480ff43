package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()

	dataDir := t.TempDir()
	archive, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test archive: %v", err)
	}
	t.Cleanup(func() {
		if err := archive.Close(); err != nil {
			t.Fatalf("close test archive: %v", err)
		}
	})

	return archive, dataDir
}

func TestSaveInboundWritesOneFilePerMessage(t *testing.T) {
	archive, dataDir := newTestArchive(t)

	record, saved, err := archive.SaveInbound("did:key:ed25519:SENDER", "hello", "2026-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("SaveInbound failed: %v", err)
	}
	if !saved {
		t.Fatal("first delivery was not saved")
	}
	if record.From != "did:key:ed25519:SENDER" || record.Content != "hello" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.SavedAt == "" {
		t.Fatal("record has no saved_at")
	}

	entries, err := os.ReadDir(filepath.Join(dataDir, MessagesDirName))
	if err != nil {
		t.Fatalf("read messages dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 message file, got %d", len(entries))
	}

	name := entries[0].Name()
	if strings.ContainsAny(name, ":.") && !strings.HasSuffix(name, ".json") {
		t.Fatalf("filename %q not sanitized", name)
	}
	if !strings.HasPrefix(name, "2026-01-02T03-04-05Z_did-key-ed25519-SENDER") {
		t.Fatalf("unexpected filename %q", name)
	}
}

func TestSaveInboundDropsDuplicateDeliveries(t *testing.T) {
	archive, _ := newTestArchive(t)

	if _, saved, err := archive.SaveInbound("did:key:ed25519:A", "same", "t1"); err != nil || !saved {
		t.Fatalf("first delivery: saved=%v err=%v", saved, err)
	}
	if _, saved, err := archive.SaveInbound("did:key:ed25519:A", "same", "t1"); err != nil || saved {
		t.Fatalf("duplicate delivery: saved=%v err=%v", saved, err)
	}

	count, err := archive.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 archived message, got %d", count)
	}
}

func TestSaveInboundDistinguishesContent(t *testing.T) {
	archive, _ := newTestArchive(t)

	for _, content := range []string{"one", "two", "three"} {
		if _, saved, err := archive.SaveInbound("did:key:ed25519:A", content, "t1"); err != nil || !saved {
			t.Fatalf("SaveInbound(%q): saved=%v err=%v", content, saved, err)
		}
	}

	count, err := archive.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 archived messages, got %d", count)
	}
}

func TestListNewestFirstWithLimitAndFilter(t *testing.T) {
	archive, _ := newTestArchive(t)

	deliveries := []struct {
		from, content, ts string
	}{
		{"did:key:ed25519:ALICE", "oldest", "2026-01-01T00:00:00Z"},
		{"did:key:ed25519:BOB", "middle", "2026-01-02T00:00:00Z"},
		{"did:key:ed25519:ALICE", "newest", "2026-01-03T00:00:00Z"},
	}
	for _, d := range deliveries {
		if _, _, err := archive.SaveInbound(d.from, d.content, d.ts); err != nil {
			t.Fatalf("SaveInbound(%q): %v", d.content, err)
		}
	}

	all, err := archive.List(0, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].Content != "newest" || all[2].Content != "oldest" {
		t.Fatalf("unexpected order: %+v", all)
	}

	limited, err := archive.List(2, "")
	if err != nil {
		t.Fatalf("List with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}

	filtered, err := archive.List(0, "alice")
	if err != nil {
		t.Fatalf("List with filter failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 alice records, got %d", len(filtered))
	}
	for _, record := range filtered {
		if !strings.Contains(record.From, "ALICE") {
			t.Fatalf("filter leaked record from %q", record.From)
		}
	}
}

func TestListFromSenderExactMatch(t *testing.T) {
	archive, _ := newTestArchive(t)

	if _, _, err := archive.SaveInbound("did:key:ed25519:ALICE", "from alice", "t1"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}
	if _, _, err := archive.SaveInbound("did:key:ed25519:ALICEALIKE", "impostor", "t2"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}

	records, err := archive.ListFromSender(0, "did:key:ed25519:ALICE")
	if err != nil {
		t.Fatalf("ListFromSender failed: %v", err)
	}
	if len(records) != 1 || records[0].Content != "from alice" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFilenameCollisionGetsSuffix(t *testing.T) {
	archive, dataDir := newTestArchive(t)

	// Same sender and timestamp but different content: distinct messages
	// that would map to the same filename.
	if _, _, err := archive.SaveInbound("did:key:ed25519:A", "first", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}
	if _, _, err := archive.SaveInbound("did:key:ed25519:A", "second", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dataDir, MessagesDirName))
	if err != nil {
		t.Fatalf("read messages dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files, got %d", len(entries))
	}
}

func TestPruneSeenKeepsArchivedDigests(t *testing.T) {
	archive, _ := newTestArchive(t)

	if _, _, err := archive.SaveInbound("did:key:ed25519:A", "keep me", "t1"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}

	if _, err := archive.PruneSeen(time.Now().UnixMilli() + 1000); err != nil {
		t.Fatalf("PruneSeen failed: %v", err)
	}

	// Still deduped: the archived digest survives pruning.
	if _, saved, err := archive.SaveInbound("did:key:ed25519:A", "keep me", "t1"); err != nil || saved {
		t.Fatalf("duplicate after prune: saved=%v err=%v", saved, err)
	}
}
