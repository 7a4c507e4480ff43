package contacts

import (
	"testing"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()

	book, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load test book: %v", err)
	}
	return book
}

func mustAdd(t *testing.T, book *Book, did, name string) {
	t.Helper()

	if _, err := book.Add(did, name, ""); err != nil {
		t.Fatalf("add contact %q: %v", name, err)
	}
}

func TestAddAndPersist(t *testing.T) {
	dataDir := t.TempDir()

	book, err := Load(dataDir)
	if err != nil {
		t.Fatalf("load book: %v", err)
	}
	mustAdd(t, book, "did:key:ed25519:AAAA", "Bob")

	reloaded, err := Load(dataDir)
	if err != nil {
		t.Fatalf("reload book: %v", err)
	}

	contact, ok := reloaded.Get("did:key:ed25519:AAAA")
	if !ok {
		t.Fatal("contact missing after reload")
	}
	if contact.Name != "Bob" {
		t.Fatalf("contact name is %q, want Bob", contact.Name)
	}
	if contact.AddedAt == "" {
		t.Fatal("contact has no added_at timestamp")
	}
}

func TestAddIsIdempotentPerDID(t *testing.T) {
	book := newTestBook(t)

	mustAdd(t, book, "did:key:ed25519:AAAA", "Bob")
	if _, err := book.Add("did:key:ed25519:AAAA", "Robert", "renamed"); err != nil {
		t.Fatalf("second add: %v", err)
	}

	if book.Len() != 1 {
		t.Fatalf("expected 1 contact after re-add, got %d", book.Len())
	}

	contact, _ := book.Get("did:key:ed25519:AAAA")
	if contact.Name != "Robert" || contact.Notes != "renamed" {
		t.Fatalf("re-add did not overwrite: %+v", contact)
	}
}

func TestAddRejectsMissingFields(t *testing.T) {
	book := newTestBook(t)

	if _, err := book.Add("", "Bob", ""); err == nil {
		t.Fatal("expected error for empty did")
	}
	if _, err := book.Add("did:key:ed25519:AAAA", "", ""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestFindExactIsCaseInsensitive(t *testing.T) {
	book := newTestBook(t)
	mustAdd(t, book, "did:key:ed25519:AAAA", "Alice")

	did, ok := book.FindExact("aLiCe")
	if !ok || did != "did:key:ed25519:AAAA" {
		t.Fatalf("FindExact: got %q, %v", did, ok)
	}

	if _, ok := book.FindExact("Mallory"); ok {
		t.Fatal("FindExact matched a missing name")
	}
}

func TestFindExactFirstMatchWins(t *testing.T) {
	book := newTestBook(t)
	mustAdd(t, book, "did:key:ed25519:AAAA", "Bob")
	mustAdd(t, book, "did:key:ed25519:BBBB", "bob")

	did, ok := book.FindExact("BOB")
	if !ok || did != "did:key:ed25519:AAAA" {
		t.Fatalf("expected first inserted bob, got %q", did)
	}
}

func TestFindFuzzyOrderingAndThreshold(t *testing.T) {
	book := newTestBook(t)
	mustAdd(t, book, "did:key:ed25519:AAAA", "Alice")
	mustAdd(t, book, "did:key:ed25519:BBBB", "Alicia")
	mustAdd(t, book, "did:key:ed25519:CCCC", "Bob")

	matches := book.FindFuzzy("Alice", DefaultFuzzyThreshold)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(matches), matches)
	}

	if matches[0].Name != "Alice" || matches[0].Score != 1.0 {
		t.Fatalf("best match should be Alice with score 1.0, got %+v", matches[0])
	}
	if matches[1].Name != "Alicia" {
		t.Fatalf("second match should be Alicia, got %+v", matches[1])
	}
	if matches[1].Score <= DefaultFuzzyThreshold || matches[1].Score >= 1.0 {
		t.Fatalf("Alicia score %v not strictly between 0.6 and 1.0", matches[1].Score)
	}
}

func TestFindFuzzyEmptyBook(t *testing.T) {
	book := newTestBook(t)

	if matches := book.FindFuzzy("anyone", DefaultFuzzyThreshold); len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestListKeepsInsertionOrder(t *testing.T) {
	book := newTestBook(t)
	mustAdd(t, book, "did:key:ed25519:AAAA", "First")
	mustAdd(t, book, "did:key:ed25519:BBBB", "Second")
	mustAdd(t, book, "did:key:ed25519:CCCC", "Third")

	list := book.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(list))
	}
	if list[0].Name != "First" || list[1].Name != "Second" || list[2].Name != "Third" {
		t.Fatalf("list order wrong: %+v", list)
	}
}
