package identity

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
)

var didPattern = regexp.MustCompile(`^did:key:ed25519:[A-Za-z0-9_-]{43}$`)

func TestGetOrCreateGeneratesValidDID(t *testing.T) {
	dataDir := t.TempDir()

	id, err := GetOrCreate(dataDir)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if !didPattern.MatchString(id.DID) {
		t.Fatalf("DID %q does not match expected pattern", id.DID)
	}
	if id.Info.KeyType != "Ed25519" {
		t.Fatalf("unexpected key type %q", id.Info.KeyType)
	}
	if id.Info.Version != "2.0" {
		t.Fatalf("unexpected schema version %q", id.Info.Version)
	}
}

func TestGetOrCreateReloadsByteIdentical(t *testing.T) {
	dataDir := t.TempDir()

	first, err := GetOrCreate(dataDir)
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}

	second, err := GetOrCreate(dataDir)
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}

	if !bytes.Equal(first.Private, second.Private) {
		t.Fatal("private key changed across reload")
	}
	if !bytes.Equal(first.Public, second.Public) {
		t.Fatal("public key changed across reload")
	}
	if first.DID != second.DID {
		t.Fatalf("DID changed across reload: %q vs %q", first.DID, second.DID)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode semantics differ on windows")
	}

	dataDir := t.TempDir()
	if _, err := GetOrCreate(dataDir); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dataDir, KeyFileName))
	if err != nil {
		t.Fatalf("stat identity key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("identity key permissions are %o, want 600", perm)
	}
}

func TestDeriveDIDIsPure(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	first := DeriveDID(publicKey)
	for i := 0; i < 10; i++ {
		if got := DeriveDID(publicKey); got != first {
			t.Fatalf("DeriveDID is not stable: %q vs %q", got, first)
		}
	}
}

func TestPublicKeyFromDIDRoundTrip(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	recovered, err := PublicKeyFromDID(DeriveDID(publicKey))
	if err != nil {
		t.Fatalf("PublicKeyFromDID failed: %v", err)
	}
	if !bytes.Equal(recovered, publicKey) {
		t.Fatal("recovered public key differs from original")
	}

	if _, err := PublicKeyFromDID("did:web:example.com"); err == nil {
		t.Fatal("expected error for non did:key identifier")
	}
	if _, err := PublicKeyFromDID("did:key:ed25519:!!!"); err == nil {
		t.Fatal("expected error for invalid base64 payload")
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := GetOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	message := []byte("hello, agent world")
	signature := id.Sign(message)

	if !Verify(id.Public, message, signature) {
		t.Fatal("signature did not verify")
	}
	if Verify(id.Public, []byte("tampered"), signature) {
		t.Fatal("verify accepted a tampered message")
	}
	if Verify(id.Public, message, signature[:10]) {
		t.Fatal("verify accepted a truncated signature")
	}
	if Verify(id.Public[:5], message, signature) {
		t.Fatal("verify accepted a malformed public key")
	}
}
