// Package identity manages the agent's Ed25519 keypair and the DID derived
// from it. The keypair is generated once per profile directory and reloaded
// byte-identically on every subsequent start.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// KeyFileName stores the raw 32-byte private key seed.
	KeyFileName = "identity.key"
	// InfoFileName stores the identity metadata as JSON.
	InfoFileName = "identity.json"
	// DIDPrefix is the identifier prefix for Ed25519 identities.
	DIDPrefix = "did:key:ed25519:"

	keyType       = "Ed25519"
	schemaVersion = "2.0"
)

// ErrMalformedDID indicates an identifier that does not parse as a DID.
var ErrMalformedDID = errors.New("identity: malformed DID")

// Info is the persisted identity metadata.
type Info struct {
	DID       string `json:"did"`
	KeyType   string `json:"key_type"`
	CreatedAt string `json:"created_at"`
	Version   string `json:"version"`
}

// Identity holds the loaded keypair and its derived identifier.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	DID     string
	Info    Info
}

// DeriveDID returns the identifier for a public key. It is a pure function
// of the key bytes: the same key always yields the same DID.
func DeriveDID(publicKey ed25519.PublicKey) string {
	return DIDPrefix + base64.RawURLEncoding.EncodeToString(publicKey)
}

// PublicKeyFromDID recovers the raw public key embedded in a DID.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, DIDPrefix)
	if !ok {
		return nil, ErrMalformedDID
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode DID public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid DID public key length: got %d want %d", len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}

// GetOrCreate loads the identity persisted under dataDir, generating and
// persisting a fresh one on first run.
func GetOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory %q: %w", dataDir, err)
	}

	keyPath := filepath.Join(dataDir, KeyFileName)
	infoPath := filepath.Join(dataDir, InfoFileName)

	if fileExists(keyPath) && fileExists(infoPath) {
		return load(keyPath, infoPath)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	if err := os.WriteFile(keyPath, privateKey.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}

	info := Info{
		DID:       DeriveDID(publicKey),
		KeyType:   keyType,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Version:   schemaVersion,
	}
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity info: %w", err)
	}
	if err := os.WriteFile(infoPath, append(raw, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("write identity info: %w", err)
	}

	return &Identity{
		Private: privateKey,
		Public:  publicKey,
		DID:     info.DID,
		Info:    info,
	}, nil
}

func load(keyPath, infoPath string) (*Identity, error) {
	seed, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid identity key size: got %d want %d", len(seed), ed25519.SeedSize)
	}

	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("read identity info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse identity info: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	// The stored DID is advisory; the key bytes are authoritative.
	derived := DeriveDID(publicKey)
	if info.DID != derived {
		return nil, fmt.Errorf("identity info DID %q does not match key-derived DID %q", info.DID, derived)
	}

	return &Identity{
		Private: privateKey,
		Public:  publicKey,
		DID:     derived,
		Info:    info,
	}, nil
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.Private, message)
}

// PublicKeyBase64 returns the public key portion of the DID.
func (id *Identity) PublicKeyBase64() string {
	return strings.TrimPrefix(id.DID, DIDPrefix)
}

// Verify reports whether signature is valid for message under publicKey.
// It returns false on any malformed input rather than erroring.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, message, signature)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
