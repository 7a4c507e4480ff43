// Package envelope implements the message body wire format: zlib
// compression, ChaCha20-Poly1305 authenticated encryption under a key
// derived from the peer's public key, and base64 framing.
//
// The key scheme is a placeholder, not true Diffie-Hellman agreement: both
// sides derive the symmetric key from the same public input, so it provides
// neither forward secrecy nor confidentiality against an observer who knows
// the recipient's public key. The nonce is likewise a protocol constant.
// Both are part of the current wire contract; changing either requires a
// wire format version bump.
package envelope

import (
	"bytes"
	"compress/zlib"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// contextInfo is the HKDF info string and the source of the fixed nonce.
const contextInfo = "agent-messenger-v2"

var (
	// ErrDecrypt indicates authenticated decryption failed.
	ErrDecrypt = errors.New("envelope: decryption failed")
	// ErrUnknownMode indicates an unrecognized envelope mode name.
	ErrUnknownMode = errors.New("envelope: unknown mode")
)

// Mode selects how outbound message bodies are encoded.
type Mode string

const (
	// ModeLegacy compresses and base64-encodes only, matching the wire
	// behavior of existing deployments. Bodies are not confidential.
	ModeLegacy Mode = "legacy"
	// ModeSealed runs the full derived-key AEAD path.
	ModeSealed Mode = "sealed"
)

// ParseMode validates a mode name from configuration.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeLegacy, ModeSealed:
		return Mode(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// DeriveSharedKey derives the 32-byte symmetric key for a peer via
// HKDF-SHA256 (no salt) over the peer's raw public key bytes.
func DeriveSharedKey(peerPublicKey ed25519.PublicKey) ([]byte, error) {
	if len(peerPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid peer public key length: got %d want %d", len(peerPublicKey), ed25519.PublicKeySize)
	}

	reader := hkdf.New(sha256.New, peerPublicKey, nil, []byte(contextInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}

	return key, nil
}

func fixedNonce() []byte {
	return []byte(contextInfo)[:chacha20poly1305.NonceSize]
}

// Seal compresses and encrypts plaintext for a peer and returns the
// base64-encoded ciphertext.
func Seal(plaintext string, peerPublicKey ed25519.PublicKey) (string, error) {
	key, err := DeriveSharedKey(peerPublicKey)
	if err != nil {
		return "", err
	}

	compressed, err := deflate([]byte(plaintext))
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, fixedNonce(), compressed, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts and decompresses a sealed body. It returns ErrDecrypt when
// the authentication tag does not match.
func Open(encoded string, peerPublicKey ed25519.PublicKey) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode envelope base64: %w", err)
	}

	key, err := DeriveSharedKey(peerPublicKey)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	compressed, err := aead.Open(nil, fixedNonce(), ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	plaintext, err := inflate(compressed)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// Compress encodes plaintext in the legacy wire format: zlib then base64,
// with no encryption.
func Compress(plaintext string) (string, error) {
	compressed, err := deflate([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// Decompress decodes a legacy body.
func Decompress(encoded string) (string, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode envelope base64: %w", err)
	}

	plaintext, err := inflate(compressed)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// DecodeInbound decodes a received body. When the sender's public key is
// known it tries the sealed path first and falls back to legacy; without a
// key only legacy decoding is possible.
func DecodeInbound(encoded string, senderPublicKey ed25519.PublicKey) (string, error) {
	if len(senderPublicKey) == ed25519.PublicKeySize {
		if plaintext, err := Open(encoded, senderPublicKey); err == nil {
			return plaintext, nil
		}
	}
	return Decompress(encoded)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compress body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flush compressed body: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open compressed body: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompress body: %w", err)
	}
	return plaintext, nil
}
