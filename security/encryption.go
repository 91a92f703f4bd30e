// Package security provides the security primitives of the broker: secret
// encryption at rest, API key generation and hashing, audit logging, rate
// limiting, request IDs, and secure response headers.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// envelopeParts is the number of colon-separated segments in a ciphertext
// envelope: nonce, auth tag, ciphertext.
const envelopeParts = 3

// gcmTagSize is the AES-GCM authentication tag size in bytes.
const gcmTagSize = 16

// ErrIntegrity indicates that a ciphertext failed authentication: the data
// was tampered with, truncated, or encrypted under a different key. Callers
// must never mask this as a not-found condition.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

// Cipher encrypts and decrypts secret strings using AES-256-GCM.
// Every encryption draws a fresh random nonce; the output envelope is
// "nonce:tag:ciphertext" with each segment hex-encoded, so it round-trips
// through any text column.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a 32-byte AES-256 key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key must be exactly 32 bytes for AES-256, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt encrypts plaintext and returns the hex envelope.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag; split the trailing tag out so the
	// envelope carries it as its own segment.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt decrypts a hex envelope produced by Encrypt. Any structural or
// authentication failure is reported as ErrIntegrity.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != envelopeParts {
		return "", fmt.Errorf("envelope has %d segments, want %d: %w", len(parts), envelopeParts, ErrIntegrity)
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", ErrIntegrity)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode auth tag: %w", ErrIntegrity)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", ErrIntegrity)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return "", fmt.Errorf("envelope segment size mismatch: %w", ErrIntegrity)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", ErrIntegrity)
	}

	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// KeyFromHex decodes a hex-encoded encryption key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToHex encodes an encryption key to hex.
func KeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}
