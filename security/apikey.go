package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// APIKeyPrefix is the fixed literal marking the key format. It doubles as a
// format/version marker: a future key scheme gets a new prefix.
const APIKeyPrefix = "aa_live_"

// apiKeyRandomBytes is the entropy drawn per key: 24 bytes encode to exactly
// 32 base64url characters.
const apiKeyRandomBytes = 24

// apiKeyPattern gates the full key format before any storage lookup is
// attempted, so malformed input is rejected without touching the store.
var apiKeyPattern = regexp.MustCompile(`^aa_live_[A-Za-z0-9_-]{32}$`)

// GenerateAPIKey generates a new API key. It returns the full key (shown to
// the caller exactly once), the displayable prefix, and the SHA-256 hex hash
// that is the only form ever persisted.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return key, APIKeyPrefix, HashAPIKey(key), nil
}

// HashAPIKey computes the SHA-256 hex digest of a full key. The digest is
// deterministic so credential lookups can index on it.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// MaskAPIKey renders a key for display: first 12 characters, a run of
// bullets, last 4 characters.
func MaskAPIKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:12] + strings.Repeat("•", 20) + key[len(key)-4:]
}

// ValidAPIKeyFormat reports whether the presented string has the expected
// key shape. This is a fast pre-check, not an authenticity check.
func ValidAPIKeyFormat(key string) bool {
	return apiKeyPattern.MatchString(key)
}
