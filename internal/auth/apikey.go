// ABOUTME: API key generation, hashing and verification for the producer HTTP API.
// ABOUTME: Keys are opaque strings (qd_ prefix + random bytes). Only the sha256 is configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix is the human-readable prefix on all queued API keys.
const APIKeyPrefix = "qd_"

// GenerateAPIKey creates a new API key. Returns the raw key (shown to the
// operator once), the sha256 hex hash (placed in API_KEY_HASHES), and any error.
func GenerateAPIKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey = APIKeyPrefix + hex.EncodeToString(b)
	keyHash = HashAPIKey(rawKey)
	return rawKey, keyHash, nil
}

// HashAPIKey returns the sha256 hex hash of rawKey.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeySet verifies raw keys against a fixed set of hashes.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet returns a KeySet over hex sha256 hashes. Blank entries are ignored.
func NewKeySet(hashes []string) *KeySet {
	ks := &KeySet{}
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			ks.hashes = append(ks.hashes, []byte(h))
		}
	}
	return ks
}

// Empty reports whether no hashes are configured.
func (ks *KeySet) Empty() bool { return len(ks.hashes) == 0 }

// Verify reports whether rawKey hashes to one of the configured hashes.
// Every hash is compared so timing does not reveal which one matched.
func (ks *KeySet) Verify(rawKey string) bool {
	if rawKey == "" {
		return false
	}
	got := []byte(HashAPIKey(rawKey))
	ok := 0
	for _, h := range ks.hashes {
		ok |= subtle.ConstantTimeCompare(got, h)
	}
	return ok == 1
}
