package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// APIKeyPrefixLength is the number of leading characters of a raw key kept
// for display and audit logs.
const APIKeyPrefixLength = 16

// IssuedAPIKey is the result of a key issuance. Raw is shown to the caller
// exactly once; only Hash and Prefix are persisted.
type IssuedAPIKey struct {
	Raw       string
	Hash      string
	Prefix    string
	CreatedAt time.Time
}

// IssueAPIKey generates a fresh random key and derives its stored form.
func IssueAPIKey() (*IssuedAPIKey, error) {
	raw, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	return &IssuedAPIKey{
		Raw:       raw,
		Hash:      HashAPIKey(raw),
		Prefix:    APIKeyPrefix(raw),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// GenerateAPIKey produces a new random API key: 32 random bytes, hex encoded (64 chars).
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashAPIKey computes the SHA-256 hex digest of a raw API key.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// APIKeyPrefix returns the display prefix of a raw key.
func APIKeyPrefix(rawKey string) string {
	if len(rawKey) > APIKeyPrefixLength {
		return rawKey[:APIKeyPrefixLength]
	}
	return rawKey
}
