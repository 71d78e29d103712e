package models_test

import (
	"testing"

	"apigate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := models.GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 64, "32 random bytes hex encoded")

	other, err := models.GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestHashAPIKey(t *testing.T) {
	hash1 := models.HashAPIKey("abc123")
	hash2 := models.HashAPIKey("abc123")
	hash3 := models.HashAPIKey("different")
	assert.Equal(t, hash1, hash2, "same input must produce same hash")
	assert.NotEqual(t, hash1, hash3, "different inputs must produce different hashes")
	assert.Len(t, hash1, 64, "SHA-256 hex is 64 characters")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", models.HashAPIKey("abc"))
}

func TestIssueAPIKey(t *testing.T) {
	issued, err := models.IssueAPIKey()
	require.NoError(t, err)
	assert.Len(t, issued.Raw, 64)
	assert.Equal(t, models.HashAPIKey(issued.Raw), issued.Hash)
	assert.Equal(t, issued.Raw[:16], issued.Prefix)
	assert.False(t, issued.CreatedAt.IsZero())
}

func TestAPIKeyPrefix(t *testing.T) {
	assert.Equal(t, "0123456789abcdef", models.APIKeyPrefix("0123456789abcdef0123"))
	assert.Equal(t, "short", models.APIKeyPrefix("short"))
}
