package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	DefaultBackupCodeCount  = 8
	DefaultBackupCodeLength = 8

	backupAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// Largest multiple of len(backupAlphabet) below 256; bytes at or above it
	// are discarded so every character is equally likely.
	backupRejectAbove = 256 - 256%len(backupAlphabet)
)

// GenerateBackupCodes returns n distinct codes of the given length drawn
// uniformly from [A-Za-z0-9].
func GenerateBackupCodes(n, length int) ([]string, error) {
	if n <= 0 || length <= 0 {
		return nil, fmt.Errorf("invalid backup code shape %dx%d", n, length)
	}

	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		code, err := randomCode(length)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func randomCode(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	buf := make([]byte, length*2)
	for sb.Len() < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate backup code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= backupRejectAbove {
				continue
			}
			sb.WriteByte(backupAlphabet[int(b)%len(backupAlphabet)])
			if sb.Len() == length {
				break
			}
		}
	}
	return sb.String(), nil
}

// HashBackupCode returns the SHA-256 hex digest stored in place of a code.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// HashBackupCodes hashes codes, preserving order.
func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}

// VerifyBackupCode reports whether code matches one of hashes. It compares
// against every hash so timing does not reveal the position.
func VerifyBackupCode(hashes []string, code string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	want := []byte(HashBackupCode(code))
	found := 0
	for _, h := range hashes {
		found |= subtle.ConstantTimeCompare([]byte(h), want)
	}
	return found == 1
}
