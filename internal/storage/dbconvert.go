package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// marshalRoles serialises a role slice to a JSON string.
func marshalRoles(roles []string) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("marshal roles: %w", err)
	}
	return string(b), nil
}

// unmarshalRoles parses a JSON string into a role slice.
func unmarshalRoles(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var roles []string
	if err := json.Unmarshal([]byte(data), &roles); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	return roles, nil
}

// nullString maps "" to nil so nullable unique columns hold NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString returns the value or "" for NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// unixNano stores times as integers for SQLite, which has no native timestamp type.
func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromUnixNano is the inverse of unixNano.
func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
