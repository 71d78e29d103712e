package storage

import (
	"testing"
	"time"
)

func TestRolesRoundTrip(t *testing.T) {
	data, err := marshalRoles(nil)
	if err != nil {
		t.Fatalf("marshalRoles failed: %v", err)
	}
	if data != "[]" {
		t.Errorf("expected [] for nil roles, got %q", data)
	}

	roles, err := unmarshalRoles(`["ROLE_ADMIN"]`)
	if err != nil {
		t.Fatalf("unmarshalRoles failed: %v", err)
	}
	if len(roles) != 1 || roles[0] != "ROLE_ADMIN" {
		t.Errorf("unexpected roles %v", roles)
	}

	roles, err = unmarshalRoles("")
	if err != nil || roles == nil || len(roles) != 0 {
		t.Errorf("expected empty non-nil slice, got %v (%v)", roles, err)
	}

	if _, err := unmarshalRoles("{"); err == nil {
		t.Error("expected error for malformed roles")
	}
}

func TestNullableHelpers(t *testing.T) {
	if nullString("") != nil {
		t.Error("empty string must map to NULL")
	}
	if got := derefString(nullString("x")); got != "x" {
		t.Errorf("expected x, got %q", got)
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	if !fromUnixNano(unixNano(ts)).Equal(ts) {
		t.Error("unix nano round trip lost precision")
	}
}
