// Package models - Account identity and credential state.
// This file defines the account record shared by the credential store, the
// API key authenticator, the rate limit gate and the two-factor flows.
//
// Invariants:
// - APIKeyHash, when set, is unique across all accounts
// - TwoFactorEnabled implies TwoFactorSecret is set
// - BackupCodeHashes only shrink between two enable actions
package models

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags recognised by the gate.
const (
	RoleUser  = "ROLE_USER"
	RoleAdmin = "ROLE_ADMIN"
)

// DefaultAccountRateLimit is the custom per-minute limit given to new accounts.
const DefaultAccountRateLimit = 100

// Account is the persisted identity record.
type Account struct {
	ID               string     `json:"id"`                            // UUID v4
	Email            string     `json:"email"`                         // Unique login, TOTP label
	Roles            []string   `json:"roles"`                         // Role tags, set semantics
	RateLimit        int        `json:"rate_limit"`                    // Custom requests/minute, 0 = tier default
	APIKeyHash       string     `json:"api_key_hash,omitempty"`        // SHA-256 hex of the raw key
	APIKeyPrefix     string     `json:"api_key_prefix,omitempty"`      // First 16 chars of the raw key
	APIKeyEnabled    bool       `json:"api_key_enabled"`               // Disabled keys fail authentication
	APIKeyCreatedAt  *time.Time `json:"api_key_created_at,omitempty"`  // Set by issuance
	APIKeyLastUsedAt *time.Time `json:"api_key_last_used_at,omitempty"` // Monotonic, eventually consistent
	TwoFactorSecret  string     `json:"two_factor_secret,omitempty"`   // Base32, empty when absent
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	BackupCodeHashes []string   `json:"backup_code_hashes,omitempty"` // SHA-256 hex, order preserved
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewAccount creates an account with a fresh ID, the default custom limit and
// the given roles. ROLE_USER is implied and not stored.
func NewAccount(email string, roles ...string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:        NewAccountID(),
		Email:     strings.TrimSpace(strings.ToLower(email)),
		Roles:     normalizeRoles(roles),
		RateLimit: DefaultAccountRateLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewAccountID generates a new UUID v4 for use as an Account ID.
func NewAccountID() string {
	return uuid.New().String()
}

// RoleSet returns the stored roles plus ROLE_USER, deduplicated and sorted.
func (a *Account) RoleSet() []string {
	set := append([]string{RoleUser}, a.Roles...)
	slices.Sort(set)
	return slices.Compact(set)
}

// HasRole reports whether role is in the account's role set.
func (a *Account) HasRole(role string) bool {
	return role == RoleUser || slices.Contains(a.Roles, role)
}

// HasAPIKey reports whether a key has ever been issued.
func (a *Account) HasAPIKey() bool {
	return a.APIKeyHash != ""
}

// Clone returns a deep copy so store implementations never share slices or
// timestamps with callers.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Roles = slices.Clone(a.Roles)
	c.BackupCodeHashes = slices.Clone(a.BackupCodeHashes)
	if a.APIKeyCreatedAt != nil {
		t := *a.APIKeyCreatedAt
		c.APIKeyCreatedAt = &t
	}
	if a.APIKeyLastUsedAt != nil {
		t := *a.APIKeyLastUsedAt
		c.APIKeyLastUsedAt = &t
	}
	return &c
}

// Validate checks the fields an operator can set.
func (a *Account) Validate() error {
	if a.ID == "" {
		return errors.New("account id cannot be empty")
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return fmt.Errorf("invalid email %q: %w", a.Email, err)
	}
	if a.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}
	for _, r := range a.Roles {
		if !strings.HasPrefix(r, "ROLE_") {
			return fmt.Errorf("invalid role %q: roles must start with ROLE_", r)
		}
	}
	return nil
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" || r == RoleUser {
			continue
		}
		if !strings.HasPrefix(r, "ROLE_") {
			r = "ROLE_" + r
		}
		out = append(out, r)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// AccountView is the public projection of an account returned by the API.
// It never carries digests, secrets or backup code hashes.
type AccountView struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Roles            []string   `json:"roles"`
	RateLimit        int        `json:"rate_limit"`
	APIKeyPrefix     string     `json:"api_key_prefix,omitempty"`
	APIKeyEnabled    bool       `json:"api_key_enabled"`
	APIKeyCreatedAt  *time.Time `json:"api_key_created_at,omitempty"`
	APIKeyLastUsedAt *time.Time `json:"api_key_last_used_at,omitempty"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	BackupCodesLeft  int        `json:"backup_codes_left"`
}

// View builds the public projection.
func (a *Account) View() AccountView {
	return AccountView{
		ID:               a.ID,
		Email:            a.Email,
		Roles:            a.RoleSet(),
		RateLimit:        a.RateLimit,
		APIKeyPrefix:     a.APIKeyPrefix,
		APIKeyEnabled:    a.APIKeyEnabled,
		APIKeyCreatedAt:  a.APIKeyCreatedAt,
		APIKeyLastUsedAt: a.APIKeyLastUsedAt,
		TwoFactorEnabled: a.TwoFactorEnabled,
		BackupCodesLeft:  len(a.BackupCodeHashes),
	}
}
