// Package auth verifies static API keys presented in a request header and
// exposes the authenticated account to downstream handlers and the gate.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"apigate/internal/apperr"
	"apigate/internal/models"
	"apigate/internal/storage"
)

// CredentialStore is the part of the account store the authenticator reads.
type CredentialStore interface {
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
}

// Authenticator resolves a presented API key to an account.
type Authenticator struct {
	store    CredentialStore
	lastUsed *LastUsedRecorder
	now      func() time.Time
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithClock overrides the time recorded as last use.
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an authenticator. lastUsed may be nil, in which
// case successful uses are not recorded.
func NewAuthenticator(store CredentialStore, lastUsed *LastUsedRecorder, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{store: store, lastUsed: lastUsed, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate looks up the SHA-256 digest of presented. The raw key never
// reaches logs; only its display prefix does.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*models.Account, error) {
	if presented == "" {
		return nil, apperr.NewMissingCredentialError()
	}

	prefix := models.APIKeyPrefix(presented)
	account, err := a.store.GetAccountByAPIKeyHash(ctx, models.HashAPIKey(presented))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("API key authentication failed",
				"event", "security_audit",
				"action", "auth_invalid_key",
				"key_prefix", prefix,
			)
			return nil, apperr.NewInvalidCredentialError()
		}
		slog.Error("API key lookup failed", "key_prefix", prefix, "error", err)
		return nil, apperr.NewStoreUnavailableError(err)
	}

	if !account.APIKeyEnabled {
		slog.Warn("Disabled API key presented",
			"event", "security_audit",
			"action", "auth_disabled_key",
			"key_prefix", prefix,
			"account_id", account.ID,
		)
		return nil, apperr.NewCredentialDisabledError()
	}

	if a.lastUsed != nil {
		a.lastUsed.Record(account.ID, prefix, a.now())
	}
	return account, nil
}
