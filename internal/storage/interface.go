package storage

import (
	"context"
	"time"

	"apigate/internal/models"
)

// Storage defines the account credential store consumed by the gate. Every
// mutation that touches more than one field is applied atomically by the
// backend; callers never read-modify-write an account.
type Storage interface {
	// CreateAccount inserts a new account. Returns ErrConflict when the id or
	// email is already taken.
	CreateAccount(ctx context.Context, account *models.Account) error

	// GetAccount retrieves an account by id. Returns ErrNotFound.
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// GetAccountByEmail retrieves an account by its (lowercased) email. Returns ErrNotFound.
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	// GetAccountByAPIKeyHash retrieves the account owning the given key digest. Returns ErrNotFound.
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)

	// ListAccounts returns all accounts ordered by email.
	ListAccounts(ctx context.Context) ([]*models.Account, error)

	// IssueAPIKey replaces any prior key of the account with the given digest
	// and prefix, enables it and clears the last-used timestamp. The prior
	// digest stops resolving in the same operation. Returns ErrConflict when
	// the digest belongs to another account.
	IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error

	// SetAPIKeyEnabled toggles the enabled flag of the account's key.
	SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error

	// TouchAPIKey records a successful key use. The stored timestamp only
	// moves forward: an older at is ignored.
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	// SetTwoFactorSecret stores a pending TOTP secret. Returns ErrConflict
	// when two-factor is already enabled.
	SetTwoFactorSecret(ctx context.Context, id, secret string) error

	// EnableTwoFactor marks two-factor enabled and stores the backup code
	// hashes, provided the pending secret still equals secret. Returns
	// ErrConflict when already enabled or the pending secret differs.
	EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error

	// DisableTwoFactor clears the secret, the enabled flag and all backup codes.
	DisableTwoFactor(ctx context.Context, id string) error

	// RemoveBackupCode deletes one backup code hash. It reports whether the
	// hash was present; concurrent callers with the same hash see true once.
	RemoveBackupCode(ctx context.Context, id, hash string) (bool, error)

	// Stats returns aggregate counters for operators.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}

// Stats holds account counters reported by apigatectl.
type Stats struct {
	Accounts         int `json:"accounts"`
	APIKeys          int `json:"api_keys"`
	EnabledAPIKeys   int `json:"enabled_api_keys"`
	TwoFactorEnabled int `json:"two_factor_enabled"`
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (json, memory, postgres, sqlite)
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// CacheTTL bounds how long the JSON provider trusts its in-memory copy
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// AutoMigrate applies embedded schema migrations when the store opens
	AutoMigrate bool `json:"auto_migrate,omitempty" yaml:"auto_migrate,omitempty"`

	// Pool settings for database backends
	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time,omitempty" yaml:"conn_max_idle_time,omitempty"`
}
