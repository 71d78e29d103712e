package storage

import (
	"context"
	"sync"
	"time"

	"apigate/internal/models"
)

// MemoryStorage implements the Storage interface using in-memory data structures.
// This provider is ideal for development, testing, and scenarios where data
// persistence is not required. Data is lost on restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	index *accountIndex
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{index: newAccountIndex()}, nil
}

// CreateAccount stores a copy of the account
func (m *MemoryStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.create(account)
}

// GetAccount retrieves an account by its ID
func (m *MemoryStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.index.get(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// GetAccountByEmail retrieves an account by email
func (m *MemoryStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.index.getByEmail(email)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// GetAccountByAPIKeyHash retrieves the account owning a key digest
func (m *MemoryStorage) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.index.getByHash(hash)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// ListAccounts returns every account ordered by email
func (m *MemoryStorage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.snapshot(), nil
}

func (m *MemoryStorage) IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.issueAPIKey(id, hash, prefix, createdAt)
}

func (m *MemoryStorage) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.setAPIKeyEnabled(id, enabled)
}

func (m *MemoryStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.index.touch(id, at)
	return err
}

func (m *MemoryStorage) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.setTwoFactorSecret(id, secret)
}

func (m *MemoryStorage) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.enableTwoFactor(id, secret, backupCodeHashes)
}

func (m *MemoryStorage) DisableTwoFactor(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.disableTwoFactor(id)
}

func (m *MemoryStorage) RemoveBackupCode(ctx context.Context, id, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.removeBackupCode(id, hash)
}

// Stats returns account counters
func (m *MemoryStorage) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.stats(), nil
}

// Ping always succeeds for the in-memory provider
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}
