package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apigate/internal/models"
)

const defaultJSONCacheTTL = 5 * time.Second

// JSONStorage implements the Storage interface using a JSON file for persistence.
// It keeps the decoded accounts in memory and reloads them when the file
// changes on disk, so keys issued by apigatectl reach a running server.
type JSONStorage struct {
	filePath     string
	cacheTTL     time.Duration
	mu           sync.RWMutex
	index        *accountIndex
	lastModified time.Time
	cacheExpiry  time.Time
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	Accounts    []*models.Account `json:"accounts"`
	LastUpdated time.Time         `json:"last_updated"`
}

// NewJSONStorage creates a new JSON-based storage instance
func NewJSONStorage(config Config) (*JSONStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}
	cacheTTL := config.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJSONCacheTTL
	}

	storage := &JSONStorage{
		filePath: config.Path,
		cacheTTL: cacheTTL,
	}

	if err := storage.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}
	if err := storage.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}
	return storage, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStorage) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		j.index = newAccountIndex()
		return j.saveLocked()
	}
	return nil
}

// loadData reloads the file when the cache has expired and the file changed.
// Double-checked locking: a read-lock fast path for cache hits and a
// write-lock slow path that re-validates before any I/O.
func (j *JSONStorage) loadData() error {
	j.mu.RLock()
	if j.index != nil && time.Now().Before(j.cacheExpiry) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.index != nil && time.Now().Before(j.cacheExpiry) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if j.index != nil && !info.ModTime().After(j.lastModified) {
		j.cacheExpiry = time.Now().Add(j.cacheTTL)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data JSONData
	if len(fileData) > 0 {
		if err := json.Unmarshal(fileData, &data); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
	}

	index := newAccountIndex()
	if err := index.load(data.Accounts); err != nil {
		return fmt.Errorf("invalid account file %s: %w", j.filePath, err)
	}

	j.index = index
	j.lastModified = info.ModTime()
	j.cacheExpiry = time.Now().Add(j.cacheTTL)
	return nil
}

// saveLocked writes the index through a temp file and rename so readers
// never observe a partial file. Callers hold the write lock.
func (j *JSONStorage) saveLocked() error {
	data := JSONData{
		Accounts:    j.index.snapshot(),
		LastUpdated: time.Now().UTC(),
	}
	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.filePath), ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(fileData); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

// view runs fn against the current index under the read lock.
func (j *JSONStorage) view(fn func(ix *accountIndex) error) error {
	if err := j.loadData(); err != nil {
		return err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return fn(j.index)
}

// update runs fn under the write lock and persists when fn reports a change.
// A failed write works on a clone, so the cached index keeps matching the
// file, and expires the cache so the next call rereads it.
func (j *JSONStorage) update(fn func(ix *accountIndex) (bool, error)) error {
	if err := j.loadData(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.index.clone()
	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}

	prev := j.index
	j.index = next
	if err := j.saveLocked(); err != nil {
		j.index = prev
		j.lastModified = time.Time{}
		j.cacheExpiry = time.Time{}
		return err
	}
	return nil
}

func changedOnSuccess(err error) (bool, error) {
	return err == nil, err
}

// CreateAccount stores a new account
func (j *JSONStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.create(account))
	})
}

// GetAccount retrieves an account by its ID
func (j *JSONStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var out *models.Account
	err := j.view(func(ix *accountIndex) error {
		a, err := ix.get(id)
		if err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// GetAccountByEmail retrieves an account by email
func (j *JSONStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var out *models.Account
	err := j.view(func(ix *accountIndex) error {
		a, err := ix.getByEmail(email)
		if err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// GetAccountByAPIKeyHash retrieves the account owning a key digest
func (j *JSONStorage) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	var out *models.Account
	err := j.view(func(ix *accountIndex) error {
		a, err := ix.getByHash(hash)
		if err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// ListAccounts returns every account ordered by email
func (j *JSONStorage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var out []*models.Account
	err := j.view(func(ix *accountIndex) error {
		out = ix.snapshot()
		return nil
	})
	return out, err
}

func (j *JSONStorage) IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.issueAPIKey(id, hash, prefix, createdAt))
	})
}

func (j *JSONStorage) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.setAPIKeyEnabled(id, enabled))
	})
}

func (j *JSONStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return ix.touch(id, at)
	})
}

func (j *JSONStorage) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.setTwoFactorSecret(id, secret))
	})
}

func (j *JSONStorage) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.enableTwoFactor(id, secret, backupCodeHashes))
	})
}

func (j *JSONStorage) DisableTwoFactor(ctx context.Context, id string) error {
	return j.update(func(ix *accountIndex) (bool, error) {
		return changedOnSuccess(ix.disableTwoFactor(id))
	})
}

func (j *JSONStorage) RemoveBackupCode(ctx context.Context, id, hash string) (bool, error) {
	var removed bool
	err := j.update(func(ix *accountIndex) (bool, error) {
		var err error
		removed, err = ix.removeBackupCode(id, hash)
		return removed, err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Stats returns account counters
func (j *JSONStorage) Stats(ctx context.Context) (*Stats, error) {
	var out *Stats
	err := j.view(func(ix *accountIndex) error {
		out = ix.stats()
		return nil
	})
	return out, err
}

// Ping verifies the backing file is still readable
func (j *JSONStorage) Ping(ctx context.Context) error {
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("account file unavailable: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already on disk
func (j *JSONStorage) Close() error {
	return nil
}
