package storage

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"apigate/internal/models"
)

// accountIndex holds accounts keyed by id with secondary indexes on email
// and key digest. It is not safe for concurrent use; MemoryStorage and
// JSONStorage guard it with their own locks.
type accountIndex struct {
	byID    map[string]*models.Account
	byEmail map[string]string // email -> id
	byHash  map[string]string // api key digest -> id
}

func newAccountIndex() *accountIndex {
	return &accountIndex{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
		byHash:  make(map[string]string),
	}
}

// load rebuilds the index from a list of accounts, rejecting duplicates.
func (ix *accountIndex) load(accounts []*models.Account) error {
	for _, a := range accounts {
		if err := ix.create(a); err != nil {
			return fmt.Errorf("load account %s: %w", a.ID, err)
		}
	}
	return nil
}

// clone returns a deep copy that can be changed without touching ix.
func (ix *accountIndex) clone() *accountIndex {
	out := &accountIndex{
		byID:    make(map[string]*models.Account, len(ix.byID)),
		byEmail: maps.Clone(ix.byEmail),
		byHash:  maps.Clone(ix.byHash),
	}
	for id, a := range ix.byID {
		out.byID[id] = a.Clone()
	}
	return out
}

// snapshot returns clones of every account ordered by email.
func (ix *accountIndex) snapshot() []*models.Account {
	out := make([]*models.Account, 0, len(ix.byID))
	for _, a := range ix.byID {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (ix *accountIndex) create(account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	email := normalizeEmail(account.Email)
	if _, ok := ix.byID[account.ID]; ok {
		return fmt.Errorf("account %s: %w", account.ID, ErrConflict)
	}
	if _, ok := ix.byEmail[email]; ok {
		return fmt.Errorf("email %s: %w", email, ErrConflict)
	}
	if account.APIKeyHash != "" {
		if _, ok := ix.byHash[account.APIKeyHash]; ok {
			return fmt.Errorf("api key digest: %w", ErrConflict)
		}
	}

	stored := account.Clone()
	stored.Email = email
	ix.byID[stored.ID] = stored
	ix.byEmail[email] = stored.ID
	if stored.APIKeyHash != "" {
		ix.byHash[stored.APIKeyHash] = stored.ID
	}
	return nil
}

// get returns the live record; callers clone before handing it out.
func (ix *accountIndex) get(id string) (*models.Account, error) {
	a, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (ix *accountIndex) getByEmail(email string) (*models.Account, error) {
	id, ok := ix.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("account with email %s: %w", email, ErrNotFound)
	}
	return ix.get(id)
}

func (ix *accountIndex) getByHash(hash string) (*models.Account, error) {
	id, ok := ix.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return ix.get(id)
}

func (ix *accountIndex) issueAPIKey(id, hash, prefix string, createdAt time.Time) error {
	a, err := ix.get(id)
	if err != nil {
		return err
	}
	if owner, ok := ix.byHash[hash]; ok && owner != id {
		return fmt.Errorf("api key digest: %w", ErrConflict)
	}
	if a.APIKeyHash != "" {
		delete(ix.byHash, a.APIKeyHash)
	}
	created := createdAt.UTC()
	a.APIKeyHash = hash
	a.APIKeyPrefix = prefix
	a.APIKeyEnabled = true
	a.APIKeyCreatedAt = &created
	a.APIKeyLastUsedAt = nil
	a.UpdatedAt = time.Now().UTC()
	ix.byHash[hash] = id
	return nil
}

func (ix *accountIndex) setAPIKeyEnabled(id string, enabled bool) error {
	a, err := ix.get(id)
	if err != nil {
		return err
	}
	a.APIKeyEnabled = enabled
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// touch reports whether the timestamp moved.
func (ix *accountIndex) touch(id string, at time.Time) (bool, error) {
	a, err := ix.get(id)
	if err != nil {
		return false, err
	}
	at = at.UTC()
	if a.APIKeyLastUsedAt != nil && !at.After(*a.APIKeyLastUsedAt) {
		return false, nil
	}
	a.APIKeyLastUsedAt = &at
	return true, nil
}

func (ix *accountIndex) setTwoFactorSecret(id, secret string) error {
	a, err := ix.get(id)
	if err != nil {
		return err
	}
	if a.TwoFactorEnabled {
		return fmt.Errorf("two factor already enabled: %w", ErrConflict)
	}
	a.TwoFactorSecret = secret
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (ix *accountIndex) enableTwoFactor(id, secret string, hashes []string) error {
	a, err := ix.get(id)
	if err != nil {
		return err
	}
	if a.TwoFactorEnabled || a.TwoFactorSecret == "" || a.TwoFactorSecret != secret {
		return fmt.Errorf("enable two factor: %w", ErrConflict)
	}
	a.TwoFactorEnabled = true
	a.BackupCodeHashes = slices.Clone(hashes)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (ix *accountIndex) disableTwoFactor(id string) error {
	a, err := ix.get(id)
	if err != nil {
		return err
	}
	a.TwoFactorEnabled = false
	a.TwoFactorSecret = ""
	a.BackupCodeHashes = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (ix *accountIndex) removeBackupCode(id, hash string) (bool, error) {
	a, err := ix.get(id)
	if err != nil {
		return false, err
	}
	i := slices.Index(a.BackupCodeHashes, hash)
	if i < 0 {
		return false, nil
	}
	a.BackupCodeHashes = slices.Delete(a.BackupCodeHashes, i, i+1)
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (ix *accountIndex) stats() *Stats {
	s := &Stats{Accounts: len(ix.byID)}
	for _, a := range ix.byID {
		if a.HasAPIKey() {
			s.APIKeys++
			if a.APIKeyEnabled {
				s.EnabledAPIKeys++
			}
		}
		if a.TwoFactorEnabled {
			s.TwoFactorEnabled++
		}
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
