package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apigate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const pgAccountColumns = `id, email, roles, rate_limit, api_key_hash, api_key_prefix, api_key_enabled,
	api_key_created_at, api_key_last_used_at, two_factor_secret, two_factor_enabled, created_at, updated_at`

// PostgresStorage implements the Storage interface on PostgreSQL through a pgx pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		db := stdlib.OpenDBFromPool(pool)
		err := Migrate(ctx, db, goose.DialectPostgres, "postgres")
		db.Close()
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStorage{pool: pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgAccount(row pgx.Row) (*models.Account, error) {
	var (
		a        models.Account
		roles    string
		hash     *string
		secret   *string
		created  *time.Time
		lastUsed *time.Time
	)
	err := row.Scan(&a.ID, &a.Email, &roles, &a.RateLimit, &hash, &a.APIKeyPrefix, &a.APIKeyEnabled,
		&created, &lastUsed, &secret, &a.TwoFactorEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if a.Roles, err = unmarshalRoles(roles); err != nil {
		return nil, err
	}
	a.APIKeyHash = derefString(hash)
	a.TwoFactorSecret = derefString(secret)
	if created != nil {
		t := created.UTC()
		a.APIKeyCreatedAt = &t
	}
	if lastUsed != nil {
		t := lastUsed.UTC()
		a.APIKeyLastUsedAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (ps *PostgresStorage) getBy(ctx context.Context, column, value string) (*models.Account, error) {
	row := ps.pool.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE `+column+` = $1`, value)
	a, err := scanPgAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s=%s: %w", column, value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	codes, err := ps.backupCodes(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.BackupCodeHashes = codes
	return a, nil
}

func (ps *PostgresStorage) backupCodes(ctx context.Context, id string) ([]string, error) {
	rows, err := ps.pool.Query(ctx, `SELECT code_hash FROM backup_codes WHERE account_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get backup codes: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read backup codes: %w", err)
	}
	if len(codes) == 0 {
		return nil, nil
	}
	return codes, nil
}

// exists distinguishes a missing account from a rejected conditional update.
func (ps *PostgresStorage) exists(ctx context.Context, id string) error {
	var ok bool
	if err := ps.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&ok); err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func insertPgBackupCodes(ctx context.Context, tx pgx.Tx, id string, hashes []string) error {
	for i, h := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (account_id, position, code_hash) VALUES ($1, $2, $3)`, id, i, h); err != nil {
			return fmt.Errorf("failed to store backup code: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a new account.
func (ps *PostgresStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	roles, err := marshalRoles(account.Roles)
	if err != nil {
		return err
	}

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO accounts (`+pgAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		account.ID, normalizeEmail(account.Email), roles, account.RateLimit, nullString(account.APIKeyHash), account.APIKeyPrefix,
		account.APIKeyEnabled, account.APIKeyCreatedAt, account.APIKeyLastUsedAt, nullString(account.TwoFactorSecret),
		account.TwoFactorEnabled, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", account.Email, ErrConflict)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	if err := insertPgBackupCodes(ctx, tx, account.ID, account.BackupCodeHashes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetAccount retrieves an account by its ID.
func (ps *PostgresStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return ps.getBy(ctx, "id", id)
}

// GetAccountByEmail retrieves an account by email.
func (ps *PostgresStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return ps.getBy(ctx, "email", normalizeEmail(email))
}

// GetAccountByAPIKeyHash retrieves the account owning a key digest.
func (ps *PostgresStorage) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	return ps.getBy(ctx, "api_key_hash", hash)
}

// ListAccounts returns every account ordered by email.
func (ps *PostgresStorage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := ps.pool.Query(ctx, `SELECT `+pgAccountColumns+` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	byID := make(map[string]*models.Account)
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	codeRows, err := ps.pool.Query(ctx, `SELECT account_id, code_hash FROM backup_codes ORDER BY account_id, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	defer codeRows.Close()
	for codeRows.Next() {
		var id, hash string
		if err := codeRows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		if a, ok := byID[id]; ok {
			a.BackupCodeHashes = append(a.BackupCodeHashes, hash)
		}
	}
	return accounts, codeRows.Err()
}

// IssueAPIKey replaces the account's key in a single statement.
func (ps *PostgresStorage) IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error {
	tag, err := ps.pool.Exec(ctx, `UPDATE accounts
		SET api_key_hash = $2, api_key_prefix = $3, api_key_enabled = TRUE,
		    api_key_created_at = $4, api_key_last_used_at = NULL, updated_at = $5
		WHERE id = $1`, id, hash, prefix, createdAt.UTC(), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key digest: %w", ErrConflict)
		}
		return fmt.Errorf("failed to issue api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (ps *PostgresStorage) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE accounts SET api_key_enabled = $2, updated_at = $3 WHERE id = $1`, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAPIKey only moves api_key_last_used_at forward.
func (ps *PostgresStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	tag, err := ps.pool.Exec(ctx, `UPDATE accounts SET api_key_last_used_at = $2
		WHERE id = $1 AND (api_key_last_used_at IS NULL OR api_key_last_used_at < $2)`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record api key use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ps.exists(ctx, id)
	}
	return nil
}

func (ps *PostgresStorage) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	tag, err := ps.pool.Exec(ctx, `UPDATE accounts SET two_factor_secret = $2, updated_at = $3
		WHERE id = $1 AND NOT two_factor_enabled`, id, nullString(secret), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store two factor secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := ps.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("two factor already enabled: %w", ErrConflict)
	}
	return nil
}

func (ps *PostgresStorage) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET two_factor_enabled = TRUE, updated_at = $2
		WHERE id = $1 AND NOT two_factor_enabled AND two_factor_secret = $3`, id, time.Now().UTC(), secret)
	if err != nil {
		return fmt.Errorf("failed to enable two factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := ps.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("enable two factor: %w", ErrConflict)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	if err := insertPgBackupCodes(ctx, tx, id, backupCodeHashes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (ps *PostgresStorage) DisableTwoFactor(ctx context.Context, id string) error {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET two_factor_enabled = FALSE, two_factor_secret = NULL, updated_at = $2
		WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to disable two factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	return tx.Commit(ctx)
}

// RemoveBackupCode relies on the row lock taken by DELETE: of two concurrent
// callers only one sees a deleted row.
func (ps *PostgresStorage) RemoveBackupCode(ctx context.Context, id, hash string) (bool, error) {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM backup_codes WHERE account_id = $1 AND code_hash = $2`, id, hash)
	if err != nil {
		return false, fmt.Errorf("failed to remove backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Stats returns account counters.
func (ps *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := ps.pool.QueryRow(ctx, `SELECT
			COUNT(*),
			COUNT(api_key_hash),
			COALESCE(SUM(CASE WHEN api_key_hash IS NOT NULL AND api_key_enabled THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN two_factor_enabled THEN 1 ELSE 0 END), 0)
		FROM accounts`).Scan(&s.Accounts, &s.APIKeys, &s.EnabledAPIKeys, &s.TwoFactorEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return &s, nil
}

// Ping verifies the database is reachable.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}
