package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"apigate/internal/models"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteAccountColumns = pgAccountColumns

// SQLiteStorage implements the Storage interface on an embedded SQLite file.
// Timestamps are stored as unix nanoseconds.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", sqliteDSN(config.ConnectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStorage{db: db}, nil
}

func sqliteDSN(conn string) string {
	if strings.Contains(conn, "_pragma=") {
		return conn
	}
	sep := "?"
	if strings.Contains(conn, "?") {
		sep = "&"
	}
	return conn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended codes carry the primary code in the low byte.
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*models.Account, error) {
	var (
		a                  models.Account
		roles              string
		hash, secret       sql.NullString
		created, lastUsed  sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&a.ID, &a.Email, &roles, &a.RateLimit, &hash, &a.APIKeyPrefix, &a.APIKeyEnabled,
		&created, &lastUsed, &secret, &a.TwoFactorEnabled, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	if a.Roles, err = unmarshalRoles(roles); err != nil {
		return nil, err
	}
	a.APIKeyHash = hash.String
	a.TwoFactorSecret = secret.String
	if created.Valid {
		t := fromUnixNano(created.Int64)
		a.APIKeyCreatedAt = &t
	}
	if lastUsed.Valid {
		t := fromUnixNano(lastUsed.Int64)
		a.APIKeyLastUsedAt = &t
	}
	a.CreatedAt = fromUnixNano(createdAt)
	a.UpdatedAt = fromUnixNano(updated)
	return &a, nil
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func (ss *SQLiteStorage) getBy(ctx context.Context, column, value string) (*models.Account, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE `+column+` = ?`, value)
	a, err := scanSQLiteAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s=%s: %w", column, value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	codes, err := ss.backupCodes(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.BackupCodeHashes = codes
	return a, nil
}

func (ss *SQLiteStorage) backupCodes(ctx context.Context, id string) ([]string, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT code_hash FROM backup_codes WHERE account_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get backup codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to read backup codes: %w", err)
		}
		codes = append(codes, h)
	}
	return codes, rows.Err()
}

func (ss *SQLiteStorage) exists(ctx context.Context, id string) error {
	var n int
	if err := ss.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// execOne runs an update and returns its affected row count.
func execOne(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, query string, args ...any) (int64, error) {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertSQLiteBackupCodes(ctx context.Context, tx *sql.Tx, id string, hashes []string) error {
	for i, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (account_id, position, code_hash) VALUES (?, ?, ?)`, id, i, h); err != nil {
			return fmt.Errorf("failed to store backup code: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a new account
func (ss *SQLiteStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	roles, err := marshalRoles(account.Roles)
	if err != nil {
		return err
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO accounts (`+sqliteAccountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, normalizeEmail(account.Email), roles, account.RateLimit, nullString(account.APIKeyHash),
		account.APIKeyPrefix, account.APIKeyEnabled, nullUnixNano(account.APIKeyCreatedAt),
		nullUnixNano(account.APIKeyLastUsedAt), nullString(account.TwoFactorSecret), account.TwoFactorEnabled,
		unixNano(account.CreatedAt), unixNano(account.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("account %s: %w", account.Email, ErrConflict)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	if err := insertSQLiteBackupCodes(ctx, tx, account.ID, account.BackupCodeHashes); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAccount retrieves an account by its ID
func (ss *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return ss.getBy(ctx, "id", id)
}

// GetAccountByEmail retrieves an account by email
func (ss *SQLiteStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return ss.getBy(ctx, "email", normalizeEmail(email))
}

// GetAccountByAPIKeyHash retrieves the account owning a key digest
func (ss *SQLiteStorage) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	return ss.getBy(ctx, "api_key_hash", hash)
}

// ListAccounts returns every account ordered by email
func (ss *SQLiteStorage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	// The pool holds one connection, so codes are read after the account cursor closes.
	for _, a := range accounts {
		if a.BackupCodeHashes, err = ss.backupCodes(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (ss *SQLiteStorage) IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error {
	n, err := execOne(ctx, ss.db, `UPDATE accounts
		SET api_key_hash = ?, api_key_prefix = ?, api_key_enabled = 1,
		    api_key_created_at = ?, api_key_last_used_at = NULL, updated_at = ?
		WHERE id = ?`, hash, prefix, unixNano(createdAt), unixNano(time.Now()), id)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("api key digest: %w", ErrConflict)
		}
		return fmt.Errorf("failed to issue api key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (ss *SQLiteStorage) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	n, err := execOne(ctx, ss.db, `UPDATE accounts SET api_key_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (ss *SQLiteStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	ts := unixNano(at)
	n, err := execOne(ctx, ss.db, `UPDATE accounts SET api_key_last_used_at = ?
		WHERE id = ? AND (api_key_last_used_at IS NULL OR api_key_last_used_at < ?)`, ts, id, ts)
	if err != nil {
		return fmt.Errorf("failed to record api key use: %w", err)
	}
	if n == 0 {
		return ss.exists(ctx, id)
	}
	return nil
}

func (ss *SQLiteStorage) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	n, err := execOne(ctx, ss.db, `UPDATE accounts SET two_factor_secret = ?, updated_at = ?
		WHERE id = ? AND two_factor_enabled = 0`, nullString(secret), unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to store two factor secret: %w", err)
	}
	if n == 0 {
		if err := ss.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("two factor already enabled: %w", ErrConflict)
	}
	return nil
}

func (ss *SQLiteStorage) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := execOne(ctx, tx, `UPDATE accounts SET two_factor_enabled = 1, updated_at = ?
		WHERE id = ? AND two_factor_enabled = 0 AND two_factor_secret = ?`, unixNano(time.Now()), id, secret)
	if err != nil {
		return fmt.Errorf("failed to enable two factor: %w", err)
	}
	if n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, id).Scan(&count); err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("enable two factor: %w", ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	if err := insertSQLiteBackupCodes(ctx, tx, id, backupCodeHashes); err != nil {
		return err
	}
	return tx.Commit()
}

func (ss *SQLiteStorage) DisableTwoFactor(ctx context.Context, id string) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := execOne(ctx, tx, `UPDATE accounts SET two_factor_enabled = 0, two_factor_secret = NULL, updated_at = ?
		WHERE id = ?`, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to disable two factor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	return tx.Commit()
}

func (ss *SQLiteStorage) RemoveBackupCode(ctx context.Context, id, hash string) (bool, error) {
	n, err := execOne(ctx, ss.db, `DELETE FROM backup_codes WHERE account_id = ? AND code_hash = ?`, id, hash)
	if err != nil {
		return false, fmt.Errorf("failed to remove backup code: %w", err)
	}
	return n == 1, nil
}

// Stats returns account counters
func (ss *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := ss.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COUNT(api_key_hash),
			COALESCE(SUM(CASE WHEN api_key_hash IS NOT NULL AND api_key_enabled = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN two_factor_enabled = 1 THEN 1 ELSE 0 END), 0)
		FROM accounts`).Scan(&s.Accounts, &s.APIKeys, &s.EnabledAPIKeys, &s.TwoFactorEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return &s, nil
}

// Ping verifies the database is reachable
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}
