package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/wardenmcp/warden/internal/model"
)

// Store is Warden's durable state backed by a relational database. It owns
// the api_keys and audit_log tables plus admin accounts and key-value
// settings. SQLite is the default; Postgres (pgx) and MySQL are supported
// through the same sqlx surface.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens a SQLite-backed store rooted at dataDir. Pass empty string
// for in-memory (used by tests).
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "warden.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open("sqlite", dsn)
}

// Open connects to the store using an explicit driver ("sqlite", "pgx",
// or "mysql") and DSN, runs migrations, and returns the ready store.
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the SQL driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// rebind converts ?-style placeholders to the driver's bindvar format.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. The permissions column stores
// the JSON-encoded custom permission set.
type apiKeyRow struct {
	KeyHash         string     `db:"key_hash"`
	KeyPrefix       string     `db:"key_prefix"`
	Name            string     `db:"name"`
	Role            string     `db:"role"`
	PermissionsJSON string     `db:"permissions"`
	CreatedAt       time.Time  `db:"created_at"`
	ExpiresAt       *time.Time `db:"expires_at"`
	LastUsedAt      *time.Time `db:"last_used_at"`
	Revoked         bool       `db:"revoked"`
}

func apiKeyRowFromModel(key *model.APIKey) (apiKeyRow, error) {
	perms := key.CustomPermissions
	if perms == nil {
		perms = []model.Permission{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	return apiKeyRow{
		KeyHash:         key.KeyHash,
		KeyPrefix:       key.KeyPrefix,
		Name:            key.Name,
		Role:            string(key.Role),
		PermissionsJSON: string(permsJSON),
		CreatedAt:       key.CreatedAt,
		ExpiresAt:       key.ExpiresAt,
		LastUsedAt:      key.LastUsedAt,
		Revoked:         key.Revoked,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var perms []model.Permission
	if r.PermissionsJSON != "" && r.PermissionsJSON != "[]" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	return model.APIKey{
		KeyHash:           r.KeyHash,
		KeyPrefix:         r.KeyPrefix,
		Name:              r.Name,
		Role:              model.Role(r.Role),
		CustomPermissions: perms,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		LastUsedAt:        r.LastUsedAt,
		Revoked:           r.Revoked,
	}, nil
}

// CreateAPIKey inserts a new API key record. The KeyHash must already be set
// (use HashAPIKey). CreatedAt is populated before insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, name, role, permissions, created_at, expires_at, last_used_at, revoked)
		VALUES
		(:key_hash, :key_prefix, :name, :role, :permissions, :created_at, :expires_at, :last_used_at, :revoked)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.rebind("SELECT * FROM api_keys WHERE key_hash = ?")
	if err := s.db.GetContext(ctx, &row, q, hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns all API keys, optionally including revoked ones.
func (s *Store) ListAPIKeys(ctx context.Context, includeRevoked bool) ([]model.APIKey, error) {
	q := "SELECT * FROM api_keys ORDER BY created_at DESC"
	if !includeRevoked {
		q = "SELECT * FROM api_keys WHERE revoked = " + s.boolLit(false) + " ORDER BY created_at DESC"
	}

	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		key, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// UpdateAPIKeyMeta persists the mutable metadata of a key: name and expiry.
// Role and permissions are immutable and deliberately not part of this query.
func (s *Store) UpdateAPIKeyMeta(ctx context.Context, hash, name string, expiresAt *time.Time) error {
	q := s.rebind("UPDATE api_keys SET name = ?, expires_at = ? WHERE key_hash = ?")
	result, err := s.db.ExecContext(ctx, q, name, expiresAt, hash)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAPIKeyRevoked flags a key as revoked. The row is kept for auditability.
// Revoking an already-revoked key is a no-op, not an error.
func (s *Store) SetAPIKeyRevoked(ctx context.Context, hash string) error {
	q := s.rebind("UPDATE api_keys SET revoked = " + s.boolLit(true) + " WHERE key_hash = ?")
	result, err := s.db.ExecContext(ctx, q, hash)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	_ = n // MySQL reports 0 affected rows when the value is unchanged
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used_at timestamp for a key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, hash string, when time.Time) error {
	q := s.rebind("UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?")
	if _, err := s.db.ExecContext(ctx, q, when.UTC(), hash); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// DeleteExpiredAPIKeys removes keys whose expiry is strictly before now.
// Returns the number of deleted rows.
func (s *Store) DeleteExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	q := s.rebind("DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < ?")
	result, err := s.db.ExecContext(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired api keys: %w", err)
	}
	return result.RowsAffected()
}

// DeleteRevokedAPIKeys removes revoked keys created before the cutoff.
// Returns the number of deleted rows.
func (s *Store) DeleteRevokedAPIKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.rebind("DELETE FROM api_keys WHERE revoked = " + s.boolLit(true) + " AND created_at < ?")
	result, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete revoked api keys: %w", err)
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Admin accounts
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		admin.ID = id
	}
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	q := s.rebind("SELECT * FROM admins WHERE email = ?")
	if err := s.db.GetContext(ctx, &admin, q, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists. Used for
// first-run detection.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.rebind("UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, now, now, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value for a settings key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.rebind("SELECT value FROM settings WHERE " + s.keyCol() + " = ?")
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a settings key-value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var q string
	switch s.driver {
	case "mysql":
		q = "INSERT INTO settings (`key`, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
	default:
		q = "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value"
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// keyCol returns the settings key column, quoted for MySQL where "key" is
// a reserved word.
func (s *Store) keyCol() string {
	if s.driver == "mysql" {
		return "`key`"
	}
	return "key"
}

// boolLit returns the SQL literal for a boolean under the active driver.
// SQLite and MySQL accept 0/1; Postgres wants TRUE/FALSE.
func (s *Store) boolLit(v bool) string {
	if s.driver == "pgx" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
