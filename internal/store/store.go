package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keymint/keymint/internal/model"
)

// Supported driver names. Postgres is the production store; sqlite backs
// tests and single-node development setups.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Store persists activation codes, admin accounts, and client API keys in a
// relational database. All redemption-side mutations go through Transact so
// the engine can hold a row lock across its device and code checks.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to a Postgres database using the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, driver: DriverPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// OpenSQLite opens a SQLite-backed store. Pass empty string for in-memory.
func OpenSQLite(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keymint.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	s := &Store{db: db, driver: DriverSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
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

// rebind converts ?-style placeholders to the driver's native form.
func (s *Store) rebind(q string) string {
	if s.driver == DriverPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, q)
	}
	return q
}

// insert runs an INSERT and returns the new row's ID, papering over the
// LastInsertId/RETURNING split between the two drivers.
func (s *Store) insert(ctx context.Context, q string, args ...interface{}) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ---------------------------------------------------------------------------
// Activation codes
// ---------------------------------------------------------------------------

// CreateCodes inserts a batch of freshly generated codes. Each code's ID and
// CreatedAt are populated after a successful insert.
func (s *Store) CreateCodes(ctx context.Context, codes []*model.ActivationCode) error {
	now := time.Now().UTC()
	const q = `INSERT INTO activation_codes (code, status, expires_at, created_at)
		VALUES (?, ?, ?, ?)`

	for _, c := range codes {
		c.Status = model.StatusUnused
		c.CreatedAt = now
		id, err := s.insert(ctx, q, c.Code, c.Status, c.ExpiresAt, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert activation code: %w", err)
		}
		c.ID = id
	}
	return nil
}

// GetCodeByID returns an activation code by its surrogate key.
func (s *Store) GetCodeByID(ctx context.Context, id int64) (*model.ActivationCode, error) {
	var c model.ActivationCode
	if err := s.db.GetContext(ctx, &c, s.rebind("SELECT * FROM activation_codes WHERE id = ?"), id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get code by id: %w", err)
	}
	return &c, nil
}

// GetCodeByValue returns an activation code by its code string.
func (s *Store) GetCodeByValue(ctx context.Context, code string) (*model.ActivationCode, error) {
	var c model.ActivationCode
	if err := s.db.GetContext(ctx, &c, s.rebind("SELECT * FROM activation_codes WHERE code = ?"), code); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get code by value: %w", err)
	}
	return &c, nil
}

// CodeExists reports whether a code string is already present. Used for
// collision checks during batch generation.
func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, s.rebind("SELECT COUNT(*) FROM activation_codes WHERE code = ?"), code); err != nil {
		return false, fmt.Errorf("check code exists: %w", err)
	}
	return count > 0, nil
}

// CodeFilter narrows ListCodes results.
type CodeFilter struct {
	Status string // "unused", "used", or empty for all
	Search string // substring match on code or device id
	Limit  int
	Offset int
}

// ListCodes returns codes matching the filter, newest first, along with the
// total count before limit/offset are applied.
func (s *Store) ListCodes(ctx context.Context, f CodeFilter) ([]model.ActivationCode, int64, error) {
	where := ""
	var args []interface{}

	if f.Status != "" && f.Status != "all" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}
	if f.Search != "" {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "(code LIKE ? OR used_by_device_id LIKE ?)"
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(*) FROM activation_codes"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count codes: %w", err)
	}

	q := "SELECT * FROM activation_codes" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	var codes []model.ActivationCode
	if err := s.db.SelectContext(ctx, &codes, s.rebind(q), args...); err != nil {
		return nil, 0, fmt.Errorf("list codes: %w", err)
	}
	return codes, total, nil
}

// ResetCode transitions a code back to unused, clearing its device binding.
// Returns false when the code was already unused or does not exist, which
// callers surface as a no-op rather than an error.
func (s *Store) ResetCode(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE activation_codes
		 SET status = ?, used_by_device_id = NULL, used_at = NULL
		 WHERE id = ? AND status = ?`),
		model.StatusUnused, id, model.StatusUsed)
	if err != nil {
		return false, fmt.Errorf("reset code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset code rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetDeviceCodes releases all of a device's currently valid activations.
// Rows whose expiry has already passed are left untouched as audit history.
// Returns the number of codes released.
func (s *Store) ResetDeviceCodes(ctx context.Context, deviceID string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE activation_codes
		 SET status = ?, used_by_device_id = NULL, used_at = NULL
		 WHERE used_by_device_id = ? AND status = ?
		   AND (expires_at IS NULL OR expires_at > ?)`),
		model.StatusUnused, deviceID, model.StatusUsed, now)
	if err != nil {
		return 0, fmt.Errorf("reset device codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset device codes rows affected: %w", err)
	}
	return n, nil
}

// DeleteExpiredUnused removes expired codes that were never redeemed.
// Used rows are kept regardless of expiry as audit trail.
func (s *Store) DeleteExpiredUnused(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM activation_codes
		 WHERE expires_at IS NOT NULL AND expires_at <= ? AND status = ?`),
		now, model.StatusUnused)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired codes rows affected: %w", err)
	}
	return n, nil
}

// CleanupStats reports how many codes an expired-code sweep would reclaim.
func (s *Store) CleanupStats(ctx context.Context, now time.Time) (*model.CleanupStats, error) {
	var stats model.CleanupStats

	if err := s.db.GetContext(ctx, &stats.CleanableExpired, s.rebind(
		`SELECT COUNT(*) FROM activation_codes
		 WHERE expires_at IS NOT NULL AND expires_at <= ? AND status = ?`),
		now, model.StatusUnused); err != nil {
		return nil, fmt.Errorf("count cleanable codes: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.TotalExpired, s.rebind(
		`SELECT COUNT(*) FROM activation_codes
		 WHERE expires_at IS NOT NULL AND expires_at <= ?`), now); err != nil {
		return nil, fmt.Errorf("count expired codes: %w", err)
	}

	type totals struct {
		Total  int64 `db:"total"`
		Unused int64 `db:"unused"`
		Used   int64 `db:"used"`
	}
	var t totals
	if err := s.db.GetContext(ctx, &t, s.rebind(
		`SELECT COUNT(*) AS total,
		        COUNT(CASE WHEN status = ? THEN 1 END) AS unused,
		        COUNT(CASE WHEN status = ? THEN 1 END) AS used
		 FROM activation_codes`),
		model.StatusUnused, model.StatusUsed); err != nil {
		return nil, fmt.Errorf("count codes by status: %w", err)
	}
	stats.TotalCodes = t.Total
	stats.UnusedCodes = t.Unused
	stats.UsedCodes = t.Used
	return &stats, nil
}

// ---------------------------------------------------------------------------
// Device read path
// ---------------------------------------------------------------------------

// DeviceCurrentActivation returns the device's most recently redeemed code
// that is still unexpired, or ErrNotFound when the device holds no live
// activation.
func (s *Store) DeviceCurrentActivation(ctx context.Context, deviceID string, now time.Time) (*model.ActivationCode, error) {
	var c model.ActivationCode
	err := s.db.GetContext(ctx, &c, s.rebind(
		`SELECT * FROM activation_codes
		 WHERE used_by_device_id = ? AND status = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY used_at DESC LIMIT 1`),
		deviceID, model.StatusUsed, now)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get current activation: %w", err)
	}
	return &c, nil
}

// DeviceHasExpiredActivations reports whether the device has any redeemed
// code whose expiry has passed, independent of its current activation state.
func (s *Store) DeviceHasExpiredActivations(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM activation_codes
		 WHERE used_by_device_id = ? AND status = ?
		   AND expires_at IS NOT NULL AND expires_at <= ?`),
		deviceID, model.StatusUsed, now); err != nil {
		return false, fmt.Errorf("count expired activations: %w", err)
	}
	return count > 0, nil
}

// DeviceHistory returns every code ever bound to the device, most recent
// first. Purely an audit projection.
func (s *Store) DeviceHistory(ctx context.Context, deviceID string) ([]model.ActivationCode, error) {
	var codes []model.ActivationCode
	if err := s.db.SelectContext(ctx, &codes, s.rebind(
		`SELECT * FROM activation_codes
		 WHERE used_by_device_id = ?
		 ORDER BY used_at DESC, id DESC`),
		deviceID); err != nil {
		return nil, fmt.Errorf("get device history: %w", err)
	}
	return codes, nil
}

// ---------------------------------------------------------------------------
// Redemption transaction
// ---------------------------------------------------------------------------

// Tx is a transaction handle scoped to a single redemption attempt. On
// Postgres its row reads take FOR UPDATE locks; on SQLite the single write
// connection serializes transactions equivalently.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Transact runs fn inside a transaction, committing on nil return and
// rolling back otherwise. The rollback error is intentionally dropped; the
// driver reports it again on Commit if anything went wrong earlier.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&Tx{tx: tx, driver: s.driver}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tx) rebind(q string) string {
	if t.driver == DriverPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, q)
	}
	return q
}

// forUpdate appends a row-lock clause on drivers that support it.
func (t *Tx) forUpdate(q string) string {
	if t.driver == DriverPostgres {
		return q + " FOR UPDATE"
	}
	return q
}

// deviceLockKey folds a device ID into the int64 keyspace of Postgres
// advisory locks.
func deviceLockKey(deviceID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	return int64(h.Sum64())
}

// LockDevice takes a transaction-scoped advisory lock keyed by the device ID.
// Row locks alone cannot serialize two redemptions by a device with no rows
// yet: the device-scoped SELECT matches nothing, so FOR UPDATE locks nothing
// and both transactions pass the uniqueness check. The advisory lock makes
// redemptions for one device run strictly one at a time. SQLite allows a
// single writer, so there it is a no-op.
func (t *Tx) LockDevice(ctx context.Context, deviceID string) error {
	if t.driver != DriverPostgres {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", deviceLockKey(deviceID)); err != nil {
		return fmt.Errorf("lock device: %w", err)
	}
	return nil
}

// LiveDeviceCodes returns (and row-locks) all of the device's currently valid
// activations. Callers serializing on the device must take LockDevice first;
// the row locks only cover activations that already exist.
func (t *Tx) LiveDeviceCodes(ctx context.Context, deviceID string, now time.Time) ([]model.ActivationCode, error) {
	var codes []model.ActivationCode
	q := t.forUpdate(
		`SELECT * FROM activation_codes
		 WHERE used_by_device_id = ? AND status = ?
		   AND (expires_at IS NULL OR expires_at > ?)`)
	if err := t.tx.SelectContext(ctx, &codes, t.rebind(q), deviceID, model.StatusUsed, now); err != nil {
		return nil, fmt.Errorf("select live device codes: %w", err)
	}
	return codes, nil
}

// GetCodeForUpdate locks and fetches the row matching the code string.
func (t *Tx) GetCodeForUpdate(ctx context.Context, code string) (*model.ActivationCode, error) {
	var c model.ActivationCode
	q := t.forUpdate("SELECT * FROM activation_codes WHERE code = ?")
	if err := t.tx.GetContext(ctx, &c, t.rebind(q), code); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select code for update: %w", err)
	}
	return &c, nil
}

// MarkCodeUsed transitions the locked row to used, bound to the device.
func (t *Tx) MarkCodeUsed(ctx context.Context, id int64, deviceID string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, t.rebind(
		`UPDATE activation_codes
		 SET status = ?, used_by_device_id = ?, used_at = ?
		 WHERE id = ?`),
		model.StatusUsed, deviceID, now, id)
	if err != nil {
		return fmt.Errorf("mark code used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark code used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
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

	const q = `INSERT INTO admins (email, password_hash, name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	id, err := s.insert(ctx, q, admin.Email, admin.PasswordHash, admin.Name, admin.IsActive,
		admin.CreatedAt, admin.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, s.rebind("SELECT * FROM admins WHERE email = ?"), email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// GetAdminByID returns an admin by id.
func (s *Store) GetAdminByID(ctx context.Context, id int64) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, s.rebind("SELECT * FROM admins WHERE id = ?"), id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by id: %w", err)
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

// HasAnyAdmin reports whether at least one admin account exists.
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
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?"), now, now, id)
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

// UpdateAdminPassword replaces an admin's password hash.
func (s *Store) UpdateAdminPassword(ctx context.Context, id int64, passwordHash string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE admins SET password_hash = ?, updated_at = ? WHERE id = ?"), passwordHash, now, id)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin password rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys (key_hash, key_prefix, label, is_active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	id, err := s.insert(ctx, q, key.KeyHash, key.KeyPrefix, key.Label, key.IsActive,
		key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, s.rebind("SELECT * FROM api_keys WHERE key_hash = ?"), hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API keys.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks an API key as inactive by ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE api_keys SET is_active = ? WHERE id = ?"), false, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE api_keys SET last_used = ? WHERE id = ?"), now, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
