/*
Package sqlite provides a SQLite-backed implementation of the coupon stores.

PURPOSE:
  Implements coupon.TxStore (QuotaStore + UsageLedger + WithTx) on a single
  SQLite database file. This is the default durable backend.

KEY TABLES:
  coupons:      One row per coupon with its four counters
  coupon_usage: Append-only ledger, one row per attributed redemption

INDEXES:
  - coupons.code UNIQUE: Registration collisions become ErrDuplicateCode
  - idx_coupon_usage_window (coupon_id, user_id, occurred_on): Daily and
    weekly window counts (hot path of every redemption)

ATOMIC DECREMENT:
  DecrementGlobalAndUserTotal is one conditional UPDATE:
    UPDATE coupons SET global_remaining = global_remaining - 1 ...
    WHERE id = ? AND global_remaining > 0 AND (...user_total_remaining > 0)
  Zero rows affected means a counter was already zero; nothing changed.
  CHECK constraints keep counters non-negative even for foreign writers.

CONCURRENCY:
  SQLite allows one writer. The store uses a single connection, a
  sync.RWMutex around writes, and BEGIN IMMEDIATE transactions
  (_txlock=immediate) so a redemption's reads and writes see one snapshot.
  SQLITE_BUSY/SQLITE_LOCKED surface as coupon.ErrConflict and are retried
  by the engine.

USAGE:
  store, err := sqlite.New("./data/coupons.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := coupon.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/coupon-quota/coupon"
)

// Store implements coupon.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return coupon.Storage("ping", s.db.PingContext(ctx))
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS coupons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		user_total_remaining INTEGER NOT NULL CHECK (user_total_remaining >= 0),
		user_daily_limit INTEGER NOT NULL CHECK (user_daily_limit >= 0),
		user_weekly_limit INTEGER NOT NULL CHECK (user_weekly_limit >= 0),
		global_remaining INTEGER NOT NULL CHECK (global_remaining >= 0),
		global_limit INTEGER NOT NULL CHECK (global_limit >= 0),
		created_at TEXT NOT NULL
	);

	-- Append-only: one row per attributed redemption, never updated
	CREATE TABLE IF NOT EXISTS coupon_usage (
		id TEXT PRIMARY KEY,
		coupon_id INTEGER NOT NULL REFERENCES coupons(id),
		user_id TEXT,
		occurred_on TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	-- Window counts (hot path)
	CREATE INDEX IF NOT EXISTS idx_coupon_usage_window
		ON coupon_usage(coupon_id, user_id, occurred_on);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUOTA STORE
// =============================================================================

// Register inserts a coupon.
func (s *Store) Register(ctx context.Context, q coupon.Quota) (coupon.CouponID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return register(ctx, s.db, q)
}

func register(ctx context.Context, db querier, q coupon.Quota) (coupon.CouponID, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO coupons
		(code, user_total_remaining, user_daily_limit, user_weekly_limit,
		 global_remaining, global_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.ExecContext(ctx, query,
		q.Code, q.UserTotal, q.UserDaily, q.UserWeekly,
		q.Global, q.Global,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, coupon.Storage("register", translate(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, coupon.Storage("register", err)
	}
	return coupon.CouponID(id), nil
}

// Get returns the coupon registered under code.
func (s *Store) Get(ctx context.Context, code string) (coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(ctx, s.db, code)
}

func get(ctx context.Context, db querier, code string) (coupon.Coupon, error) {
	var (
		c         coupon.Coupon
		createdAt string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, code, user_total_remaining, user_daily_limit, user_weekly_limit,
		       global_remaining, global_limit, created_at
		FROM coupons
		WHERE code = ?
	`, code).Scan(
		&c.ID, &c.Code, &c.UserTotalRemaining, &c.UserDailyLimit, &c.UserWeeklyLimit,
		&c.GlobalRemaining, &c.GlobalLimit, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, coupon.ErrNotFound
	}
	if err != nil {
		return coupon.Coupon{}, coupon.Storage("get", translate(err))
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return c, nil
}

// DecrementGlobalAndUserTotal conditionally decrements the counters.
func (s *Store) DecrementGlobalAndUserTotal(ctx context.Context, id coupon.CouponID, userPresent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decrement(ctx, s.db, id, userPresent)
}

func decrement(ctx context.Context, db querier, id coupon.CouponID, userPresent bool) error {
	userDelta := 0
	if userPresent {
		userDelta = 1
	}

	res, err := db.ExecContext(ctx, `
		UPDATE coupons
		SET global_remaining = global_remaining - 1,
		    user_total_remaining = user_total_remaining - ?
		WHERE id = ?
		  AND global_remaining > 0
		  AND (? = 0 OR user_total_remaining > 0)
	`, userDelta, id, userDelta)
	if err != nil {
		return coupon.Storage("decrement", translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coupon.Storage("decrement", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM coupons WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return coupon.Storage("decrement", translate(err))
	}
	if exists == 0 {
		return coupon.ErrNotFound
	}
	return coupon.ErrQuotaExhausted
}

// =============================================================================
// USAGE LEDGER
// =============================================================================

// Append adds a usage record. No UPDATE or DELETE statement touches
// coupon_usage anywhere in this package.
func (s *Store) Append(ctx context.Context, rec coupon.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendUsage(ctx, s.db, rec)
}

func appendUsage(ctx context.Context, db querier, rec coupon.UsageRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO coupon_usage (id, coupon_id, user_id, occurred_on, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.CouponID,
		nullString(string(rec.UserID)),
		rec.OccurredOn.String(),
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return coupon.Storage("append", translate(err))
	}
	return nil
}

// CountOn counts records on exactly day.
func (s *Store) CountOn(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return count(ctx, s.db, "occurred_on = ?", id, user, day)
}

// CountSince counts records on or after day.
func (s *Store) CountSince(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return count(ctx, s.db, "occurred_on >= ?", id, user, day)
}

// count runs a window query. Days are stored as YYYY-MM-DD, whose lexical
// order is chronological order.
func count(ctx context.Context, db querier, dayPredicate string, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	query := `
		SELECT COUNT(*) FROM coupon_usage
		WHERE coupon_id = ? AND user_id = ? AND ` + dayPredicate

	var n int
	if err := db.QueryRowContext(ctx, query, id, string(user), day.String()).Scan(&n); err != nil {
		return 0, coupon.Storage("count", translate(err))
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONAL STORE (coupon.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store coupon.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coupon.Storage("begin", translate(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return coupon.Storage("commit", translate(err))
	}
	return nil
}

// txStore runs every statement on the open transaction. It must not touch
// the parent's mutex, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Register(ctx context.Context, q coupon.Quota) (coupon.CouponID, error) {
	return register(ctx, ts.tx, q)
}

func (ts *txStore) Get(ctx context.Context, code string) (coupon.Coupon, error) {
	return get(ctx, ts.tx, code)
}

func (ts *txStore) DecrementGlobalAndUserTotal(ctx context.Context, id coupon.CouponID, userPresent bool) error {
	return decrement(ctx, ts.tx, id, userPresent)
}

func (ts *txStore) Append(ctx context.Context, rec coupon.UsageRecord) error {
	return appendUsage(ctx, ts.tx, rec)
}

func (ts *txStore) CountOn(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, ts.tx, "occurred_on = ?", id, user, day)
}

func (ts *txStore) CountSince(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, ts.tx, "occurred_on >= ?", id, user, day)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// translate maps SQLite result codes onto coupon sentinels.
func translate(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		return coupon.ErrDuplicateCode
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return coupon.ErrNotFound
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
		return coupon.ErrQuotaExhausted
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", coupon.ErrConflict, err)
	}
	return err
}
