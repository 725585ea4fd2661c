/*
Package postgres provides a PostgreSQL-backed implementation of the coupon stores.

PURPOSE:
  Same contract as store/sqlite, for deployments where several engine
  processes share one database. The per-coupon lock inside one process is
  not enough there, so the row lock does the work.

CONCURRENCY:
  WithTx opens a READ COMMITTED transaction. Inside it, Get issues
  SELECT ... FOR UPDATE on the coupon row, so every redemption of a coupon
  queues behind the previous one until it commits. Window counts read
  after the lock therefore see all committed usage rows.

  Serialization failures, deadlocks and lock timeouts surface as
  coupon.ErrConflict and are retried by the engine.

SCHEMA:
  coupons:      BIGSERIAL id, UNIQUE code, CHECK (counter >= 0)
  coupon_usage: UUID id, FK coupon_id, DATE occurred_on
  idx_coupon_usage_window (coupon_id, user_id, occurred_on)
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/warp/coupon-quota/coupon"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 10
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = time.Hour
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	return o
}

// Store implements coupon.TxStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to dsn, verifies the connection and migrates the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return coupon.Storage("ping", s.db.PingContext(ctx))
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS coupons (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		user_total_remaining INTEGER NOT NULL CHECK (user_total_remaining >= 0),
		user_daily_limit INTEGER NOT NULL CHECK (user_daily_limit >= 0),
		user_weekly_limit INTEGER NOT NULL CHECK (user_weekly_limit >= 0),
		global_remaining INTEGER NOT NULL CHECK (global_remaining >= 0),
		global_limit INTEGER NOT NULL CHECK (global_limit >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS coupon_usage (
		id UUID PRIMARY KEY,
		coupon_id BIGINT NOT NULL REFERENCES coupons(id),
		user_id TEXT,
		occurred_on DATE NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupon_usage_window
		ON coupon_usage(coupon_id, user_id, occurred_on);
	`)
	return err
}

// =============================================================================
// QUOTA STORE
// =============================================================================

func (s *Store) Register(ctx context.Context, q coupon.Quota) (coupon.CouponID, error) {
	return register(ctx, s.db, q)
}

func register(ctx context.Context, db querier, q coupon.Quota) (coupon.CouponID, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO coupons
		(code, user_total_remaining, user_daily_limit, user_weekly_limit, global_remaining, global_limit)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, q.Code, q.UserTotal, q.UserDaily, q.UserWeekly, q.Global).Scan(&id)
	if err != nil {
		return 0, coupon.Storage("register", translate(err))
	}
	return coupon.CouponID(id), nil
}

func (s *Store) Get(ctx context.Context, code string) (coupon.Coupon, error) {
	return get(ctx, s.db, code, false)
}

// get reads a coupon; forUpdate locks its row until the transaction ends.
func get(ctx context.Context, db querier, code string, forUpdate bool) (coupon.Coupon, error) {
	query := `
		SELECT id, code, user_total_remaining, user_daily_limit, user_weekly_limit,
		       global_remaining, global_limit, created_at
		FROM coupons
		WHERE code = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var c coupon.Coupon
	err := db.QueryRowContext(ctx, query, code).Scan(
		&c.ID, &c.Code, &c.UserTotalRemaining, &c.UserDailyLimit, &c.UserWeeklyLimit,
		&c.GlobalRemaining, &c.GlobalLimit, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, coupon.ErrNotFound
	}
	if err != nil {
		return coupon.Coupon{}, coupon.Storage("get", translate(err))
	}
	return c, nil
}

func (s *Store) DecrementGlobalAndUserTotal(ctx context.Context, id coupon.CouponID, userPresent bool) error {
	return decrement(ctx, s.db, id, userPresent)
}

func decrement(ctx context.Context, db querier, id coupon.CouponID, userPresent bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE coupons
		SET global_remaining = global_remaining - 1,
		    user_total_remaining = user_total_remaining - CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE id = $1
		  AND global_remaining > 0
		  AND (NOT $2 OR user_total_remaining > 0)
	`, id, userPresent)
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

	var exists bool
	err = db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return coupon.Storage("decrement", translate(err))
	}
	if !exists {
		return coupon.ErrNotFound
	}
	return coupon.ErrQuotaExhausted
}

// =============================================================================
// USAGE LEDGER
// =============================================================================

func (s *Store) Append(ctx context.Context, rec coupon.UsageRecord) error {
	return appendUsage(ctx, s.db, rec)
}

func appendUsage(ctx context.Context, db querier, rec coupon.UsageRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	var user sql.NullString
	if !rec.UserID.IsAnonymous() {
		user = sql.NullString{String: string(rec.UserID), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO coupon_usage (id, coupon_id, user_id, occurred_on, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.CouponID, user, rec.OccurredOn.String(), recordedAt.UTC())
	if err != nil {
		return coupon.Storage("append", translate(err))
	}
	return nil
}

func (s *Store) CountOn(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, s.db, "occurred_on = $3", id, user, day)
}

func (s *Store) CountSince(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, s.db, "occurred_on >= $3", id, user, day)
}

func count(ctx context.Context, db querier, dayPredicate string, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	query := `
		SELECT COUNT(*) FROM coupon_usage
		WHERE coupon_id = $1 AND user_id = $2 AND ` + dayPredicate

	var n int
	if err := db.QueryRowContext(ctx, query, id, string(user), day.String()).Scan(&n); err != nil {
		return 0, coupon.Storage("count", translate(err))
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(coupon.Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return coupon.Storage("begin", translate(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return coupon.Storage("commit", translate(err))
	}
	committed = true
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Register(ctx context.Context, q coupon.Quota) (coupon.CouponID, error) {
	return register(ctx, ts.tx, q)
}

// Get locks the coupon row for the rest of the transaction.
func (ts *txStore) Get(ctx context.Context, code string) (coupon.Coupon, error) {
	return get(ctx, ts.tx, code, true)
}

func (ts *txStore) DecrementGlobalAndUserTotal(ctx context.Context, id coupon.CouponID, userPresent bool) error {
	return decrement(ctx, ts.tx, id, userPresent)
}

func (ts *txStore) Append(ctx context.Context, rec coupon.UsageRecord) error {
	return appendUsage(ctx, ts.tx, rec)
}

func (ts *txStore) CountOn(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, ts.tx, "occurred_on = $3", id, user, day)
}

func (ts *txStore) CountSince(ctx context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return count(ctx, ts.tx, "occurred_on >= $3", id, user, day)
}

// translate maps SQLSTATE classes onto coupon sentinels.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "unique_violation":
		return coupon.ErrDuplicateCode
	case "foreign_key_violation":
		return coupon.ErrNotFound
	case "check_violation":
		return coupon.ErrQuotaExhausted
	case "serialization_failure", "deadlock_detected", "lock_not_available":
		return fmt.Errorf("%w: %v", coupon.ErrConflict, err)
	}
	return err
}
