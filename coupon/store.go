/*
store.go - Persistence interfaces for quotas and usage records

PURPOSE:
  Defines the boundary between the redemption engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory maps.

KEY INTERFACES:
  QuotaStore:  Mutable per-coupon counters with atomic compare-and-decrement
  UsageLedger: Append-only redemption records with windowed counts
  Store:       Both of the above
  TxStore:     Store plus transactions for the check-then-commit path

APPEND-ONLY CONTRACT:
  UsageLedger has exactly one write operation, Append(). There is no
  Update() or Delete(). Coupons are never deleted either.

ATOMIC REDEMPTION:
  Redeem runs its gates and its writes inside WithTx. Implementations must
  guarantee that two WithTx calls touching the same coupon cannot both
  observe GlobalRemaining=1 and both decrement it.

IMPLEMENTATIONS:
  - coupon/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite (single writer)
  - store/postgres/postgres.go: PostgreSQL (SELECT ... FOR UPDATE)
*/
package coupon

import "context"

// =============================================================================
// QUOTA STORE
// =============================================================================

type QuotaStore interface {
	// Register creates a coupon. Fails with ErrDuplicateCode if the code
	// exists and ErrInvalidArgument if any counter is negative.
	Register(ctx context.Context, q Quota) (CouponID, error)

	// Get returns a snapshot. Fails with ErrNotFound if absent.
	// Inside WithTx, implementations lock the coupon for the rest of the
	// transaction.
	Get(ctx context.Context, code string) (Coupon, error)

	// DecrementGlobalAndUserTotal decrements GlobalRemaining and, when
	// userPresent, UserTotalRemaining, as one indivisible step. If any
	// required counter is already zero it fails with ErrQuotaExhausted and
	// mutates nothing.
	DecrementGlobalAndUserTotal(ctx context.Context, id CouponID, userPresent bool) error
}

// =============================================================================
// USAGE LEDGER
// =============================================================================

type UsageLedger interface {
	// Append records one redemption. This is the ONLY write operation.
	Append(ctx context.Context, rec UsageRecord) error

	// CountOn returns the number of records for coupon+user on exactly day.
	CountOn(ctx context.Context, id CouponID, user UserID, day Day) (int, error)

	// CountSince returns the number of records for coupon+user on or after day.
	CountSince(ctx context.Context, id CouponID, user UserID, day Day) (int, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	QuotaStore
	UsageLedger
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
