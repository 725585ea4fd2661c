/*
Package coupon provides the quota-tracking and atomic redemption engine.

PURPOSE:
  A coupon is a named quota policy with four independent limits: a global
  remaining-use count, a per-user total count, and per-user daily and
  weekly window limits. This package decides whether a redemption is
  permitted under all four at once and commits a redemption exactly once,
  even when many requests race for the same code or the same user.

KEY CONCEPTS IN THIS FILE (types.go):
  - Coupon: The mutable quota record (aggregate root)
  - UsageRecord: Immutable evidence of one successful redemption
  - Decision: Outcome of running the gates (allowed, or the first failing gate)
  - CouponID / UserID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Counters only go down: Redemptions decrement, nothing increments
  2. Evidence is append-only: One UsageRecord per redemption, never edited
  3. Windows are derived: Daily and weekly usage are counted from records
  4. Rejections are values: A failed gate is a Decision, not an error

USAGE:
  engine := coupon.NewEngine(store.NewTxMemory())
  id, err := engine.AddQuota(ctx, "SPRING", 2, 1, 1, 100)
  decision, err := engine.Redeem(ctx, "SPRING", "user-42")
  if !decision.Allowed {
      fmt.Println(decision.Reason.Message())
  }

SEE ALSO:
  - store.go: QuotaStore and UsageLedger interfaces
  - engine.go: Gate evaluation and atomic redemption
  - time.go: Calendar days and ISO week boundaries
*/
package coupon

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CouponID is the store-assigned identity of a registered coupon.
type CouponID int64

// UserID identifies the redeeming user. The zero value means anonymous.
type UserID string

// Anonymous redemptions only consult the global limit.
const Anonymous UserID = ""

func (u UserID) IsAnonymous() bool { return u == Anonymous }

// =============================================================================
// COUPON - Mutable quota record
// =============================================================================

// Coupon is a snapshot of a coupon's counters.
//
// INVARIANTS:
//   - All counters are >= 0.
//   - Code never changes after registration.
//   - GlobalRemaining and UserTotalRemaining only decrease, one per redemption.
type Coupon struct {
	ID                 CouponID
	Code               string
	UserTotalRemaining int
	UserDailyLimit     int
	UserWeeklyLimit    int
	GlobalRemaining    int

	// GlobalLimit is the global count the coupon was registered with.
	GlobalLimit int
	CreatedAt   time.Time
}

// Quota is the registration input for a coupon.
type Quota struct {
	Code       string `json:"code" yaml:"code"`
	UserTotal  int    `json:"user_total" yaml:"user_total"`
	UserDaily  int    `json:"user_daily" yaml:"user_daily"`
	UserWeekly int    `json:"user_weekly" yaml:"user_weekly"`
	Global     int    `json:"global" yaml:"global"`
}

// Validate checks that the quota can be registered.
func (q Quota) Validate() error {
	if q.Code == "" {
		return invalidArgument("code", "must not be empty")
	}
	fields := []struct {
		name  string
		value int
	}{
		{"user_total", q.UserTotal},
		{"user_daily", q.UserDaily},
		{"user_weekly", q.UserWeekly},
		{"global", q.Global},
	}
	for _, f := range fields {
		if f.value < 0 {
			return invalidArgument(f.name, "must be >= 0")
		}
	}
	return nil
}

// =============================================================================
// USAGE RECORD - One successful redemption
// =============================================================================

// UsageRecord is append-only evidence of a redemption attributed to a user.
type UsageRecord struct {
	ID         string
	CouponID   CouponID
	UserID     UserID
	OccurredOn Day

	// RecordedAt is audit-only; windows are counted on OccurredOn.
	RecordedAt time.Time
}

// =============================================================================
// DECISION - Result of the gate sequence
// =============================================================================

// Reason names the gate that rejected a redemption.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonCouponNotFound      Reason = "coupon_not_found"
	ReasonGlobalExhausted     Reason = "global_exhausted"
	ReasonUserTotalExhausted  Reason = "user_total_exhausted"
	ReasonUserDailyExhausted  Reason = "user_daily_exhausted"
	ReasonUserWeeklyExhausted Reason = "user_weekly_exhausted"
)

// Message returns the human-readable text for a rejection.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return "Coupon code is valid."
	case ReasonCouponNotFound:
		return "Coupon code not found."
	case ReasonGlobalExhausted:
		return "Global repeat count exceeded."
	case ReasonUserTotalExhausted:
		return "User total repeat count exceeded."
	case ReasonUserDailyExhausted:
		return "User daily repeat count exceeded."
	case ReasonUserWeeklyExhausted:
		return "User weekly repeat count exceeded."
	default:
		return string(r)
	}
}

// Decision is the outcome of CheckEligibility or Redeem.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision          { return Decision{Allowed: true} }
func reject(r Reason) Decision { return Decision{Allowed: false, Reason: r} }
