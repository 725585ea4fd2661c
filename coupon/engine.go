/*
engine.go - Gate evaluation and atomic redemption

PURPOSE:
  The Engine is the only entry point callers need. It registers coupons,
  answers "may this user redeem now?", and performs redemptions.

GATES (evaluated in order, first failure wins):
  1. Existence:   the coupon code is registered
  2. Global:      GlobalRemaining > 0
  3. User total:  UserTotalRemaining > 0              (user present only)
  4. User daily:  uses today < UserDailyLimit         (user present only)
  5. User weekly: uses since Monday < UserWeeklyLimit (user present only)

ATOMICITY:
  CheckEligibility runs the gates against the live store without locks.
  Its answer may be stale by the time the caller acts on it.

  Redeem never trusts an earlier check. It takes the per-coupon lock, opens
  a store transaction, re-runs all gates on the transactional view, and
  only then decrements the counters and appends one UsageRecord. Any
  storage fault rolls the whole unit back and the unit is retried.

  Result: at most N successful redemptions for a coupon registered with
  global=N, no matter how many requests race.

TIME:
  "Now" is read once per request. Today and the week start come from that
  single reading, in the engine's configured location.

SEE ALSO:
  - store.go: Store and TxStore contracts
  - retry.go: Storage retry policy
*/
package coupon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Observer receives engine outcomes, typically for metrics.
type Observer interface {
	ObserveDecision(op string, d Decision)
	ObserveRetry(op string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, Decision) {}
func (nopObserver) ObserveRetry(string, error)       {}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	calendar Calendar
	retry    RetryPolicy
	observer Observer
	logger   *slog.Logger
	locks    *couponLocks

	clock    Clock
	location *time.Location
}

type Option func(*Engine)

// WithClock injects the source of "now".
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocation sets the zone whose calendar defines day and week boundaries.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

func WithRetry(p RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine over store. Defaults: system clock, UTC,
// DefaultRetryPolicy, no observer, slog.Default().
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		retry:    DefaultRetryPolicy(),
		observer: nopObserver{},
		logger:   slog.Default(),
		locks:    newCouponLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry = e.retry.withDefaults()
	e.calendar = NewCalendar(e.clock, e.location)
	return e
}

// Calendar returns the engine's day/week calendar.
func (e *Engine) Calendar() Calendar { return e.calendar }

// =============================================================================
// REGISTRATION
// =============================================================================

// AddQuota registers a coupon with its four limits.
func (e *Engine) AddQuota(ctx context.Context, code string, userTotal, userDaily, userWeekly, global int) (CouponID, error) {
	return e.Register(ctx, Quota{
		Code:       code,
		UserTotal:  userTotal,
		UserDaily:  userDaily,
		UserWeekly: userWeekly,
		Global:     global,
	})
}

// Register is AddQuota taking a Quota value.
func (e *Engine) Register(ctx context.Context, q Quota) (CouponID, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	id, err := retry(ctx, e.retry, e.notify("register"), func() (CouponID, error) {
		return e.store.Register(ctx, q)
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("coupon registered",
		"code", q.Code, "id", id,
		"user_total", q.UserTotal, "user_daily", q.UserDaily,
		"user_weekly", q.UserWeekly, "global", q.Global)
	return id, nil
}

// =============================================================================
// ELIGIBILITY & REDEMPTION
// =============================================================================

// CheckEligibility runs the gates without mutating anything. Safe to call
// any number of times.
func (e *Engine) CheckEligibility(ctx context.Context, code string, user UserID) (Decision, error) {
	w := e.calendar.Current()
	d, err := retry(ctx, e.retry, e.notify("check"), func() (Decision, error) {
		d, _, err := evaluate(ctx, e.store, code, user, w)
		return d, err
	})
	if err != nil {
		return Decision{}, err
	}
	e.observer.ObserveDecision("check", d)
	return d, nil
}

// Redeem re-runs the gates and, if all pass, consumes one unit atomically.
func (e *Engine) Redeem(ctx context.Context, code string, user UserID) (Decision, error) {
	w := e.calendar.Current()

	unlock := e.locks.lock(code)
	defer unlock()

	d, err := retry(ctx, e.retry, e.notify("redeem"), func() (Decision, error) {
		return e.redeemOnce(ctx, code, user, w)
	})
	if err != nil {
		e.logger.Error("redemption failed", "code", code, "user", string(user), "error", err)
		return Decision{}, err
	}

	e.observer.ObserveDecision("redeem", d)
	if d.Allowed {
		e.logger.Info("coupon redeemed", "code", code, "user", string(user), "day", w.Today.String())
	} else {
		e.logger.Debug("redemption rejected", "code", code, "user", string(user), "reason", string(d.Reason))
	}
	return d, nil
}

func (e *Engine) redeemOnce(ctx context.Context, code string, user UserID, w Window) (Decision, error) {
	var d Decision
	err := e.store.WithTx(ctx, func(s Store) error {
		var (
			c   Coupon
			err error
		)
		d, c, err = evaluate(ctx, s, code, user, w)
		if err != nil || !d.Allowed {
			return err
		}

		userPresent := !user.IsAnonymous()
		if err := s.DecrementGlobalAndUserTotal(ctx, c.ID, userPresent); err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				// Nothing was mutated; report the counter that ran out.
				d = reject(ReasonGlobalExhausted)
				if userPresent && c.UserTotalRemaining <= 0 {
					d = reject(ReasonUserTotalExhausted)
				}
				return nil
			}
			return err
		}

		if !userPresent {
			return nil
		}
		return s.Append(ctx, UsageRecord{
			ID:         uuid.NewString(),
			CouponID:   c.ID,
			UserID:     user,
			OccurredOn: w.Today,
			RecordedAt: w.Now.UTC(),
		})
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// evaluate runs gates 1-5 against s. Only storage faults are returned as
// errors; every gate failure is a Decision.
func evaluate(ctx context.Context, s Store, code string, user UserID, w Window) (Decision, Coupon, error) {
	c, err := s.Get(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return reject(ReasonCouponNotFound), Coupon{}, nil
	}
	if err != nil {
		return Decision{}, Coupon{}, err
	}

	if c.GlobalRemaining <= 0 {
		return reject(ReasonGlobalExhausted), c, nil
	}
	if user.IsAnonymous() {
		return allow(), c, nil
	}
	if c.UserTotalRemaining <= 0 {
		return reject(ReasonUserTotalExhausted), c, nil
	}

	daily, err := s.CountOn(ctx, c.ID, user, w.Today)
	if err != nil {
		return Decision{}, c, err
	}
	if daily >= c.UserDailyLimit {
		return reject(ReasonUserDailyExhausted), c, nil
	}

	weekly, err := s.CountSince(ctx, c.ID, user, w.WeekStart)
	if err != nil {
		return Decision{}, c, err
	}
	if weekly >= c.UserWeeklyLimit {
		return reject(ReasonUserWeeklyExhausted), c, nil
	}

	return allow(), c, nil
}

// =============================================================================
// REPORTING
// =============================================================================

// Status is a coupon snapshot with derived consumption figures.
type Status struct {
	Coupon
	Redeemed int

	// Utilization is Redeemed / GlobalLimit, rounded to 4 places.
	Utilization decimal.Decimal
}

// Status returns the coupon's counters. Fails with ErrNotFound if absent.
func (e *Engine) Status(ctx context.Context, code string) (Status, error) {
	c, err := retry(ctx, e.retry, e.notify("status"), func() (Coupon, error) {
		return e.store.Get(ctx, code)
	})
	if err != nil {
		return Status{}, err
	}

	st := Status{Coupon: c, Redeemed: c.GlobalLimit - c.GlobalRemaining, Utilization: decimal.Zero}
	if c.GlobalLimit > 0 {
		st.Utilization = decimal.NewFromInt(int64(st.Redeemed)).
			Div(decimal.NewFromInt(int64(c.GlobalLimit))).
			Round(4)
	}
	return st, nil
}

// UserUsage reports one user's consumption of a coupon in the current windows.
type UserUsage struct {
	Code      string
	UserID    UserID
	Today     Day
	WeekStart Day

	UsedToday    int
	UsedThisWeek int

	RemainingToday    int
	RemainingThisWeek int
	RemainingTotal    int
}

// UserUsage returns usage counts for user. Anonymous users have no windows,
// so an empty user fails with ErrInvalidArgument.
func (e *Engine) UserUsage(ctx context.Context, code string, user UserID) (UserUsage, error) {
	if user.IsAnonymous() {
		return UserUsage{}, invalidArgument("user_id", "must not be empty")
	}
	w := e.calendar.Current()

	return retry(ctx, e.retry, e.notify("usage"), func() (UserUsage, error) {
		c, err := e.store.Get(ctx, code)
		if err != nil {
			return UserUsage{}, err
		}
		daily, err := e.store.CountOn(ctx, c.ID, user, w.Today)
		if err != nil {
			return UserUsage{}, err
		}
		weekly, err := e.store.CountSince(ctx, c.ID, user, w.WeekStart)
		if err != nil {
			return UserUsage{}, err
		}
		return UserUsage{
			Code:              c.Code,
			UserID:            user,
			Today:             w.Today,
			WeekStart:         w.WeekStart,
			UsedToday:         daily,
			UsedThisWeek:      weekly,
			RemainingToday:    max(0, c.UserDailyLimit-daily),
			RemainingThisWeek: max(0, c.UserWeeklyLimit-weekly),
			RemainingTotal:    c.UserTotalRemaining,
		}, nil
	})
}

func (e *Engine) notify(op string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		e.observer.ObserveRetry(op, err)
		e.logger.Warn("retrying storage operation", "op", op, "error", err, "backoff", next)
	}
}
