package coupon_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/coupon-quota/coupon"
	"github.com/warp/coupon-quota/coupon/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// wednesday is 2025-03-12 10:00 UTC; its ISO week starts Monday 2025-03-10.
var wednesday = time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() coupon.RetryPolicy {
	return coupon.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newTestEngine(t *testing.T, opts ...coupon.Option) (*coupon.Engine, *store.TxMemory, *coupon.ManualClock) {
	t.Helper()
	st := store.NewTxMemory()
	clock := coupon.NewManualClock(wednesday)
	base := []coupon.Option{
		coupon.WithClock(clock),
		coupon.WithLogger(quietLogger()),
		coupon.WithRetry(fastRetry()),
	}
	return coupon.NewEngine(st, append(base, opts...)...), st, clock
}

func mustAdd(t *testing.T, e *coupon.Engine, code string, userTotal, userDaily, userWeekly, global int) coupon.CouponID {
	t.Helper()
	id, err := e.AddQuota(context.Background(), code, userTotal, userDaily, userWeekly, global)
	require.NoError(t, err)
	return id
}

func mustGet(t *testing.T, st coupon.Store, code string) coupon.Coupon {
	t.Helper()
	c, err := st.Get(context.Background(), code)
	require.NoError(t, err)
	return c
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions map[string][]coupon.Decision
	retries   int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{decisions: make(map[string][]coupon.Decision)}
}

func (o *recordingObserver) ObserveDecision(op string, d coupon.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions[op] = append(o.decisions[op], d)
}

func (o *recordingObserver) ObserveRetry(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

// flakyStore fails the first `failures` transactions with a storage fault.
type flakyStore struct {
	*store.TxMemory
	failures int
	calls    int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(coupon.Store) error) error {
	f.calls++
	if f.calls <= f.failures {
		return coupon.Storage("begin", errors.New("database is locked"))
	}
	return f.TxMemory.WithTx(ctx, fn)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestAddQuota_DuplicateCodeLeavesFirstRegistration(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	mustAdd(t, e, "DUP", 5, 2, 3, 100)

	_, err := e.AddQuota(ctx, "DUP", 1, 1, 1, 1)
	assert.ErrorIs(t, err, coupon.ErrDuplicateCode)

	c := mustGet(t, st, "DUP")
	assert.Equal(t, 5, c.UserTotalRemaining)
	assert.Equal(t, 2, c.UserDailyLimit)
	assert.Equal(t, 3, c.UserWeeklyLimit)
	assert.Equal(t, 100, c.GlobalRemaining)
}

func TestAddQuota_RejectsInvalidInput(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		quota coupon.Quota
		field string
	}{
		{"empty code", coupon.Quota{Code: ""}, "code"},
		{"negative user total", coupon.Quota{Code: "X", UserTotal: -1}, "user_total"},
		{"negative daily", coupon.Quota{Code: "X", UserDaily: -1}, "user_daily"},
		{"negative weekly", coupon.Quota{Code: "X", UserWeekly: -1}, "user_weekly"},
		{"negative global", coupon.Quota{Code: "X", Global: -1}, "global"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Register(ctx, tc.quota)
			require.ErrorIs(t, err, coupon.ErrInvalidArgument)

			var argErr *coupon.InvalidArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, tc.field, argErr.Field)
			assert.True(t, coupon.IsClientError(err))
		})
	}

	_, err := st.Get(ctx, "X")
	assert.ErrorIs(t, err, coupon.ErrNotFound, "nothing registered on invalid input")
}

func TestAddQuota_ZeroLimitsAreValid(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, "ZERO", 0, 0, 0, 0)

	d, err := e.Redeem(context.Background(), "ZERO", "u1")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonGlobalExhausted, d.Reason)
}

// =============================================================================
// GATES
// =============================================================================

func TestRedeem_SecondRedemptionSameDayHitsDailyLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "C", 2, 1, 1, 10)

	first, err := e.Redeem(ctx, "C", "u1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, coupon.ReasonNone, first.Reason)

	second, err := e.Redeem(ctx, "C", "u1")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, coupon.ReasonUserDailyExhausted, second.Reason)
}

func TestRedeem_MissingCouponMutatesNothing(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	id := mustAdd(t, e, "OTHER", 5, 5, 5, 5)

	d, err := e.Redeem(ctx, "MISSING", "u1")
	require.NoError(t, err, "unknown coupon is a decision, not an error")
	assert.False(t, d.Allowed)
	assert.Equal(t, coupon.ReasonCouponNotFound, d.Reason)
	assert.Equal(t, "Coupon code not found.", d.Reason.Message())

	_, err = st.Get(ctx, "MISSING")
	assert.ErrorIs(t, err, coupon.ErrNotFound)
	assert.Equal(t, 5, mustGet(t, st, "OTHER").GlobalRemaining)
	assert.Empty(t, st.Records(id, "u1"))
}

// The weekly gate must compare weekly usage against the coupon's weekly
// limit. Comparing against GlobalRemaining (4 here) would wrongly allow it.
func TestRedeem_WeeklyGateComparesAgainstWeeklyLimitNotGlobal(t *testing.T) {
	e, st, clock := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "WEEKLY", 100, 100, 1, 5)

	d, err := e.Redeem(ctx, "WEEKLY", "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Thursday of the same ISO week.
	clock.Advance(24 * time.Hour)

	d, err = e.Redeem(ctx, "WEEKLY", "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, coupon.ReasonUserWeeklyExhausted, d.Reason)
	assert.Equal(t, 4, mustGet(t, st, "WEEKLY").GlobalRemaining)
}

func TestRedeem_GlobalLimitRoundTrip(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	const n = 5
	mustAdd(t, e, "G", 100, 1, 1, n)

	for i := 0; i < n; i++ {
		d, err := e.Redeem(ctx, "G", coupon.UserID(fmt.Sprintf("user-%d", i)))
		require.NoError(t, err)
		require.True(t, d.Allowed, "redemption %d", i)
	}
	assert.Equal(t, 0, mustGet(t, st, "G").GlobalRemaining)

	d, err := e.Redeem(ctx, "G", "user-late")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonGlobalExhausted, d.Reason)
}

func TestRedeem_UserTotalIsSharedCounter(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "T", 1, 5, 5, 10)

	d, err := e.Redeem(ctx, "T", "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = e.Redeem(ctx, "T", "u2")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonUserTotalExhausted, d.Reason)

	c := mustGet(t, st, "T")
	assert.Equal(t, 0, c.UserTotalRemaining)
	assert.Equal(t, 9, c.GlobalRemaining)
}

func TestRedeem_AnonymousOnlyConsultsGlobal(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	id := mustAdd(t, e, "ANON", 0, 0, 0, 2)

	for i := 0; i < 2; i++ {
		d, err := e.Redeem(ctx, "ANON", coupon.Anonymous)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := e.Redeem(ctx, "ANON", coupon.Anonymous)
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonGlobalExhausted, d.Reason)

	c := mustGet(t, st, "ANON")
	assert.Equal(t, 0, c.GlobalRemaining)
	assert.Equal(t, 0, c.UserTotalRemaining, "user total untouched by anonymous redemptions")
	assert.Empty(t, st.Records(id, coupon.Anonymous), "anonymous redemptions leave no usage records")
}

func TestRedeem_OneUsageRecordPerRedemption(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	id := mustAdd(t, e, "ONE", 10, 10, 10, 10)

	_, err := e.Redeem(ctx, "ONE", "u1")
	require.NoError(t, err)

	recs := st.Records(id, "u1")
	require.Len(t, recs, 1)
	assert.Equal(t, coupon.NewDay(2025, time.March, 12), recs[0].OccurredOn)
	assert.NotEmpty(t, recs[0].ID)
}

// =============================================================================
// WINDOWS
// =============================================================================

func TestRedeem_DailyWindowReopensNextDay(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "DAY", 10, 1, 5, 10)

	d, _ := e.Redeem(ctx, "DAY", "u1")
	require.True(t, d.Allowed)
	d, _ = e.Redeem(ctx, "DAY", "u1")
	require.Equal(t, coupon.ReasonUserDailyExhausted, d.Reason)

	clock.Advance(24 * time.Hour)
	d, err := e.Redeem(ctx, "DAY", "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedeem_WeeklyWindowReopensOnMonday(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "WEEK", 10, 5, 1, 10)

	d, _ := e.Redeem(ctx, "WEEK", "u1")
	require.True(t, d.Allowed)

	// Sunday 23:00 is still the same ISO week.
	clock.Set(time.Date(2025, time.March, 16, 23, 0, 0, 0, time.UTC))
	d, _ = e.Redeem(ctx, "WEEK", "u1")
	assert.Equal(t, coupon.ReasonUserWeeklyExhausted, d.Reason)

	clock.Set(time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC))
	d, err := e.Redeem(ctx, "WEEK", "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedeem_DayBoundaryFollowsConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	e, st, clock := newTestEngine(t, coupon.WithLocation(tokyo))
	ctx := context.Background()
	id := mustAdd(t, e, "TZ", 10, 1, 10, 10)

	// 2025-03-12 20:00 UTC is already 2025-03-13 in Tokyo.
	clock.Set(time.Date(2025, time.March, 12, 20, 0, 0, 0, time.UTC))
	d, err := e.Redeem(ctx, "TZ", "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	recs := st.Records(id, "u1")
	require.Len(t, recs, 1)
	assert.Equal(t, "2025-03-13", recs[0].OccurredOn.String())

	// 2025-03-13 14:00 UTC is 23:00 in Tokyo, still the same local day.
	clock.Set(time.Date(2025, time.March, 13, 14, 0, 0, 0, time.UTC))
	d, _ = e.Redeem(ctx, "TZ", "u1")
	assert.Equal(t, coupon.ReasonUserDailyExhausted, d.Reason)
}

// =============================================================================
// CHECK ELIGIBILITY
// =============================================================================

func TestCheckEligibility_IsSideEffectFree(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	id := mustAdd(t, e, "CHK", 2, 1, 1, 10)
	before := mustGet(t, st, "CHK")

	for i := 0; i < 5; i++ {
		d, err := e.CheckEligibility(ctx, "CHK", "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	assert.Equal(t, before, mustGet(t, st, "CHK"))
	assert.Empty(t, st.Records(id, "u1"))
}

func TestCheckEligibility_ReflectsRedemptions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "CHK", 2, 1, 1, 10)

	_, err := e.Redeem(ctx, "CHK", "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := e.CheckEligibility(ctx, "CHK", "u1")
		require.NoError(t, err)
		assert.Equal(t, coupon.ReasonUserDailyExhausted, d.Reason)
	}

	d, err := e.CheckEligibility(ctx, "MISSING", "u1")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonCouponNotFound, d.Reason)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRedeem_ConcurrentNeverExceedsGlobalLimit(t *testing.T) {
	e, st, _ := newTestEngine(t)
	const (
		global  = 10
		callers = 64
	)
	mustAdd(t, e, "RACE", 1000, 10, 10, global)

	var allowed atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		user := coupon.UserID(fmt.Sprintf("user-%d", i))
		g.Go(func() error {
			d, err := e.Redeem(ctx, "RACE", user)
			if err != nil {
				return err
			}
			if d.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(global), allowed.Load())
	assert.Equal(t, 0, mustGet(t, st, "RACE").GlobalRemaining)
}

func TestRedeem_ConcurrentSameUserRespectsDailyLimit(t *testing.T) {
	e, st, _ := newTestEngine(t)
	id := mustAdd(t, e, "SAME", 100, 3, 100, 1000)

	var allowed atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			d, err := e.Redeem(ctx, "SAME", "u1")
			if err != nil {
				return err
			}
			if d.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(3), allowed.Load())
	assert.Len(t, st.Records(id, "u1"), 3)
	assert.Equal(t, 997, mustGet(t, st, "SAME").GlobalRemaining)
}

// =============================================================================
// STORAGE FAILURES
// =============================================================================

func TestRedeem_RetriesTransientStorageFailure(t *testing.T) {
	flaky := &flakyStore{TxMemory: store.NewTxMemory(), failures: 2}
	obs := newRecordingObserver()
	e := coupon.NewEngine(flaky,
		coupon.WithClock(coupon.NewManualClock(wednesday)),
		coupon.WithLogger(quietLogger()),
		coupon.WithRetry(fastRetry()),
		coupon.WithObserver(obs),
	)
	ctx := context.Background()
	mustAdd(t, e, "FLAKY", 5, 5, 5, 5)

	d, err := e.Redeem(ctx, "FLAKY", "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, 4, mustGet(t, flaky, "FLAKY").GlobalRemaining)
}

func TestRedeem_SurfacesPersistentStorageFailure(t *testing.T) {
	flaky := &flakyStore{TxMemory: store.NewTxMemory(), failures: 100}
	e := coupon.NewEngine(flaky,
		coupon.WithClock(coupon.NewManualClock(wednesday)),
		coupon.WithLogger(quietLogger()),
		coupon.WithRetry(fastRetry()),
	)
	ctx := context.Background()
	mustAdd(t, e, "DOWN", 5, 5, 5, 5)

	_, err := e.Redeem(ctx, "DOWN", "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, coupon.ErrStorageFailure)
	assert.Equal(t, 3, flaky.calls, "bounded by MaxAttempts")
	assert.Equal(t, 5, mustGet(t, flaky, "DOWN").GlobalRemaining)
}

func TestRedeem_CanceledContextIsNotRetried(t *testing.T) {
	flaky := &flakyStore{TxMemory: store.NewTxMemory(), failures: 100}
	e := coupon.NewEngine(flaky, coupon.WithLogger(quietLogger()), coupon.WithRetry(fastRetry()))
	mustAdd(t, e, "CTX", 5, 5, 5, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Redeem(ctx, "CTX", "u1")
	require.Error(t, err)
	assert.LessOrEqual(t, flaky.calls, 1)
}

// =============================================================================
// REPORTING
// =============================================================================

func TestStatus_ReportsUtilization(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "STAT", 10, 10, 10, 4)

	_, err := e.Redeem(ctx, "STAT", "u1")
	require.NoError(t, err)

	st, err := e.Status(ctx, "STAT")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Redeemed)
	assert.Equal(t, 3, st.GlobalRemaining)
	assert.Equal(t, 4, st.GlobalLimit)
	assert.Equal(t, "0.25", st.Utilization.String())

	_, err = e.Status(ctx, "NOPE")
	assert.True(t, coupon.IsNotFound(err))
}

func TestUserUsage_CountsCurrentWindows(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	mustAdd(t, e, "USE", 10, 2, 3, 10)

	_, err := e.Redeem(ctx, "USE", "u1")
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = e.Redeem(ctx, "USE", "u1")
	require.NoError(t, err)

	u, err := e.UserUsage(ctx, "USE", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.UsedToday)
	assert.Equal(t, 2, u.UsedThisWeek)
	assert.Equal(t, 1, u.RemainingToday)
	assert.Equal(t, 1, u.RemainingThisWeek)
	assert.Equal(t, 8, u.RemainingTotal)
	assert.Equal(t, "2025-03-10", u.WeekStart.String())

	_, err = e.UserUsage(ctx, "USE", coupon.Anonymous)
	assert.ErrorIs(t, err, coupon.ErrInvalidArgument)
}
