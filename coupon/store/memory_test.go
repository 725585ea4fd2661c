package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-quota/coupon"
	"github.com/warp/coupon-quota/coupon/store"
)

func TestMemory_DecrementChecksBothCountersFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	id, err := m.Register(ctx, coupon.Quota{Code: "A", UserTotal: 0, UserDaily: 1, UserWeekly: 1, Global: 3})
	require.NoError(t, err)

	err = m.DecrementGlobalAndUserTotal(ctx, id, true)
	assert.ErrorIs(t, err, coupon.ErrQuotaExhausted)

	c, err := m.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, c.GlobalRemaining, "global untouched when user total is exhausted")

	require.NoError(t, m.DecrementGlobalAndUserTotal(ctx, id, false))
	c, _ = m.Get(ctx, "A")
	assert.Equal(t, 2, c.GlobalRemaining)

	assert.ErrorIs(t, m.DecrementGlobalAndUserTotal(ctx, 999, false), coupon.ErrNotFound)
}

func TestMemory_WindowCounts(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	id, err := m.Register(ctx, coupon.Quota{Code: "W", UserTotal: 9, UserDaily: 9, UserWeekly: 9, Global: 9})
	require.NoError(t, err)

	mon := coupon.NewDay(2025, time.March, 10)
	for _, d := range []coupon.Day{mon.AddDays(-1), mon, mon.AddDays(2), mon.AddDays(2)} {
		require.NoError(t, m.Append(ctx, coupon.UsageRecord{CouponID: id, UserID: "u1", OccurredOn: d}))
	}
	require.NoError(t, m.Append(ctx, coupon.UsageRecord{CouponID: id, UserID: "u2", OccurredOn: mon}))

	n, _ := m.CountOn(ctx, id, "u1", mon.AddDays(2))
	assert.Equal(t, 2, n)
	n, _ = m.CountSince(ctx, id, "u1", mon)
	assert.Equal(t, 3, n, "CountSince is inclusive of its start day")
	n, _ = m.CountSince(ctx, id, "u2", mon)
	assert.Equal(t, 1, n)

	err = m.Append(ctx, coupon.UsageRecord{CouponID: 42, UserID: "u1", OccurredOn: mon})
	assert.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestTxMemory_RollbackRestoresCountersAndRecords(t *testing.T) {
	tm := store.NewTxMemory()
	ctx := context.Background()
	id, err := tm.Register(ctx, coupon.Quota{Code: "R", UserTotal: 5, UserDaily: 5, UserWeekly: 5, Global: 5})
	require.NoError(t, err)
	day := coupon.NewDay(2025, time.March, 12)

	boom := errors.New("boom")
	err = tm.WithTx(ctx, func(s coupon.Store) error {
		require.NoError(t, s.DecrementGlobalAndUserTotal(ctx, id, true))
		require.NoError(t, s.Append(ctx, coupon.UsageRecord{CouponID: id, UserID: "u1", OccurredOn: day}))
		_, err := s.Register(ctx, coupon.Quota{Code: "NEW", Global: 1})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := tm.Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 5, c.GlobalRemaining)
	assert.Equal(t, 5, c.UserTotalRemaining)
	assert.Empty(t, tm.Records(id, "u1"))
	_, err = tm.Get(ctx, "NEW")
	assert.ErrorIs(t, err, coupon.ErrNotFound)

	require.NoError(t, tm.WithTx(ctx, func(s coupon.Store) error {
		if err := s.DecrementGlobalAndUserTotal(ctx, id, true); err != nil {
			return err
		}
		return s.Append(ctx, coupon.UsageRecord{CouponID: id, UserID: "u1", OccurredOn: day})
	}))
	c, _ = tm.Get(ctx, "R")
	assert.Equal(t, 4, c.GlobalRemaining)
	assert.Len(t, tm.Records(id, "u1"), 1)
}
