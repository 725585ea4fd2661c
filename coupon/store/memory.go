// Package store provides in-memory coupon.Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/coupon-quota/coupon"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	nextID  coupon.CouponID
	coupons map[coupon.CouponID]*coupon.Coupon
	byCode  map[string]coupon.CouponID
	usage   map[usageKey][]coupon.UsageRecord
}

type usageKey struct {
	CouponID coupon.CouponID
	UserID   coupon.UserID
}

func NewMemory() *Memory {
	return &Memory{
		coupons: make(map[coupon.CouponID]*coupon.Coupon),
		byCode:  make(map[string]coupon.CouponID),
		usage:   make(map[usageKey][]coupon.UsageRecord),
	}
}

func (m *Memory) Register(_ context.Context, q coupon.Quota) (coupon.CouponID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(q)
}

func (m *Memory) registerLocked(q coupon.Quota) (coupon.CouponID, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	if _, ok := m.byCode[q.Code]; ok {
		return 0, coupon.ErrDuplicateCode
	}
	m.nextID++
	m.coupons[m.nextID] = &coupon.Coupon{
		ID:                 m.nextID,
		Code:               q.Code,
		UserTotalRemaining: q.UserTotal,
		UserDailyLimit:     q.UserDaily,
		UserWeeklyLimit:    q.UserWeekly,
		GlobalRemaining:    q.Global,
		GlobalLimit:        q.Global,
		CreatedAt:          time.Now().UTC(),
	}
	m.byCode[q.Code] = m.nextID
	return m.nextID, nil
}

func (m *Memory) Get(_ context.Context, code string) (coupon.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(code)
}

func (m *Memory) getLocked(code string) (coupon.Coupon, error) {
	id, ok := m.byCode[code]
	if !ok {
		return coupon.Coupon{}, coupon.ErrNotFound
	}
	return *m.coupons[id], nil
}

func (m *Memory) DecrementGlobalAndUserTotal(_ context.Context, id coupon.CouponID, userPresent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementLocked(id, userPresent)
}

func (m *Memory) decrementLocked(id coupon.CouponID, userPresent bool) error {
	c, ok := m.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	// Check both counters before touching either.
	if c.GlobalRemaining <= 0 || (userPresent && c.UserTotalRemaining <= 0) {
		return coupon.ErrQuotaExhausted
	}
	c.GlobalRemaining--
	if userPresent {
		c.UserTotalRemaining--
	}
	return nil
}

// Append adds a single usage record. Append-only.
func (m *Memory) Append(_ context.Context, rec coupon.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec)
}

func (m *Memory) appendLocked(rec coupon.UsageRecord) error {
	if _, ok := m.coupons[rec.CouponID]; !ok {
		return coupon.ErrNotFound
	}
	k := usageKey{CouponID: rec.CouponID, UserID: rec.UserID}
	m.usage[k] = append(m.usage[k], rec)
	return nil
}

func (m *Memory) CountOn(_ context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count(id, user, day.Equal), nil
}

func (m *Memory) CountSince(_ context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count(id, user, func(d coupon.Day) bool { return d.AfterOrEqual(day) }), nil
}

func (m *Memory) count(id coupon.CouponID, user coupon.UserID, match func(coupon.Day) bool) int {
	n := 0
	for _, rec := range m.usage[usageKey{CouponID: id, UserID: user}] {
		if match(rec.OccurredOn) {
			n++
		}
	}
	return n
}

// Records returns every usage record for coupon+user, oldest first.
func (m *Memory) Records(id coupon.CouponID, user coupon.UserID) []coupon.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.usage[usageKey{CouponID: id, UserID: user}]
	return append([]coupon.UsageRecord(nil), recs...)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn while holding the store's write lock.
// For memory store, rollback restores a snapshot taken before fn ran.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(coupon.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID  coupon.CouponID
	coupons map[coupon.CouponID]coupon.Coupon
	byCode  map[string]coupon.CouponID
	usage   map[usageKey]int
}

// snapshot records counters by value and usage slices by length; records
// are append-only so truncating restores them.
func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID:  tm.nextID,
		coupons: make(map[coupon.CouponID]coupon.Coupon, len(tm.coupons)),
		byCode:  make(map[string]coupon.CouponID, len(tm.byCode)),
		usage:   make(map[usageKey]int, len(tm.usage)),
	}
	for id, c := range tm.coupons {
		s.coupons[id] = *c
	}
	for code, id := range tm.byCode {
		s.byCode[code] = id
	}
	for k, recs := range tm.usage {
		s.usage[k] = len(recs)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.nextID = s.nextID
	tm.coupons = make(map[coupon.CouponID]*coupon.Coupon, len(s.coupons))
	for id, c := range s.coupons {
		c := c
		tm.coupons[id] = &c
	}
	tm.byCode = s.byCode
	for k, recs := range tm.usage {
		n, ok := s.usage[k]
		if !ok {
			delete(tm.usage, k)
			continue
		}
		tm.usage[k] = recs[:n]
	}
}

// txMemoryView operates on the parent while its lock is held by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Register(_ context.Context, q coupon.Quota) (coupon.CouponID, error) {
	return tv.parent.registerLocked(q)
}

func (tv *txMemoryView) Get(_ context.Context, code string) (coupon.Coupon, error) {
	return tv.parent.getLocked(code)
}

func (tv *txMemoryView) DecrementGlobalAndUserTotal(_ context.Context, id coupon.CouponID, userPresent bool) error {
	return tv.parent.decrementLocked(id, userPresent)
}

func (tv *txMemoryView) Append(_ context.Context, rec coupon.UsageRecord) error {
	return tv.parent.appendLocked(rec)
}

func (tv *txMemoryView) CountOn(_ context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return tv.parent.count(id, user, day.Equal), nil
}

func (tv *txMemoryView) CountSince(_ context.Context, id coupon.CouponID, user coupon.UserID, day coupon.Day) (int, error) {
	return tv.parent.count(id, user, func(d coupon.Day) bool { return d.AfterOrEqual(day) }), nil
}
