package coupon

import "sync"

// couponLocks hands out one mutex per coupon code. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type couponLocks struct {
	mu    sync.Mutex
	locks map[string]*couponLock
}

type couponLock struct {
	sync.Mutex
	refs int
}

func newCouponLocks() *couponLocks {
	return &couponLocks{locks: make(map[string]*couponLock)}
}

// lock blocks until the caller holds code's mutex and returns its release.
func (l *couponLocks) lock(code string) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[code]
	if !ok {
		cl = &couponLock{}
		l.locks[code] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, code)
		}
		l.mu.Unlock()
	}
}
