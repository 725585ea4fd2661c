package coupon

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// DAY - Calendar date used as the ledger key
// =============================================================================

// DayLayout is the storage and display format of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date without a time of day. The wrapped time is always
// midnight UTC so that two Days compare equal iff they name the same date.
type Day struct {
	Time time.Time
}

func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar date of t as observed in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDay(local.Year(), local.Month(), local.Day())
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day{Time: t}, nil
}

// Comparison
func (d Day) Before(other Day) bool       { return d.Time.Before(other.Time) }
func (d Day) Equal(other Day) bool        { return d.Time.Equal(other.Time) }
func (d Day) After(other Day) bool        { return d.Time.After(other.Time) }
func (d Day) AfterOrEqual(other Day) bool { return !d.Before(other) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{Time: d.Time.AddDate(0, 0, n)} }

// Properties
func (d Day) Weekday() time.Weekday { return d.Time.Weekday() }
func (d Day) IsZero() bool          { return d.Time.IsZero() }
func (d Day) String() string        { return d.Time.Format(DayLayout) }

// WeekStart returns the Monday at or before d (ISO week).
func (d Day) WeekStart() Day {
	// Weekday counts from Sunday=0; shift so Monday=0.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

// =============================================================================
// CLOCK - Source of "now", injected for determinism
// =============================================================================

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// CALENDAR - Day and week boundaries in one reference zone
// =============================================================================

// Window is the pair of boundaries a single request is evaluated against.
// It is computed once per request so that a redemption straddling midnight
// sees one consistent day.
type Window struct {
	Now       time.Time
	Today     Day
	WeekStart Day
}

// Calendar derives windows from a Clock in a fixed location.
type Calendar struct {
	Clock    Clock
	Location *time.Location
}

// NewCalendar returns a calendar in loc (UTC when nil).
func NewCalendar(clock Clock, loc *time.Location) Calendar {
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Clock: clock, Location: loc}
}

// Current returns the window for the current instant.
func (c Calendar) Current() Window {
	now := c.Clock.Now()
	today := DayOf(now, c.Location)
	return Window{Now: now, Today: today, WeekStart: today.WeekStart()}
}
