package core

import "time"

type (
	// Clock is the time source every attendance day is computed from.
	Clock interface {
		Now() time.Time
	}

	ClockFunc func() time.Time
)

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Day truncates t to midnight of its calendar day in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// FixedClock always returns t. Used by tests and the admin CLI --date flag.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
