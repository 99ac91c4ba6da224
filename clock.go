package memwatch

import "time"

// Clock supplies monotonic nanosecond timestamps to the rest of the
// engine. It exists as an interface so tests can inject a fake one
// without touching wall-clock time.
type Clock interface {
	// NowNanos returns a monotonically non-decreasing nanosecond
	// timestamp. It is not related to wall-clock time; only deltas
	// between two calls are meaningful.
	NowNanos() int64
}

// monotonicClock is the production Clock. time.Since reads Go's
// monotonic clock reading carried inside time.Time, so it is immune to
// wall-clock adjustments (NTP step, manual clock set) the way a naive
// time.Now().UnixNano() would not be.
type monotonicClock struct {
	start time.Time
}

// NewClock returns the production monotonic Clock.
func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) NowNanos() int64 {
	return int64(time.Since(c.start))
}
