package room

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) clockwork.Ticker
	NewTimer(d time.Duration) clockwork.Timer
}

// monotonicClock anchors Now to the time it was created and advances it by elapsed
// monotonic time only, so a wall clock step never moves server time backwards.
type monotonicClock struct {
	Clock
	start time.Time
}

func newMonotonicClock(c Clock) monotonicClock {
	return monotonicClock{Clock: c, start: c.Now()}
}

func (m monotonicClock) Now() time.Time {
	return m.start.Add(m.Clock.Since(m.start))
}

func (m monotonicClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// nowMs is the server time exposed to clients, in milliseconds.
func nowMs(c Clock) int64 {
	return c.Now().UnixMilli()
}
