package clock

import (
	"sync"
	"time"
)

// Clock provides monotonic and wall time. Everything latency-sensitive in the
// router and the realtime pipeline reads time through this interface so tests
// can drive it.
type Clock interface {
	// NowMonotonicMS returns milliseconds from an arbitrary, strictly
	// nondecreasing origin.
	NowMonotonicMS() int64
	// NowUTC returns wall time in UTC.
	NowUTC() time.Time
}

type systemClock struct {
	origin time.Time
}

// New returns the system clock.
func New() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) NowMonotonicMS() int64 {
	return time.Since(c.origin).Milliseconds()
}

func (c *systemClock) NowUTC() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	mono int64
	wall time.Time
}

// NewFake creates a fake clock at the given wall time.
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall.UTC()}
}

func (f *Fake) NowMonotonicMS() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

func (f *Fake) NowUTC() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Advance moves both monotonic and wall time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.mono += d.Milliseconds()
	f.wall = f.wall.Add(d)
	f.mu.Unlock()
}
