package defs

import (
	"sync"
	"time"
)

// Clock is the kernel time source. Subsystems take a Clock at construction
// instead of calling time.Now so tests can drive time by hand.
type Clock interface {
	Now() time.Time
}

// WallClock reads the host monotonic clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// ManualClock is a hand-advanced clock for tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a manual clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t. Going backwards is allowed; only tests do this.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
