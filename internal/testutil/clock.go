// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// Epoch is where NewClock starts when given the zero time.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced wall clock for tests.
//
// Its Now method has the signature the sync engine and the in-memory drive
// take, so one Clock can drive both and keep their timestamps comparable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading start, or Epoch when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current reading. It never moves on its own.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Negative durations are ignored so readings never decrease.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Reset sets the clock back to t, for reusing a scenario.
func (c *Clock) Reset(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
