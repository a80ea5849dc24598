// Package fake provides a controllable clock and a recording sleeper for tests.
package fake

import (
	"context"
	"sync"
	"time"
)

// Clock is a manually advanced crawler.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Sleeper records requested sleeps and advances an optional Clock instead of blocking.
type Sleeper struct {
	mu     sync.Mutex
	clock  *Clock
	sleeps []time.Duration
}

// NewSleeper returns a Sleeper that advances clock (which may be nil).
func NewSleeper(clock *Clock) *Sleeper {
	return &Sleeper{clock: clock}
}

// Sleep records d and advances the clock. It fails only when ctx is already done.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil && d > 0 {
		s.clock.Advance(d)
	}
	return nil
}

// Sleeps returns a copy of the recorded durations.
func (s *Sleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}

// Total returns the sum of all recorded sleeps.
func (s *Sleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Sleeps() {
		total += d
	}
	return total
}
