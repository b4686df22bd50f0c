// internal/policy/clock.go
package policy

import (
	"sync"
	"time"
)

// Clock is the source of "today" for circulation operations.
type Clock interface {
	Today() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Today returns the current calendar day.
func (SystemClock) Today() time.Time {
	return Day(time.Now())
}

// FixedClock returns a settable day. Used by tests and the seeder.
type FixedClock struct {
	mu  sync.Mutex
	day time.Time
}

func NewFixedClock(day time.Time) *FixedClock {
	return &FixedClock{day: Day(day)}
}

func (c *FixedClock) Today() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

// Advance moves the clock forward by n days.
func (c *FixedClock) Advance(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = c.day.AddDate(0, 0, days)
}
