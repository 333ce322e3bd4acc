// Package clock abstracts the wall clock so time-driven components can be
// tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock provides time information.
type Clock interface {
	Now() time.Time
}

// Real provides actual system time.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time {
	return time.Now()
}

// Test provides a manually driven time for testing.
type Test struct {
	mu      sync.Mutex
	current time.Time
}

// NewTest returns a test clock fixed at t.
func NewTest(t time.Time) *Test {
	return &Test{current: t}
}

// Now returns the test time.
func (c *Test) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set moves the clock to t.
func (c *Test) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Test) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
