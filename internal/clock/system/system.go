// Package system provides a real clock implementation.
package system

import "time"

// Clock implements jobs.Clock and ratelimit.Clock on the wall clock.
// Readings are UTC and truncated to microseconds, the finest precision
// Postgres keeps, so every store backend round-trips the same instant.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
