// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawl.Clock using the wall clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time. All persisted timestamps are UTC so
// backoff windows compare consistently across instances.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
