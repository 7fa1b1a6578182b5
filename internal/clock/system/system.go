// Package system provides the wall clock used for job and record timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to microseconds so values
// survive a round trip through the SQL stores unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
