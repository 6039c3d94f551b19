// Package clock abstracts time so reservation expiry and bounded waits can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the subset of time functions used by the allocator and the
// instance lifecycle.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
