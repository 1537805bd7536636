// Package clock is the sole source of "now" for the admission-control
// pipeline.  Every store operation and every service decision reads time
// through a Clock instead of calling time.Now() directly, so tests can
// replay timed scenarios ("advance the clock 61 seconds") without sleeping
// real seconds.
package clock

import "time"

// Clock returns the current instant, always in UTC.  No caller may compare
// timestamps drawn from two different Clocks.
type Clock interface {
	Now() time.Time
}

// real wraps time.Now.  It is the production implementation.
type real struct{}

// New returns the production Clock backed by the system wall clock.
func New() Clock { return real{} }

func (real) Now() time.Time { return time.Now().UTC() }
