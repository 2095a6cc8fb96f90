package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the host's local time zone. Store keys are
// local wall-clock timestamps, so Now deliberately does not convert to UTC.
type Real struct{}

// Now returns the current local time.
func (Real) Now() time.Time {
	return time.Now().Local()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
