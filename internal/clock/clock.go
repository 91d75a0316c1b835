// Package clock indirects the parts of package time the monitor depends on so
// tests can control apparent time.
package clock

import "time"

// Clock is the subset of package time used for scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer abstracts a scheduled callback.
type Timer interface {
	Stop() bool
}

type wallClock struct{}

// New returns a Clock backed by package time.
func New() Clock {
	return wallClock{}
}

// Now indirects time.Now.
func (wallClock) Now() time.Time {
	return time.Now()
}

// AfterFunc indirects time.AfterFunc.
func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
