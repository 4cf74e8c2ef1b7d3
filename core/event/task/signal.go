package task

import (
	"context"
	"time"
)

// FiredSignal is a signal that is always in the fired state.
var FiredSignal Signal

func init() {
	fired := make(chan struct{})
	close(fired)
	FiredSignal = fired
}

// Signal notifies that a task has completed. Nothing is ever sent through a
// signal; it is closed to indicate it has fired.
type Signal <-chan struct{}

// NewSignal builds a new signal and the task that fires it. The returned
// fire task must be called exactly once.
func NewSignal() (Signal, Task) {
	c := make(chan struct{})
	return c, func(context.Context) error { close(c); return nil }
}

// Fired returns true if the signal has already fired.
func (s Signal) Fired() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires or ctx is cancelled, returning true iff
// the signal fired first.
func (s Signal) Wait(ctx context.Context) bool {
	select {
	case <-s:
		return true
	case <-ShouldStop(ctx):
		return false
	}
}

// TryWait is like Wait but also gives up after timeout.
func (s Signal) TryWait(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s:
		return true
	case <-ShouldStop(ctx):
		return false
	case <-time.After(timeout):
		return false
	}
}
