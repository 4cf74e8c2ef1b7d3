// Package task implements the thread pool and task queue shared by every
// rank process: a fixed worker pool executes ray-list trace tasks and
// camera-ray spawn tasks (§4.2), while the single message-receive and
// ray-queue-manager goroutines are plain uses of Go.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/gxy-project/gxy/core/app/crash"
)

// Task is the unit of work used in the task system. Tasks should generally
// be reentrant: they may run more than once, in more than one executor, and
// should be agnostic as to whether they run in parallel with others.
type Task func(context.Context) error

// ShouldStop returns a channel that is closed when work done on behalf of
// ctx should stop.
func ShouldStop(ctx context.Context) <-chan struct{} { return ctx.Done() }

// StopReason returns the non-nil error available once ShouldStop fires.
func StopReason(ctx context.Context) error { return ctx.Err() }

// Stopped is shorthand for StopReason(ctx) != nil.
func Stopped(ctx context.Context) bool { return ctx.Err() != nil }

// WithCancel is a thin rename of context.WithCancel kept for symmetry with
// the rest of this package's helpers.
func WithCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

// Once wraps a task so only the first invocation of the outer task invokes
// the inner task; later callers observe the first call's result.
func Once(t Task) Task {
	once := sync.Once{}
	var err error
	return func(ctx context.Context) error {
		once.Do(func() { err = t(ctx) })
		return err
	}
}

// Noop returns a task that does nothing.
func Noop() Task {
	return func(context.Context) error { return nil }
}

// Retry repeatedly calls f until it returns done, the number of attempts
// reaches maxAttempts, or ctx is cancelled. Retry sleeps retryDelay between
// attempts. maxAttempts <= 0 means no limit.
func Retry(ctx context.Context, maxAttempts int, retryDelay time.Duration, f func(context.Context) (done bool, err error)) error {
	var count int
	for {
		done, err := f(ctx)
		if done {
			return err
		}
		count++
		if maxAttempts > 0 && count >= maxAttempts {
			return err
		}
		select {
		case <-ShouldStop(ctx):
			return StopReason(ctx)
		case <-time.After(retryDelay):
		}
	}
}

// Poll calls f at regular intervals of i until ctx is cancelled or f returns
// an error. Used by the frame-buffer ageing thread (§4.7).
func Poll(ctx context.Context, i time.Duration, f func(context.Context) error) error {
	for {
		if err := f(ctx); err != nil {
			return err
		}
		select {
		case <-ShouldStop(ctx):
			return StopReason(ctx)
		case <-time.After(i):
		}
	}
}

// Async runs t on a new goroutine, returning a function that cancels t's
// context and blocks until t has returned.
func Async(ctx context.Context, t Task) (stop func() error) {
	errc := make(chan error, 1)
	ctx, cancel := WithCancel(ctx)
	crash.Go(func() { errc <- t(ctx) })
	return func() error {
		cancel()
		return <-errc
	}
}
