package task

import "context"

// Handle is a reference to a running task submitted to an Executor. It can
// be used to wait for the task to complete and collect its error result.
type Handle struct {
	Signal
	err *error
}

// Result blocks until the task completes or ctx is cancelled, and returns
// the task's error result (or the stop reason, if ctx was cancelled first).
func (h Handle) Result(ctx context.Context) error {
	if !h.Signal.Wait(ctx) {
		return StopReason(ctx)
	}
	return *h.err
}
