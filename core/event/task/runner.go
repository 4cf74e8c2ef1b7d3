package task

import "context"

// Runner is a task that has been prepared to run by an Executor. Invoking it
// executes the underlying Task and fires its signal on completion.
type Runner func()

// Prepare builds a new Handle/Runner pair for t. The runner must be invoked
// exactly once. Used by every Executor implementation when scheduling work.
func Prepare(ctx context.Context, t Task) (Handle, Runner) {
	var result error
	signal, fire := NewSignal()
	runner := func() {
		defer fire(ctx)
		if Stopped(ctx) {
			result = StopReason(ctx)
		} else {
			result = t(ctx)
		}
	}
	return Handle{signal, &result}, runner
}
