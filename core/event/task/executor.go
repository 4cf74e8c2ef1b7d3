package task

import (
	"context"

	"github.com/gxy-project/gxy/core/app/crash"
)

// Executor is the signature of a function that executes a Task. When the
// task actually runs depends on the specific Executor.
type Executor func(ctx context.Context, t Task) Handle

// Direct is a synchronous Executor that runs the task before returning.
func Direct(ctx context.Context, t Task) Handle {
	h, r := Prepare(ctx, t)
	r()
	return h
}

// Go is an asynchronous Executor that starts a new goroutine to run the task.
func Go(ctx context.Context, t Task) Handle {
	h, r := Prepare(ctx, t)
	crash.Go(r)
	return h
}

// Pool returns an Executor backed by a fixed-size goroutine pool (the
// thread pool of §4.2) and a shutdown Task that drains it. parallel is the
// number of worker goroutines (must be > 0); queue is the depth of the
// submission channel (0 means addTask blocks until a worker is free). The
// shutdown task may be called only once; calling the executor again
// afterwards is an error.
func Pool(queue int, parallel int) (Executor, Task) {
	q := make(chan Runner, queue)
	for i := 0; i < parallel; i++ {
		crash.Go(func() {
			for r := range q {
				r()
			}
		})
	}
	executor := func(ctx context.Context, t Task) Handle {
		h, r := Prepare(ctx, t)
		q <- r
		return h
	}
	shutdown := func(context.Context) error {
		close(q)
		return nil
	}
	return executor, shutdown
}

// Batch wraps executor so that every Handle it returns is also recorded in
// signals; used by camera tile generation to know when every tile task it
// has submitted for a frame has completed.
func Batch(executor Executor, signals *Events) Executor {
	return func(ctx context.Context, t Task) Handle {
		h := executor(ctx, t)
		signals.Add(h)
		return h
	}
}
