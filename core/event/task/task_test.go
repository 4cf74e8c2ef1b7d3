package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	exec, shutdown := Pool(4, 3)
	var count int32
	var handles []Handle
	for i := 0; i < 20; i++ {
		h := exec(context.Background(), func(context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		handles = append(handles, h)
	}
	events := &Events{}
	for _, h := range handles {
		events.Add(h)
	}
	if !events.Wait(context.Background()) {
		t.Fatal("events did not fire")
	}
	if got := atomic.LoadInt32(&count); got != 20 {
		t.Fatalf("expected 20 completed tasks, got %d", got)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHandleResultReturnsTaskError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	h := Go(context.Background(), func(context.Context) error {
		return wantErr
	})
	if err := h.Result(context.Background()); err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	var attempts int
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) (bool, error) {
		attempts++
		return false, context.Canceled
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if err != context.Canceled {
		t.Fatalf("expected last error to propagate, got %v", err)
	}
}
