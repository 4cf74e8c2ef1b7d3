package crash

import (
	"sync"
	"testing"
)

// Crash is documented to re-panic after notifying reporters (that is the
// whole point: a worker's unrecoverable error is a fatal abort on that
// rank). We test that contract by recovering the re-thrown panic ourselves,
// in the same goroutine, rather than exercising Go (which would otherwise
// legitimately crash the test binary).
func TestCrashNotifiesReportersThenRepanics(t *testing.T) {
	var (
		mu   sync.Mutex
		seen interface{}
	)
	unregister := Register(func(e interface{}, stack []byte) {
		mu.Lock()
		seen = e
		mu.Unlock()
	})
	defer unregister()

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("expected re-panic with %q, got %v", "kaboom", r)
			}
		}()
		Crash("kaboom")
	}()

	mu.Lock()
	defer mu.Unlock()
	if seen != "kaboom" {
		t.Fatalf("expected reporter to observe %q, got %v", "kaboom", seen)
	}
}
