package mesg

import (
	"context"
	"testing"
	"time"

	"github.com/gxy-project/gxy/gxy/mesgpb"
)

func testFrame(class ClassTag, source int32, payload []byte) *mesgpb.Frame {
	return &mesgpb.Frame{ClassTag: int32(class), SourceRank: source, Payload: payload}
}

// TestDispatchRoutesToHandler exercises Substrate.dispatch directly (the
// core demultiplexing logic), independent of any network transport.
func TestDispatchRoutesToHandler(t *testing.T) {
	s := New(0, 2)
	var got []byte
	var gotSource int
	done := make(chan struct{})
	s.RegisterHandler(42, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		got = payload
		gotSource = sourceRank
		close(done)
		return true, nil
	})

	s.dispatch(context.Background(), testFrame(42, 1, []byte("hello")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	if string(got) != "hello" || gotSource != 1 {
		t.Fatalf("got payload=%q source=%d", got, gotSource)
	}
}

func TestDispatchFallsBackToCollectiveHandlerAsNonRoot(t *testing.T) {
	s := New(0, 2)
	invoked := make(chan bool, 1)
	s.RegisterCollective(7, func(ctx context.Context, payload []byte, root bool) error {
		invoked <- root
		return nil
	})
	s.dispatch(context.Background(), testFrame(7, 1, nil))
	select {
	case root := <-invoked:
		if root {
			t.Fatal("a dispatched (non-root) collective invocation must report root=false")
		}
	case <-time.After(time.Second):
		t.Fatal("collective handler was not invoked")
	}
}

func TestDispatchDropsUnregisteredClass(t *testing.T) {
	s := New(0, 2)
	// Neither RegisterHandler nor RegisterCollective was called for class 99;
	// dispatch must log and return rather than panic or block.
	done := make(chan struct{})
	go func() {
		s.dispatch(context.Background(), testFrame(99, 1, nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch of an unregistered class should return promptly")
	}
}

func TestNextSeqIsMonotonicPerDestAndClass(t *testing.T) {
	s := New(0, 4)
	a1 := s.nextSeq(1, 10)
	a2 := s.nextSeq(1, 10)
	b1 := s.nextSeq(1, 11)
	if a2 != a1+1 {
		t.Fatalf("expected monotonic sequence for (dest=1,class=10), got %d then %d", a1, a2)
	}
	if b1 != 1 {
		t.Fatalf("expected a distinct counter for a different class, got %d", b1)
	}
}

// A collective broadcast with no registered collective handler is a
// configuration error and must be reported, not silently ignored.
func TestBroadcastCollectiveWithoutHandlerErrors(t *testing.T) {
	s := New(0, 1) // single-rank group: no peers to fan out to
	if err := s.Broadcast(context.Background(), 123, nil, true); err == nil {
		t.Fatal("expected an error for a collective broadcast with no registered handler")
	}
}
