package mesg

import (
	"context"
	"encoding/binary"
	"sync"
)

// classBarrierArrive and classBarrierRelease are reserved class tags the
// Substrate wires up internally the first time Barrier is called; they do
// not collide with domain classes because gxy/renderset and gxy/trace
// start their own class numbering above classBarrierRelease (see each
// package's class constants).
const (
	classBarrierArrive  ClassTag = -1
	classBarrierRelease ClassTag = -2
)

type barrierState struct {
	mu      sync.Mutex
	arrived map[int]bool
	signal  chan struct{}
}

// Barrier blocks until every rank has called Barrier for the same epoch.
// Rank 0 coordinates: every other rank sends classBarrierArrive to rank 0
// and then waits for classBarrierRelease; rank 0 waits to observe an
// arrival from every other rank, then broadcasts classBarrierRelease.
func (s *Substrate) Barrier(ctx context.Context, epoch uint64) error {
	s.ensureBarrierHandlers()

	bs := s.barrierStateFor(epoch)

	if s.rank != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], epoch)
		if err := s.Send(ctx, 0, classBarrierArrive, buf[:]); err != nil {
			return err
		}
		select {
		case <-bs.signal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	bs.mu.Lock()
	bs.arrived[0] = true
	allIn := len(bs.arrived) == s.size
	bs.mu.Unlock()

	if allIn {
		s.releaseBarrier(ctx, bs, epoch)
		return nil
	}

	select {
	case <-bs.signal:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// releaseBarrier broadcasts classBarrierRelease to every non-root rank and
// closes bs.signal, unblocking both rank 0's own Barrier call (if it was
// the last arrival) and the handler-driven path below.
func (s *Substrate) releaseBarrier(ctx context.Context, bs *barrierState, epoch uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], epoch)
	for r := 1; r < s.size; r++ {
		_ = s.Send(ctx, r, classBarrierRelease, buf[:])
	}
	close(bs.signal)
}

func (s *Substrate) barrierStateFor(epoch uint64) *barrierState {
	v, _ := s.barrierOnce.LoadOrStore(epoch, &barrierState{
		arrived: make(map[int]bool),
		signal:  make(chan struct{}),
	})
	return v.(*barrierState)
}

func (s *Substrate) ensureBarrierHandlers() {
	s.mu.Lock()
	_, already := s.handlers[classBarrierArrive]
	s.mu.Unlock()
	if already {
		return
	}

	s.RegisterHandler(classBarrierArrive, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		epoch := binary.LittleEndian.Uint64(payload)
		bs := s.barrierStateFor(epoch)
		bs.mu.Lock()
		bs.arrived[sourceRank] = true
		release := len(bs.arrived) == s.size
		bs.mu.Unlock()
		if release {
			s.releaseBarrier(ctx, bs, epoch)
		}
		return true, nil
	})

	s.RegisterHandler(classBarrierRelease, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		epoch := binary.LittleEndian.Uint64(payload)
		bs := s.barrierStateFor(epoch)
		close(bs.signal)
		return true, nil
	})
}
