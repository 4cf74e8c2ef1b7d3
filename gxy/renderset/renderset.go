// Package renderset implements the per-RenderingSet termination detector
// (§4.8): the reduction-tree counters, eager asynchronous propagation up
// the tree, and the root-initiated synchronous collective verification
// that WaitForDone blocks on.
//
// Grounded on original_source/src/renderer/RenderingSet.h: the counter
// set (local_raylist_count, local_inflight_count, n_pix_sent/received,
// activeCameraCount), the fixed binary reduction tree
// (left/right/parent), the currently_busy/last_busy bookkeeping, and the
// PropagateStateMsg / SynchronousCheckMsg / ResetMsg message classes. The
// pthread mutex+condvar pairing (Lock/Unlock/Signal/Wait) becomes a plain
// sync.Mutex plus a channel that WaitForDone selects on.
package renderset

import (
	"context"
	"sync"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
)

// Message classes this package owns on the shared Substrate. Picked well
// above mesg's internal barrier class tags (which are negative) and left
// room below for gxy/trace's SendRaysMsg/AckRaysMsg/SendPixelsMsg classes.
const (
	ClassPropagateState   mesg.ClassTag = 200
	ClassSynchronousCheck mesg.ClassTag = 201
	ClassReduceSum        mesg.ClassTag = 202
	ClassFrameDone        mesg.ClassTag = 203
	ClassReset            mesg.ClassTag = 204
)

// QueueControl lets a Set pause/resume the local ray queue manager during
// synchronous verification (§4.8 step 1/5) without renderset importing
// gxy/rayqueue; the caller wires up the real Manager's Pause/Resume.
type QueueControl interface {
	Pause()
	Resume()
}

// Set is one process's state for one RenderingSet: its counters, its
// position in the reduction tree, and the machinery to detect when every
// rank has gone quiescent for the current frame.
type Set struct {
	key   objkey.Key
	sub   *mesg.Substrate
	queue QueueControl

	rank, size            int
	parent, left, right   int // -1 when absent

	mu                     sync.Mutex
	localRayListCount      int
	localInflightSendCount int
	pixelsSent             int
	pixelsReceived         int
	activeCameraCount      int
	leftBusy, rightBusy    bool
	currentlyBusy          bool
	lastReportedBusy       bool
	currentFrame           int32
	nextFrame              int32

	reduce *reduceCollect
	frame  chan struct{} // closed when the current frame is verified quiescent
}

var (
	registryMu sync.RWMutex
	registry   = map[regKey]*Set{}

	handlersMu sync.Mutex
	handlers   = map[*mesg.Substrate]*sync.Once{}
)

type regKey struct {
	sub *mesg.Substrate
	key objkey.Key
}

// New creates the local state for RenderingSet key on sub, wiring the
// reduction-tree position from sub's rank/size, and registers this
// Substrate's class handlers the first time it is used.
func New(sub *mesg.Substrate, key objkey.Key, queue QueueControl) *Set {
	ensureHandlers(sub)

	rank, size := sub.Rank(), sub.Size()
	s := &Set{
		key: key, sub: sub, queue: queue,
		rank: rank, size: size,
		parent: (rank - 1) / 2,
		left:   2*rank + 1,
		right:  2*rank + 2,
		frame:  make(chan struct{}),
	}
	if rank == 0 {
		s.parent = -1
	}
	if s.left >= size {
		s.left = -1
	}
	if s.right >= size {
		s.right = -1
	}

	registryMu.Lock()
	registry[regKey{sub, key}] = s
	registryMu.Unlock()
	return s
}

func lookup(sub *mesg.Substrate, key objkey.Key) *Set {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[regKey{sub, key}]
}

// IncrementRayListCount records a RayList as enqueued or in-flight
// locally. If silent, no upward notification is triggered even if the
// busy state changed -- used while spawning a batch of initial rays so
// the tree isn't hammered with one PropagateStateMsg per ray list.
func (s *Set) IncrementRayListCount(silent bool) {
	s.mu.Lock()
	s.localRayListCount++
	s.mu.Unlock()
	if !silent {
		s.checkLocalState()
	}
}

// DecrementRayListCount reduces the local ray-list count by one, called
// when a trace task finishes a RayList. An arriving AckRaysMsg goes to
// DecrementInFlightSendCount instead.
func (s *Set) DecrementRayListCount() {
	s.mu.Lock()
	s.localRayListCount--
	s.mu.Unlock()
	s.checkLocalState()
}

// IncrementInFlightSendCount records a RayList sent to another rank,
// awaiting AckRaysMsg.
func (s *Set) IncrementInFlightSendCount() {
	s.mu.Lock()
	s.localInflightSendCount++
	s.mu.Unlock()
	s.checkLocalState()
}

// DecrementInFlightSendCount records receipt of an AckRaysMsg.
func (s *Set) DecrementInFlightSendCount() {
	s.mu.Lock()
	s.localInflightSendCount--
	s.mu.Unlock()
	s.checkLocalState()
}

// SentPixels increments pixels_sent by k, called at SendPixelsMsg send
// time (and for pixels accumulated directly into a locally-owned
// rendering, so both paths count identically).
func (s *Set) SentPixels(k int) {
	s.mu.Lock()
	s.pixelsSent += k
	s.mu.Unlock()
	s.checkLocalState()
}

// ReceivedPixels increments pixels_received by k, called on SendPixelsMsg
// arrival (and, symmetrically, immediately for local accumulation).
func (s *Set) ReceivedPixels(k int) {
	s.mu.Lock()
	s.pixelsReceived += k
	s.mu.Unlock()
	s.checkLocalState()
}

// IncrementActiveCameraCount marks that primary-ray generation is in
// progress for a camera in this set.
func (s *Set) IncrementActiveCameraCount() {
	s.mu.Lock()
	s.activeCameraCount++
	s.mu.Unlock()
	s.checkLocalState()
}

// DecrementActiveCameraCount marks that a camera finished generating its
// primary rays.
func (s *Set) DecrementActiveCameraCount() {
	s.mu.Lock()
	s.activeCameraCount--
	s.mu.Unlock()
	s.checkLocalState()
}

// checkLocalState recomputes currently_busy and, if it changed, either
// notifies the parent (non-root) or, if this is the root and busy just
// went false, kicks off the synchronous verification (§4.8's
// asynchronous eager-propagation rule).
func (s *Set) checkLocalState() {
	s.mu.Lock()
	busy := s.activeCameraCount > 0 ||
		s.localRayListCount > 0 ||
		s.localInflightSendCount > 0 ||
		s.pixelsSent != s.pixelsReceived ||
		s.leftBusy || s.rightBusy
	s.currentlyBusy = busy
	changed := busy != s.lastReportedBusy
	if changed {
		s.lastReportedBusy = busy
	}
	parent := s.parent
	s.mu.Unlock()

	if !changed {
		return
	}
	if parent != -1 {
		s.sendPropagateState(busy)
		return
	}
	if !busy {
		s.beginSynchronousCheck()
	}
}

func (s *Set) sendPropagateState(busy bool) {
	w := binary.NewWriter()
	w.Int64(int64(s.key))
	w.Bool(busy)
	ctx := context.Background()
	if err := s.sub.Send(ctx, s.parent, ClassPropagateState, w.Bytes()); err != nil {
		log.E(ctx, "renderset: propagate state to parent %d: %v", s.parent, err)
	}
}

func (s *Set) onPropagateState(ctx context.Context, sourceRank int, payload []byte) {
	r := binary.NewReader(payload)
	_ = r.Int64() // key, already used to route to this Set by ensureHandlers
	busy := r.Bool()

	s.mu.Lock()
	if sourceRank == s.left {
		s.leftBusy = busy
	} else if sourceRank == s.right {
		s.rightBusy = busy
	}
	s.mu.Unlock()

	s.checkLocalState()
}

// beginSynchronousCheck is called only on the root, only when its own
// currently_busy just transitioned to false. It broadcasts
// SynchronousCheckMsg collectively; every rank's collective handler pauses
// its queue, re-reads counters, and participates in a tree-sum reduction
// of the residual (ray lists + in-flight sends + pixels_sent-received).
func (s *Set) beginSynchronousCheck() {
	w := binary.NewWriter()
	w.Int64(int64(s.key))
	ctx := context.Background()
	if err := s.sub.Broadcast(ctx, ClassSynchronousCheck, w.Bytes(), true); err != nil {
		log.E(ctx, "renderset: synchronous check broadcast: %v", err)
	}
}

// runSynchronousCheck executes the per-rank collective handler body,
// identical whether this rank is root or not: pause, snapshot, reduce,
// (root only) decide and broadcast the verdict, resume.
func (s *Set) runSynchronousCheck(ctx context.Context, root bool) error {
	if s.queue != nil {
		s.queue.Pause()
	}
	defer func() {
		if s.queue != nil {
			s.queue.Resume()
		}
	}()

	s.mu.Lock()
	residual := int64(s.localRayListCount) + int64(s.localInflightSendCount) + int64(s.pixelsSent-s.pixelsReceived)
	left, right := s.left, s.right
	s.mu.Unlock()

	rc := newReduceCollect(left, right)
	s.mu.Lock()
	s.reduce = rc
	s.mu.Unlock()

	if left != -1 || right != -1 {
		<-rc.ready
	}
	total := residual + rc.sum()

	if s.parent != -1 {
		w := binary.NewWriter()
		w.Int64(int64(s.key))
		w.Int64(total)
		return s.sub.Send(ctx, s.parent, ClassReduceSum, w.Bytes())
	}

	// Root: total is the grand sum across every rank.
	done := total == 0
	w := binary.NewWriter()
	w.Int64(int64(s.key))
	w.Bool(done)
	if err := s.sub.Broadcast(ctx, ClassFrameDone, w.Bytes(), false); err != nil {
		return err
	}
	if done {
		s.signalDone()
	}
	return nil
}

func (s *Set) onReduceSum(sourceRank int, total int64) {
	s.mu.Lock()
	rc := s.reduce
	s.mu.Unlock()
	if rc == nil {
		return
	}
	rc.contribute(sourceRank, total)
}

func (s *Set) onFrameDone(done bool) {
	if done {
		s.signalDone()
	}
}

func (s *Set) signalDone() {
	s.mu.Lock()
	select {
	case <-s.frame:
		// already signaled for this frame
	default:
		close(s.frame)
	}
	s.mu.Unlock()
}

// BeginFrame arms a fresh completion signal for the next render, to be
// observed by a subsequent WaitForDone call.
func (s *Set) BeginFrame(frame int32) {
	s.mu.Lock()
	s.currentFrame = frame
	s.frame = make(chan struct{})
	s.mu.Unlock()
}

// WaitForDone blocks until the synchronous verification has confirmed
// every rank's residual is zero for the current frame, or ctx is done.
func (s *Set) WaitForDone(ctx context.Context) error {
	s.mu.Lock()
	ch := s.frame
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reduceCollect accumulates the tree-sum contribution from each existing
// child before a node forwards the combined total to its own parent.
type reduceCollect struct {
	mu            sync.Mutex
	wantLeft      bool
	wantRight     bool
	haveLeft      bool
	haveRight     bool
	leftSum       int64
	rightSum      int64
	ready         chan struct{}
	readyClosed   bool
}

func newReduceCollect(left, right int) *reduceCollect {
	return &reduceCollect{
		wantLeft:  left != -1,
		wantRight: right != -1,
		ready:     make(chan struct{}),
	}
}

func (rc *reduceCollect) contribute(fromRank int, total int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	// Either child slot accepts the contribution; this package doesn't
	// track which physical rank is "left" vs "right" here since the
	// caller (onReduceSum) only has the sender's rank, and Set already
	// knows left/right ranks -- simpler to just fill whichever slot is
	// still open.
	if !rc.haveLeft && rc.wantLeft {
		rc.haveLeft = true
		rc.leftSum = total
	} else if !rc.haveRight && rc.wantRight {
		rc.haveRight = true
		rc.rightSum = total
	}
	if (!rc.wantLeft || rc.haveLeft) && (!rc.wantRight || rc.haveRight) && !rc.readyClosed {
		rc.readyClosed = true
		close(rc.ready)
	}
}

func (rc *reduceCollect) sum() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.leftSum + rc.rightSum
}

// ensureHandlers registers this package's Substrate handlers exactly once
// per Substrate; each handler reads the RenderingSet key prefixing its
// payload and routes to the corresponding local Set.
func ensureHandlers(sub *mesg.Substrate) {
	handlersMu.Lock()
	once, ok := handlers[sub]
	if !ok {
		once = &sync.Once{}
		handlers[sub] = once
	}
	handlersMu.Unlock()

	once.Do(func() { installHandlers(sub) })
}

func installHandlers(sub *mesg.Substrate) {
	sub.RegisterHandler(ClassPropagateState, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		key := keyOf(payload)
		if s := lookup(sub, key); s != nil {
			s.onPropagateState(ctx, sourceRank, payload)
		}
		return true, nil
	})

	sub.RegisterCollective(ClassSynchronousCheck, func(ctx context.Context, payload []byte, root bool) error {
		key := keyOf(payload)
		if s := lookup(sub, key); s != nil {
			return s.runSynchronousCheck(ctx, root)
		}
		return nil
	})

	sub.RegisterHandler(ClassReduceSum, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		key := keyOf(payload)
		r := binary.NewReader(payload)
		_ = r.Int64()
		total := r.Int64()
		if s := lookup(sub, key); s != nil {
			s.onReduceSum(sourceRank, total)
		}
		return true, nil
	})

	sub.RegisterHandler(ClassFrameDone, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		key := keyOf(payload)
		r := binary.NewReader(payload)
		_ = r.Int64()
		done := r.Bool()
		if s := lookup(sub, key); s != nil {
			s.onFrameDone(done)
		}
		return true, nil
	})

	sub.RegisterHandler(ClassReset, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		key := keyOf(payload)
		if s := lookup(sub, key); s != nil {
			s.localReset()
		}
		return true, nil
	})
}

func keyOf(payload []byte) objkey.Key {
	r := binary.NewReader(payload)
	return objkey.Key(r.Int64())
}

// Reset broadcasts ResetMsg for this set and then resets this rank too, so
// every rank (including this one) zeroes this set's counters. Queued
// RayLists and framebuffers are not touched.
func (s *Set) Reset(ctx context.Context) error {
	w := binary.NewWriter()
	w.Int64(int64(s.key))
	if err := s.sub.Broadcast(ctx, ClassReset, w.Bytes(), false); err != nil {
		return err
	}
	s.localReset()
	return nil
}

// localReset clears this rank's counters for the set. It does not drop
// queued RayLists or clear framebuffers; only the bookkeeping this package
// owns is reset.
func (s *Set) localReset() {
	s.mu.Lock()
	s.localRayListCount = 0
	s.localInflightSendCount = 0
	s.pixelsSent = 0
	s.pixelsReceived = 0
	s.activeCameraCount = 0
	s.leftBusy, s.rightBusy = false, false
	s.currentlyBusy, s.lastReportedBusy = false, false
	s.mu.Unlock()
}

// IsActive reports whether frame is still the set's current frame. A
// camera-ray-generation tile in flight for a frame a newer RayList has
// already superseded checks this before enqueueing its output, so a slow
// tile's rays are dropped instead of polluting a frame nothing is waiting
// on anymore.
func (s *Set) IsActive(frame int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frame == s.currentFrame
}

// Busy reports this rank's most recently computed currently_busy value.
func (s *Set) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentlyBusy
}

// NeedInitialRays returns the frame number primary-ray generation should
// target, or -1 if a later ray list has already been observed for this
// set (§4.8 pipelining: never regenerate rays for a frame we've already
// moved past).
func (s *Set) NeedInitialRays() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextFrame <= s.currentFrame {
		return -1
	}
	return s.nextFrame
}

// AdvanceFrame records that a RayList for newFrame has been observed,
// advancing current_frame if newFrame is later.
func (s *Set) AdvanceFrame(newFrame int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newFrame > s.currentFrame {
		s.currentFrame = newFrame
	}
	if newFrame > s.nextFrame {
		s.nextFrame = newFrame
	}
}
