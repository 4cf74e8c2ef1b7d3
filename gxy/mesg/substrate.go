// Package mesg is the messaging substrate (§4.1): broadcast, point-to-point
// send, and barrier, carried over a gRPC bidirectional stream per peer
// pair using the Frame envelope in gxy/mesgpb. Every class-tagged handler
// is invoked on the receive thread; delivery for a given (source,
// destination, class) triple preserves send order because each directed
// peer pair is multiplexed over exactly one gRPC stream, which guarantees
// FIFO delivery of everything sent on it -- a strictly stronger guarantee
// than the per-class ordering §4.1 requires.
//
// A handler that returns an error is reported through core/app/crash and
// the process aborts; nothing is retried. A receive error on a peer's
// stream, including a broken connection, is logged and ends that peer's
// receive loop; it does not abort the process.
package mesg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/gxy-project/gxy/core/app/crash"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/gxy/mesgpb"
)

// ClassTag identifies a message kind. The substrate itself is agnostic to
// what a class means; gxy/renderset, gxy/trace and gxy/registry each
// register handlers for the classes they own.
type ClassTag int32

// Handler processes one received message. free is vestigial (Go's garbage
// collector reclaims payload regardless) but kept so the call signature
// mirrors the original Work::Action's "should the receive thread free the
// buffer" return value, for any future zero-copy payload reuse.
type Handler func(ctx context.Context, sourceRank int, payload []byte) (free bool, err error)

// CollectiveHandler processes a collective broadcast under the group; root
// indicates this call is running on the rank that initiated the broadcast.
type CollectiveHandler func(ctx context.Context, payload []byte, root bool) error

// Substrate is one process's view of the cluster: its own rank, the peer
// list, and the class handler registry.
type Substrate struct {
	rank int
	size int
	ctx  context.Context

	mu          sync.RWMutex
	handlers    map[ClassTag]Handler
	collective  map[ClassTag]CollectiveHandler
	peers       map[int]*peerConn
	sendSeq     map[int]map[ClassTag]*uint64
	server      *grpc.Server
	barrierOnce sync.Map // in-flight barrier epoch -> *barrierState
	nextBarrier uint64
}

// frameStream is the part of mesgpb.Mesg_StreamClient and
// mesgpb.Mesg_StreamServer a peerConn needs; a single peer connection may
// be backed by either, depending on which side dialed the other.
type frameStream interface {
	Send(*mesgpb.Frame) error
	Recv() (*mesgpb.Frame, error)
}

type peerConn struct {
	rank   int
	conn   *grpc.ClientConn // nil for a connection accepted via Serve
	stream frameStream
	mu     sync.Mutex // serializes Send calls on the shared stream
}

// New returns a Substrate for this process, which is rank of size ranks
// total.
func New(rank, size int) *Substrate {
	return &Substrate{
		rank:       rank,
		size:       size,
		handlers:   make(map[ClassTag]Handler),
		collective: make(map[ClassTag]CollectiveHandler),
		peers:      make(map[int]*peerConn),
		sendSeq:    make(map[int]map[ClassTag]*uint64),
	}
}

// Rank returns this process's rank.
func (s *Substrate) Rank() int { return s.rank }

// Size returns the total number of ranks.
func (s *Substrate) Size() int { return s.size }

// RegisterHandler installs h as the point-to-point/broadcast handler for
// class. Must be called before Serve/Dial.
func (s *Substrate) RegisterHandler(class ClassTag, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[class] = h
}

// RegisterCollective installs h as the collective-broadcast handler for
// class.
func (s *Substrate) RegisterCollective(class ClassTag, h CollectiveHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collective[class] = h
}

// Serve accepts incoming peer streams on lis until ctx is cancelled.
func (s *Substrate) Serve(ctx context.Context, lis net.Listener) error {
	s.ctx = ctx
	srv := grpc.NewServer()
	mesgpb.RegisterMesgServer(srv, &mesgServer{s: s})
	s.server = srv
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	if err := srv.Serve(lis); err != nil {
		return errors.Wrap(err, "mesg: serve")
	}
	return nil
}

// Dial opens a client stream to the peer at rank with the given address.
// Call once per remote rank after Serve has started accepting locally.
func (s *Substrate) Dial(ctx context.Context, rank int, addr string) error {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return errors.Wrapf(err, "mesg: dial rank %d at %s", rank, addr)
	}
	client := mesgpb.NewMesgClient(conn)
	stream, err := client.Stream(ctx)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "mesg: open stream to rank %d", rank)
	}
	pc := &peerConn{rank: rank, conn: conn, stream: stream}
	s.mu.Lock()
	s.peers[rank] = pc
	s.mu.Unlock()

	crash.Go(func() { s.recvLoop(ctx, rank, stream) })
	return nil
}

// mesgServer adapts an accepted gRPC stream to the Substrate: the first
// frame on a newly accepted stream identifies the peer's rank, after which
// the stream is registered as that rank's peerConn (so Send can reply over
// it) and every subsequent frame is dispatched normally.
type mesgServer struct {
	s *Substrate
}

func (m *mesgServer) Stream(stream mesgpb.Mesg_StreamServer) error {
	ctx := stream.Context()
	f, err := stream.Recv()
	if err != nil {
		return err
	}
	rank := int(f.GetSourceRank())

	pc := &peerConn{rank: rank, stream: stream}
	m.s.mu.Lock()
	m.s.peers[rank] = pc
	m.s.mu.Unlock()

	m.s.dispatch(ctx, f)
	m.s.recvLoop(ctx, rank, stream)
	return nil
}

// recvLoop demultiplexes frames arriving on a peer's stream (whichever
// direction it was dialed) to the registered handler for their class.
func (s *Substrate) recvLoop(ctx context.Context, rank int, stream frameStream) {
	for {
		f, err := stream.Recv()
		if err != nil {
			log.E(ctx, "mesg: recv from rank %d: %v", rank, err)
			return
		}
		s.dispatch(ctx, f)
	}
}

// dispatch routes an arriving frame to its class's point-to-point handler
// if one is registered, otherwise to its collective handler (invoked as a
// non-root participant); a class with neither is a protocol error and the
// message is dropped and logged, matching §7's handling of an unknown-key
// message.
func (s *Substrate) dispatch(ctx context.Context, f *mesgpb.Frame) {
	class := ClassTag(f.GetClassTag())
	s.mu.RLock()
	h := s.handlers[class]
	ch := s.collective[class]
	s.mu.RUnlock()

	switch {
	case h != nil:
		if _, err := h(ctx, int(f.GetSourceRank()), f.GetPayload()); err != nil {
			crash.Crash(fmt.Sprintf("mesg: handler for class %d failed: %v", class, err))
		}
	case ch != nil:
		if err := ch(ctx, f.GetPayload(), false); err != nil {
			crash.Crash(fmt.Sprintf("mesg: collective handler for class %d failed: %v", class, err))
		}
	default:
		log.W(ctx, "mesg: no handler registered for class %d, dropping message from rank %d", class, f.GetSourceRank())
	}
}

// Send delivers payload to dest under class, point-to-point. Ordering
// relative to other Sends of the same class from this rank to dest is
// preserved.
func (s *Substrate) Send(ctx context.Context, dest int, class ClassTag, payload []byte) error {
	s.mu.RLock()
	pc, ok := s.peers[dest]
	s.mu.RUnlock()
	if !ok {
		return errors.Errorf("mesg: no connection to rank %d", dest)
	}
	seq := s.nextSeq(dest, class)
	pc.mu.Lock()
	err := pc.stream.Send(&mesgpb.Frame{ClassTag: int32(class), SourceRank: int32(s.rank), Seq: seq, Payload: payload})
	pc.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "mesg: send class %d to rank %d", class, dest)
	}
	return nil
}

func (s *Substrate) nextSeq(dest int, class ClassTag) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	byClass, ok := s.sendSeq[dest]
	if !ok {
		byClass = make(map[ClassTag]*uint64)
		s.sendSeq[dest] = byClass
	}
	ctr, ok := byClass[class]
	if !ok {
		var zero uint64
		ctr = &zero
		byClass[class] = ctr
	}
	return atomic.AddUint64(ctr, 1)
}

// Broadcast sends payload under class to every rank other than this one.
// If collective is false this is a fan-out of asynchronous point-to-point
// sends (§4.1's non-collective broadcast) and nothing runs on this rank;
// callers that need "blocking" semantics pass true, which additionally
// invokes this rank's CollectiveHandler for class directly (as root)
// instead of sending to itself, and returns once that handler returns --
// after every recipient's handler has completed only if the collective
// handler itself runs a barrier.
func (s *Substrate) Broadcast(ctx context.Context, class ClassTag, payload []byte, collective bool) error {
	for r := 0; r < s.size; r++ {
		if r == s.rank {
			continue
		}
		if err := s.Send(ctx, r, class, payload); err != nil {
			return err
		}
	}
	if !collective {
		return nil
	}
	s.mu.RLock()
	h := s.collective[class]
	s.mu.RUnlock()
	if h == nil {
		return errors.Errorf("mesg: no collective handler registered for class %d", class)
	}
	return h(ctx, payload, true)
}
