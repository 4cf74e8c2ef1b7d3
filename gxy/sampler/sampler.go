// Package sampler implements the sampler renderer variant named in
// spec.md §2 item 10: it reuses the whole trace/classify/forward loop but
// replaces HandleTerminatedRays entirely, extracting a particle position
// from every TERMINATED ray instead of turning it into a pixel color.
//
// Grounded on original_source/src/sampler/Sampler.cpp's
// HandleTerminatedRays: for each TERMINATED ray it either appends a
// Particle built from the ray's current origin directly onto the local
// Rendering's sample vector (if the rendering is owned by this rank), or
// stashes the ray into a Renderer::SendPixelsMsg bound for the owning
// rank otherwise. This package keeps that local/remote split but gives
// the remote path its own wire message (ClassSendSamples) rather than
// reusing gxy/trace's pixel-contribution codec, since a particle position
// has no X/Y pixel coordinate or color channels to share that layout with.
package sampler

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
	"github.com/gxy-project/gxy/gxy/renderset"
)

// Particle is one extracted sample, positioned where a ray's trajectory
// was cut short (original_source/src/sampler/Particles.h's Particle.xyz).
type Particle struct {
	Position f32.Vec3
}

// Store accumulates the Particles extracted for one Rendering. Safe for
// concurrent use: multiple trace goroutines and incoming ClassSendSamples
// messages may all append to the same rendering's store at once.
type Store struct {
	mu        sync.Mutex
	particles []Particle
}

// Add appends p to the store.
func (s *Store) Add(p Particle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.particles = append(s.particles, p)
}

// Snapshot returns a copy of the particles accumulated so far.
func (s *Store) Snapshot() []Particle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Particle, len(s.particles))
	copy(out, s.particles)
	return out
}

// Rendering is the per-rendering state the sampler needs: which rank owns
// it (and so which rank accumulates its Store directly vs. over the wire)
// and the RenderingSet it belongs to, so a remote sample batch's receipt
// can still update the right termination detector.
type Rendering struct {
	OwnerRank int
	SetKey    objkey.Key
	Store     *Store // nil unless OwnerRank == this rank
}

// Renderings resolves a RenderingKey to its owning rank, set, and (if
// local) sample store.
type Renderings interface {
	Rendering(key objkey.Key) (Rendering, bool)
}

// Sets resolves a RenderingSetKey to its termination-detector state.
type Sets interface {
	Set(key objkey.Key) *renderset.Set
}

// ClassSendSamples is this package's message class on the shared
// Substrate, reserved above gxy/trace's 100-102 block.
const ClassSendSamples mesg.ClassTag = 110

// Kernel is a gxy/trace.TerminationHandler that extracts particle samples
// instead of accumulating pixels.
type Kernel struct {
	Rank       int
	Sub        *mesg.Substrate
	Renderings Renderings
	Sets       Sets
}

// New builds a Kernel and registers its ClassSendSamples handler on sub.
func New(sub *mesg.Substrate, renderings Renderings, sets Sets) *Kernel {
	k := &Kernel{Rank: sub.Rank(), Sub: sub, Renderings: renderings, Sets: sets}
	sub.RegisterHandler(ClassSendSamples, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		return true, k.onSendSamples(payload)
	})
	return k
}

// HandleTerminated implements gxy/trace.TerminationHandler.
func (k *Kernel) HandleTerminated(ctx context.Context, set *renderset.Set, rl *raylist.RayList) error {
	var samples []Particle
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Terminated {
			continue
		}
		samples = append(samples, Particle{Position: rl.Origin(i)})
	}
	if len(samples) == 0 {
		return nil
	}

	rendering, ok := k.Renderings.Rendering(rl.Header.RenderingKey)
	if !ok {
		return errors.Errorf("sampler: no rendering registered for key %d", rl.Header.RenderingKey)
	}

	if rendering.OwnerRank == k.Rank {
		for _, p := range samples {
			rendering.Store.Add(p)
		}
		if set != nil {
			set.SentPixels(len(samples))
			set.ReceivedPixels(len(samples))
		}
		return nil
	}

	payload := encodeSamples(rl.Header.RenderingKey, samples)
	if err := k.Sub.Send(ctx, rendering.OwnerRank, ClassSendSamples, payload); err != nil {
		return errors.Wrapf(err, "sampler: send samples to rank %d", rendering.OwnerRank)
	}
	if set != nil {
		set.SentPixels(len(samples))
	}
	return nil
}

func (k *Kernel) onSendSamples(payload []byte) error {
	renderingKey, samples, err := decodeSamples(payload)
	if err != nil {
		return errors.Wrap(err, "sampler: decode ClassSendSamples")
	}
	rendering, ok := k.Renderings.Rendering(renderingKey)
	if !ok || rendering.Store == nil {
		return errors.Errorf("sampler: ClassSendSamples for unknown or non-local rendering %d", renderingKey)
	}
	for _, p := range samples {
		rendering.Store.Add(p)
	}
	if k.Sets != nil {
		if set := k.Sets.Set(rendering.SetKey); set != nil {
			set.ReceivedPixels(len(samples))
		}
	}
	return nil
}

// encodeSamples serializes a ClassSendSamples payload: the target
// rendering key, followed by each particle's xyz.
func encodeSamples(renderingKey objkey.Key, samples []Particle) []byte {
	w := binary.NewWriter()
	w.Int64(int64(renderingKey))
	w.Uint32(uint32(len(samples)))
	for _, p := range samples {
		w.Float32(p.Position[0])
		w.Float32(p.Position[1])
		w.Float32(p.Position[2])
	}
	return w.Bytes()
}

// decodeSamples is the inverse of encodeSamples.
func decodeSamples(data []byte) (objkey.Key, []Particle, error) {
	r := binary.NewReader(data)
	renderingKey := objkey.Key(r.Int64())
	n := r.Uint32()
	samples := make([]Particle, n)
	for i := range samples {
		samples[i] = Particle{Position: f32.Vec3{r.Float32(), r.Float32(), r.Float32()}}
	}
	return renderingKey, samples, r.Error()
}
