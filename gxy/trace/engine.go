// Package trace implements the per-ray-list pipeline spec.md §4.6 assigns
// to the renderer: Trace -> Classify -> AssignDestinations ->
// HandleTerminated/Forward -> SpawnSecondaries. An Engine owns no state of
// its own beyond its collaborators -- the ray queue, the wire substrate,
// the termination detector, the frame buffers -- and exists to wire those
// together exactly the way original_source/src/renderer/TraceRays.h's
// Trace method and RenderingSet.h's counter bookkeeping are wired in the
// original.
package trace

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/framebuffer"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
	"github.com/gxy-project/gxy/gxy/renderset"
	"github.com/gxy-project/gxy/gxy/wire"
)

// Message classes this package owns on the shared Substrate. Kept below
// gxy/renderset's 200-204 block, which explicitly reserves that range and
// leaves room below it for this package.
const (
	ClassSendRays   mesg.ClassTag = 100
	ClassAckRays    mesg.ClassTag = 101
	ClassSendPixels mesg.ClassTag = 102
)

// Queue is the subset of gxy/rayqueue.Manager the engine needs: enqueueing
// newly forwarded or spawned lists. Declared here (not imported as a
// concrete type) so trace does not need to know about rayqueue's pump-loop
// machinery, only that it can hand a list off.
type Queue interface {
	Enqueue(list *raylist.RayList, silent bool)
}

// Rendering is the per-rendering state the engine needs to resolve pixel
// destinations: which rank owns it, the RenderingSet it belongs to (so an
// arriving SendPixelsMsg -- which carries only the rendering key, not the
// set key -- can still update the right termination detector), and (only
// on the owning rank) the FrameBuffer to accumulate into.
type Rendering struct {
	OwnerRank   int
	SetKey      objkey.Key
	FrameBuffer *framebuffer.FrameBuffer // nil unless OwnerRank == this rank
}

// Renderings resolves a RenderingKey to its owning rank and (if local)
// frame buffer. gxy/registry's Table satisfies this once built; tests use
// a plain map.
type Renderings interface {
	Rendering(key objkey.Key) (Rendering, bool)
}

// Visualizations resolves the dataset+mapping a RenderingKey traces
// against. One Visualization per rendering per rank (every rank holds its
// own local sub-box view of the same dataset).
type Visualizations interface {
	Visualization(key objkey.Key) (*kernel.Visualization, bool)
}

// Sets resolves a RenderingSetKey to its termination-detector state.
type Sets interface {
	Set(key objkey.Key) *renderset.Set
}

// TerminationHandler replaces the engine's default TERMINATED-ray handling
// (accumulate R/G/B/O as a pixel, locally or via SendPixelsMsg) with a
// renderer-specific one. spec.md §2 item 10 describes the sampler and
// Schlieren renderer variants as reusing the whole trace/classify/forward
// loop but "replacing HandleTerminatedRays and the pixel semantics" --
// gxy/sampler extracts particle positions instead of colors, so it cannot
// be expressed as a ShadeKernel (which only gets to influence R/G/B/O
// before the engine's own gather, not take over the gather itself).
type TerminationHandler interface {
	HandleTerminated(ctx context.Context, set *renderset.Set, rl *raylist.RayList) error
}

// SecondaryConfig controls whether and how AO/shadow rays are spawned
// after a primary ray's surface hit (§4.6 step 6). A nil *SecondaryConfig
// disables secondary-ray spawning entirely.
type SecondaryConfig struct {
	Lights        *kernel.Lighting
	ShadowEpsilon float32 // offset along the normal before casting a shadow ray; 0 selects 1e-3

	AOSamples int     // number of AO rays per primary surface hit; 0 disables AO
	AORadius  float32 // AO ray tMax
	AOWeight  float32 // contribution each surviving AO ray adds; 0 selects 1/AOSamples
}

// Engine runs the trace loop for one rank.
type Engine struct {
	Rank  int
	Sub   *mesg.Substrate
	Queue Queue

	Renderings     Renderings
	Visualizations Visualizations
	Sets           Sets

	TraceKernel kernel.TraceKernel
	ShadeKernel kernel.ShadeKernel
	Secondary   *SecondaryConfig

	// Termination, if set, replaces handleTerminated entirely (e.g.
	// gxy/sampler's particle extraction). Left nil for ordinary rendering.
	Termination TerminationHandler
}

// New registers this engine's message handlers on sub and returns an
// Engine ready to have its Trace method used as a rayqueue.TraceFunc.
func New(sub *mesg.Substrate, queue Queue, renderings Renderings, visualizations Visualizations, sets Sets, tk kernel.TraceKernel, sk kernel.ShadeKernel, secondary *SecondaryConfig) *Engine {
	e := &Engine{
		Rank: sub.Rank(), Sub: sub, Queue: queue,
		Renderings: renderings, Visualizations: visualizations, Sets: sets,
		TraceKernel: tk, ShadeKernel: sk, Secondary: secondary,
	}
	e.installHandlers()
	return e
}

// Trace runs the full per-ray-list pipeline for rl. It is the TraceFunc a
// gxy/rayqueue.Manager invokes once per dequeued list.
func (e *Engine) Trace(ctx context.Context, rl *raylist.RayList) error {
	vis, ok := e.Visualizations.Visualization(rl.Header.RenderingKey)
	if !ok {
		return errors.Errorf("trace: no visualization registered for rendering %d", rl.Header.RenderingKey)
	}

	if err := e.TraceKernel.Trace(ctx, vis, rl); err != nil {
		return errors.Wrap(err, "trace: kernel trace step")
	}

	e.classify(rl)
	e.assignDestinations(vis, rl)

	if e.ShadeKernel != nil {
		if err := e.ShadeKernel.Shade(ctx, e.lightsFor(), rl); err != nil {
			return errors.Wrap(err, "trace: kernel shade step")
		}
	}

	set := e.Sets.Set(rl.Header.RenderingSetKey)

	termination := e.Termination
	var err error
	if termination != nil {
		err = termination.HandleTerminated(ctx, set, rl)
	} else {
		err = e.handleTerminated(ctx, set, rl)
	}
	if err != nil {
		return err
	}
	if err := e.forward(ctx, set, rl, vis); err != nil {
		return err
	}
	e.reenqueueKeepHere(rl)
	e.spawnSecondaries(rl)

	return nil
}

func (e *Engine) lightsFor() *kernel.Lighting {
	if e.Secondary != nil {
		return e.Secondary.Lights
	}
	return &kernel.Lighting{}
}

// classify assigns each Undetermined ray's Classification per §4.6 step 2.
// Primary and Secondary rays are classified by different rules even
// though both observe the same TermFlag bitmask: a SURFACE hit means
// "opaque geometry" for a primary but "occluded" for a secondary.
func (e *Engine) classify(rl *raylist.RayList) {
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Undetermined {
			continue
		}
		term := raylist.TermFlag(rl.Term[i])
		switch raylist.Type(rl.RayType[i]) {
		case raylist.Secondary:
			rl.Classification[i] = int32(classifySecondary(term))
		default:
			rl.Classification[i] = int32(classifyPrimary(term))
		}
	}
}

func classifyPrimary(term raylist.TermFlag) raylist.Class {
	switch {
	case term&raylist.FlagSurface != 0 && term&raylist.FlagOpaque != 0:
		return raylist.Terminated
	case term&raylist.FlagSurface != 0:
		return raylist.KeepHere
	case term&raylist.FlagBoundary != 0:
		return raylist.Boundary
	case term&raylist.FlagTimeout != 0:
		return raylist.Terminated
	default:
		return raylist.Undetermined
	}
}

func classifySecondary(term raylist.TermFlag) raylist.Class {
	switch {
	case term&raylist.FlagSurface != 0:
		return raylist.DropOnFloor
	case term&raylist.FlagTimeout != 0:
		return raylist.Terminated
	case term&raylist.FlagBoundary != 0:
		return raylist.Boundary
	default:
		return raylist.Undetermined
	}
}

// assignDestinations resolves every BOUNDARY ray's neighbor rank (§4.6
// step 3), overwriting Classification in place with that rank, or
// reclassifying TERMINATED with EXTERNAL_BOUNDARY set if the ray left the
// global box.
func (e *Engine) assignDestinations(vis *kernel.Visualization, rl *raylist.RayList) {
	box := vis.LocalBox()
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Boundary {
			continue
		}
		face, _ := vis.Partitioning.ExitFace(box, rl.Origin(i), rl.Direction(i), rl.TMax[i])
		neighbor := -1
		if face >= 0 {
			neighbor = vis.Partitioning.Neighbors(e.Rank)[face]
		}
		if neighbor < 0 {
			rl.Term[i] |= int32(raylist.FlagExternalBoundary)
			rl.Classification[i] = int32(raylist.Terminated)
			continue
		}
		rl.Classification[i] = int32(neighbor)
	}
}

// handleTerminated gathers every TERMINATED ray, accumulates locally-owned
// pixels directly and sends the rest via SendPixelsMsg (§4.6 step 4).
// pixels_sent is incremented for both paths -- a local accumulation is
// "sent to and received by this same rank" in one step -- matching the
// two-rank scenario in spec.md §8 where pixels_sent==pixels_received==1
// even on the rank that both traces and owns the rendering.
func (e *Engine) handleTerminated(ctx context.Context, set *renderset.Set, rl *raylist.RayList) error {
	var local []framebuffer.Contribution
	var remote []wire.PixelContribution
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Terminated {
			continue
		}
		x, y := int(rl.X[i]), int(rl.Y[i])
		px := framebuffer.Pixel{R: rl.R[i], G: rl.G[i], B: rl.B[i], A: rl.O[i]}
		local = append(local, framebuffer.Contribution{X: x, Y: y, Value: px})
		remote = append(remote, wire.PixelContribution{X: rl.X[i], Y: rl.Y[i], R: px.R, G: px.G, B: px.B, A: px.A})
	}
	if len(local) == 0 {
		return nil
	}

	rendering, ok := e.Renderings.Rendering(rl.Header.RenderingKey)
	if !ok {
		return errors.Errorf("trace: no rendering registered for key %d", rl.Header.RenderingKey)
	}

	if rendering.OwnerRank == e.Rank {
		rendering.FrameBuffer.AddPixels(rl.Header.Frame, local)
		if set != nil {
			set.SentPixels(len(local))
			set.ReceivedPixels(len(local))
		}
		return nil
	}

	payload := wire.EncodePixelBatch(rl.Header.RenderingKey, rl.Header.Frame, remote)
	if err := e.Sub.Send(ctx, rendering.OwnerRank, ClassSendPixels, payload); err != nil {
		return errors.Wrapf(err, "trace: send pixels to rank %d", rendering.OwnerRank)
	}
	if set != nil {
		set.SentPixels(len(remote))
	}
	return nil
}

// forward groups BOUNDARY rays (Classification now holding a destination
// rank) by that rank and sends each group as one or more RayLists via
// SendRaysMsg (§4.6 step 5), pushing each ray's origin past the partition
// face by Fuzz so the receiving rank's own Contains test admits it on the
// very next trace step.
func (e *Engine) forward(ctx context.Context, set *renderset.Set, rl *raylist.RayList, vis *kernel.Visualization) error {
	byDest := map[int][]int{}
	n := rl.Len()
	for i := 0; i < n; i++ {
		c := rl.Classification[i]
		if c < 0 {
			continue
		}
		byDest[int(c)] = append(byDest[int(c)], i)
	}
	if len(byDest) == 0 {
		return nil
	}

	fuzz := vis.Partitioning.Fuzz()
	for dest, idx := range byDest {
		out := raylist.New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), len(idx), rl.Header.Type)
		for j, i := range idx {
			raylist.CopyRay(rl, i, out, j)
			o := rl.Origin(i)
			d := rl.Direction(i)
			t := rl.T[i]
			out.SetOrigin(j, f32.Add3D(o, d.Scale(t+fuzz)))
			out.T[j] = 0
			out.TMax[j] = rl.TMax[i] - t
			out.Classification[j] = int32(raylist.Undetermined)
		}
		for _, sub := range raylist.Split(out, raylist.Rmax) {
			if err := e.sendRayList(ctx, set, dest, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) sendRayList(ctx context.Context, set *renderset.Set, dest int, list *raylist.RayList) error {
	if set != nil {
		set.IncrementInFlightSendCount()
	}
	if dest == e.Rank {
		// Loopback: no wire round trip, but still bookkeep as if an
		// AckRaysMsg had been exchanged, since the receiving side is this
		// same process.
		e.Queue.Enqueue(list, false)
		if set != nil {
			set.DecrementInFlightSendCount()
		}
		return nil
	}
	payload := wire.EncodeRayList(list)
	if err := e.Sub.Send(ctx, dest, ClassSendRays, payload); err != nil {
		return errors.Wrapf(err, "trace: send rays to rank %d", dest)
	}
	return nil
}

// reenqueueKeepHere re-enqueues every ray classified KEEP_HERE (a
// translucent surface hit) for another trace pass, advanced just past the
// hit point so the next Trace call continues beyond it.
func (e *Engine) reenqueueKeepHere(rl *raylist.RayList) {
	var idx []int
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) == raylist.KeepHere {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return
	}
	const epsilon = 1e-4
	out := raylist.New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), len(idx), rl.Header.Type)
	for j, i := range idx {
		raylist.CopyRay(rl, i, out, j)
		o := rl.Origin(i)
		d := rl.Direction(i)
		t := rl.T[i]
		out.SetOrigin(j, f32.Add3D(o, d.Scale(t+epsilon)))
		out.T[j] = 0
		out.TMax[j] = rl.TMax[i] - t
		out.Classification[j] = int32(raylist.Undetermined)
	}
	e.Queue.Enqueue(out, false)
}

// spawnSecondaries produces AO and/or shadow RayLists for every primary
// ray whose Term carries FlagSurface (§4.6 step 6), enqueueing them
// locally -- a surface hit's secondaries start in the same sub-box as the
// primary that spawned them.
func (e *Engine) spawnSecondaries(rl *raylist.RayList) {
	if e.Secondary == nil || rl.Header.Type != raylist.Primary {
		return
	}
	var hits []int
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.TermFlag(rl.Term[i])&raylist.FlagSurface != 0 {
			hits = append(hits, i)
		}
	}
	if len(hits) == 0 {
		return
	}

	eps := e.Secondary.ShadowEpsilon
	if eps <= 0 {
		eps = 1e-3
	}

	if e.Secondary.Lights != nil {
		for _, lt := range e.Secondary.Lights.Lights {
			list := raylist.New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), len(hits), raylist.Secondary)
			for j, i := range hits {
				e.fillShadowRay(list, j, rl, i, lt, eps)
			}
			e.Queue.Enqueue(list, false)
		}
	}

	if e.Secondary.AOSamples > 0 {
		weight := e.Secondary.AOWeight
		if weight <= 0 {
			weight = 1.0 / float32(e.Secondary.AOSamples)
		}
		for s := 0; s < e.Secondary.AOSamples; s++ {
			list := raylist.New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), len(hits), raylist.Secondary)
			for j, i := range hits {
				e.fillAORay(list, j, rl, i, s, weight, eps)
			}
			e.Queue.Enqueue(list, false)
		}
	}
}

func (e *Engine) fillShadowRay(list *raylist.RayList, j int, rl *raylist.RayList, i int, lt kernel.Light, eps float32) {
	hit := f32.Add3D(rl.Origin(i), rl.Direction(i).Scale(rl.T[i]))
	normal := f32.Vec3{rl.Nx[i], rl.Ny[i], rl.Nz[i]}.Normalize()
	origin := f32.Add3D(hit, normal.Scale(eps))

	toLight := f32.Sub3D(lt.Position, origin)
	dist := toLight.Magnitude()
	var dir f32.Vec3
	if dist > 0 {
		dir = toLight.Scale(1 / dist)
	}
	ndotl := f32.Dot3D(normal, dir)
	if ndotl < 0 {
		ndotl = 0
	}

	list.SetOrigin(j, origin)
	list.SetDirection(j, dir)
	list.TMax[j] = dist - eps
	if list.TMax[j] < 0 {
		list.TMax[j] = 0
	}
	list.X[j], list.Y[j] = rl.X[i], rl.Y[i]
	list.RayType[j] = int32(raylist.Secondary)
	surface := f32.Vec3{rl.Sr[i], rl.Sg[i], rl.Sb[i]}
	contrib := f32.MulElem3D(surface, lt.Color).Scale(ndotl)
	list.R[j], list.G[j], list.B[j], list.O[j] = contrib[0], contrib[1], contrib[2], 1
}

func (e *Engine) fillAORay(list *raylist.RayList, j int, rl *raylist.RayList, i int, sample int, weight float32, eps float32) {
	hit := f32.Add3D(rl.Origin(i), rl.Direction(i).Scale(rl.T[i]))
	normal := f32.Vec3{rl.Nx[i], rl.Ny[i], rl.Nz[i]}.Normalize()
	origin := f32.Add3D(hit, normal.Scale(eps))
	dir := hemisphereSample(normal, sample, e.Secondary.AOSamples)

	list.SetOrigin(j, origin)
	list.SetDirection(j, dir)
	list.TMax[j] = e.Secondary.AORadius
	list.X[j], list.Y[j] = rl.X[i], rl.Y[i]
	list.RayType[j] = int32(raylist.Secondary)
	surface := f32.Vec3{rl.Sr[i], rl.Sg[i], rl.Sb[i]}
	contrib := surface.Scale(weight)
	list.R[j], list.G[j], list.B[j], list.O[j] = contrib[0], contrib[1], contrib[2], 1
}

// hemisphereSample deterministically spreads AOSamples directions over the
// hemisphere around normal using a fixed spiral (no RNG: spec.md §4.9's
// fixed per-pixel ray order requirement for reproducible camera rays
// extends naturally to reproducible AO sampling too).
func hemisphereSample(normal f32.Vec3, sample, total int) f32.Vec3 {
	if total <= 0 {
		total = 1
	}
	golden := float32(2.399963) // golden angle in radians
	i := float32(sample) + 0.5
	theta := golden * i
	z := 1 - i/float32(total)
	if z < 0 {
		z = 0
	}
	r := f32.Sqrt(1 - z*z)
	local := f32.Vec3{r * float32(math.Cos(float64(theta))), r * float32(math.Sin(float64(theta))), z}
	return alignToNormal(local, normal)
}

// alignToNormal rotates a direction expressed in the local z-up hemisphere
// frame into world space around normal, using an arbitrary orthonormal
// basis (no preferred tangent direction needed for AO sampling).
func alignToNormal(v, normal f32.Vec3) f32.Vec3 {
	up := f32.Vec3{0, 1, 0}
	if f32.Abs(normal[1]) > 0.99 {
		up = f32.Vec3{1, 0, 0}
	}
	tangent := f32.Cross3D(up, normal).Normalize()
	bitangent := f32.Cross3D(normal, tangent)
	return f32.Add3D(f32.Add3D(tangent.Scale(v[0]), bitangent.Scale(v[1])), normal.Scale(v[2]))
}
