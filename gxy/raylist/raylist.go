// Package raylist implements the struct-of-arrays ray list that is the
// primary unit of work passed between the ray-queue manager and the trace
// loop (spec §4.4): twenty float32 arrays and five int32 arrays, sized to
// the next multiple of 16, all belonging to one frame and one rendering
// set.
//
// The original renderer packs every array into one reference-counted
// ISPC-aligned byte buffer so that native SIMD kernels can address it by
// raw pointer. Go has no equivalent need for manual pointer arithmetic or
// reference counting (the garbage collector already keeps the backing
// arrays alive for exactly as long as any RayList referencing them is
// reachable), so each array here is an ordinary slice field; what is kept
// from the original design is the one-size-fits-all aligned capacity, the
// single fixed Header carried with every list, and Split/Truncate's
// reslice-the-same-fields semantics.
package raylist

import (
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/objkey"
)

// Type distinguishes primary camera rays from secondary (AO/shadow) rays.
// The ray queue manager orders PRIMARY strictly before SECONDARY (§4.5).
type Type int32

const (
	Primary Type = iota
	Secondary
)

// TermFlag is a bitmask of conditions the trace kernel observed when it
// stopped advancing a ray. Values match
// original_source/src/renderer/RayFlags.h exactly so that a captured trace
// (e.g. from a debug dump) reads the same bit pattern.
type TermFlag int32

const (
	FlagSurface          TermFlag = 0x001
	FlagOpaque           TermFlag = 0x002
	FlagBoundary         TermFlag = 0x004
	FlagTimeout          TermFlag = 0x008
	FlagExternalBoundary TermFlag = 0x010
)

// Class is the result of the Classify step (§4.6 step 2). BOUNDARY is
// overwritten in place with a destination rank (>= 0) once
// AssignDestinations resolves the neighbor; it is never observed outside
// the trace loop's own internal state.
type Class int32

const (
	Undetermined Class = -1
	Terminated   Class = -2
	DropOnFloor  Class = -3
	KeepHere     Class = -4
	Boundary     Class = -5
)

// Rmax is the default maximum number of rays any single RayList may hold;
// Split divides a list into chunks no larger than this.
const Rmax = 1 << 16

// align rounds n up to the next multiple of 16, preserving the alignment
// guarantee the trace kernels assume.
func align(n int) int {
	return (n + 15) &^ 15
}

// Header is the fixed metadata every RayList carries, mirroring the
// 64-byte hdr struct prefixing the original's backing buffer
// (original_source/src/renderer/Rays.h's private `struct hdr`).
type Header struct {
	RendererKey     objkey.Key
	RenderingKey    objkey.Key
	RenderingSetKey objkey.Key
	Frame           int32
	ID              int32
	Size            int32 // logical ray count
	AlignedSize     int32 // capacity, a multiple of 16
	Type            Type
}

// RayList is one frame's worth of rays belonging to one rendering set, laid
// out as parallel arrays all of length Header.AlignedSize; only the first
// Header.Size entries of each array are logically valid.
type RayList struct {
	Header Header

	// origins
	Ox, Oy, Oz []float32
	// directions
	Dx, Dy, Dz []float32
	// surface normal on hit
	Nx, Ny, Nz []float32
	// AO/shadow sample weight
	Sample []float32
	// accumulated color + opacity
	R, G, B, O []float32
	// intersected (possibly translucent) surface color + opacity
	Sr, Sg, Sb, So []float32
	// parametric hit/exit distance, and the ray's parametric limit
	T, TMax []float32

	// destination pixel
	X, Y []int32
	// Primary vs Secondary
	RayType []int32
	// TermFlag bitmask written by the trace kernel
	Term []int32
	// Class (or, once resolved, a destination rank) written by Classify/AssignDestinations
	Classification []int32
}

// New allocates a RayList with capacity for n rays (rounded up to the next
// multiple of 16), all fields zeroed.
func New(renderer, rendering, renderingSet objkey.Key, frame int, n int, typ Type) *RayList {
	aligned := align(n)
	rl := &RayList{
		Header: Header{
			RendererKey:     renderer,
			RenderingKey:    rendering,
			RenderingSetKey: renderingSet,
			Frame:           int32(frame),
			Size:            int32(n),
			AlignedSize:     int32(aligned),
			Type:            typ,
		},
	}
	rl.Ox = make([]float32, aligned)
	rl.Oy = make([]float32, aligned)
	rl.Oz = make([]float32, aligned)
	rl.Dx = make([]float32, aligned)
	rl.Dy = make([]float32, aligned)
	rl.Dz = make([]float32, aligned)
	rl.Nx = make([]float32, aligned)
	rl.Ny = make([]float32, aligned)
	rl.Nz = make([]float32, aligned)
	rl.Sample = make([]float32, aligned)
	rl.R = make([]float32, aligned)
	rl.G = make([]float32, aligned)
	rl.B = make([]float32, aligned)
	rl.O = make([]float32, aligned)
	rl.Sr = make([]float32, aligned)
	rl.Sg = make([]float32, aligned)
	rl.Sb = make([]float32, aligned)
	rl.So = make([]float32, aligned)
	rl.T = make([]float32, aligned)
	rl.TMax = make([]float32, aligned)
	rl.X = make([]int32, aligned)
	rl.Y = make([]int32, aligned)
	rl.RayType = make([]int32, aligned)
	rl.Term = make([]int32, aligned)
	rl.Classification = make([]int32, aligned)
	for i := range rl.Classification {
		rl.Classification[i] = int32(Undetermined)
	}
	return rl
}

// Len returns the logical ray count (Header.Size).
func (rl *RayList) Len() int { return int(rl.Header.Size) }

// Origin returns the origin of ray i as a vector.
func (rl *RayList) Origin(i int) f32.Vec3 { return f32.Vec3{rl.Ox[i], rl.Oy[i], rl.Oz[i]} }

// Direction returns the direction of ray i as a vector.
func (rl *RayList) Direction(i int) f32.Vec3 { return f32.Vec3{rl.Dx[i], rl.Dy[i], rl.Dz[i]} }

// SetOrigin stores o as the origin of ray i.
func (rl *RayList) SetOrigin(i int, o f32.Vec3) { rl.Ox[i], rl.Oy[i], rl.Oz[i] = o[0], o[1], o[2] }

// SetDirection stores d as the direction of ray i.
func (rl *RayList) SetDirection(i int, d f32.Vec3) { rl.Dx[i], rl.Dy[i], rl.Dz[i] = d[0], d[1], d[2] }

// CopyRay deep-copies every field of ray srcIndex in src into ray dstIndex
// of dst, mirroring RayList::CopyRay's exhaustive field-by-field copy.
func CopyRay(src *RayList, srcIndex int, dst *RayList, dstIndex int) {
	dst.Ox[dstIndex], dst.Oy[dstIndex], dst.Oz[dstIndex] = src.Ox[srcIndex], src.Oy[srcIndex], src.Oz[srcIndex]
	dst.Dx[dstIndex], dst.Dy[dstIndex], dst.Dz[dstIndex] = src.Dx[srcIndex], src.Dy[srcIndex], src.Dz[srcIndex]
	dst.Nx[dstIndex], dst.Ny[dstIndex], dst.Nz[dstIndex] = src.Nx[srcIndex], src.Ny[srcIndex], src.Nz[srcIndex]
	dst.Sample[dstIndex] = src.Sample[srcIndex]
	dst.R[dstIndex], dst.G[dstIndex], dst.B[dstIndex], dst.O[dstIndex] = src.R[srcIndex], src.G[srcIndex], src.B[srcIndex], src.O[srcIndex]
	dst.Sr[dstIndex], dst.Sg[dstIndex], dst.Sb[dstIndex], dst.So[dstIndex] = src.Sr[srcIndex], src.Sg[srcIndex], src.Sb[srcIndex], src.So[srcIndex]
	dst.T[dstIndex], dst.TMax[dstIndex] = src.T[srcIndex], src.TMax[srcIndex]
	dst.X[dstIndex], dst.Y[dstIndex] = src.X[srcIndex], src.Y[srcIndex]
	dst.RayType[dstIndex] = src.RayType[srcIndex]
	dst.Term[dstIndex] = src.Term[srcIndex]
	dst.Classification[dstIndex] = src.Classification[srcIndex]
}

// Truncate changes the logical size to n. If n exceeds the current aligned
// capacity a new, larger backing set of arrays is allocated and the first
// Len() rays are copied over; otherwise the arrays are kept and only the
// logical Size/AlignedSize shrink or grow within existing capacity.
func (rl *RayList) Truncate(n int) {
	aligned := align(n)
	if aligned <= len(rl.Ox) {
		rl.Header.Size = int32(n)
		rl.Header.AlignedSize = int32(aligned)
		return
	}
	grown := New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), n, rl.Header.Type)
	grown.Header.ID = rl.Header.ID
	count := rl.Len()
	if count > n {
		count = n
	}
	for i := 0; i < count; i++ {
		CopyRay(rl, i, grown, i)
	}
	*rl = *grown
}

// Split breaks rl into one or more lists of at most Rmax rays each, the
// last one holding any remainder. A list already within Rmax is returned
// as its sole element (no copy).
func Split(rl *RayList, rmax int) []*RayList {
	if rmax <= 0 {
		rmax = Rmax
	}
	n := rl.Len()
	if n <= rmax {
		return []*RayList{rl}
	}
	var out []*RayList
	for start := 0; start < n; start += rmax {
		end := start + rmax
		if end > n {
			end = n
		}
		sub := New(rl.Header.RendererKey, rl.Header.RenderingKey, rl.Header.RenderingSetKey, int(rl.Header.Frame), end-start, rl.Header.Type)
		sub.Header.ID = rl.Header.ID
		for i := start; i < end; i++ {
			CopyRay(rl, i, sub, i-start)
		}
		out = append(out, sub)
	}
	return out
}
