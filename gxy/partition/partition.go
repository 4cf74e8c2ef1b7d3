// Package partition implements the rectilinear decomposition of the global
// render box into one axis-aligned sub-box per rank: owner-of-point lookup,
// the six face neighbors of a rank, and the exit-face oracle the trace loop
// uses to classify BOUNDARY rays (spec §4.3).
package partition

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/math/f32"
)

// Face indices follow the (−x, +x, −y, +y, −z, +z) convention.
const (
	FaceNegX = iota
	FacePosX
	FaceNegY
	FacePosY
	FaceNegZ
	FacePosZ
	numFaces
)

// DefaultFuzz is the default epsilon, expressed as a fraction of the
// smallest sub-box extent, used both for face-membership tie-breaking and
// for pushing a ray's exit point strictly into the neighboring sub-box.
const DefaultFuzz = 1e-6

// Box is an axis-aligned bounding box.
type Box struct {
	Min, Max f32.Vec3
}

// Size returns Max-Min componentwise.
func (b Box) Size() f32.Vec3 {
	return f32.Vec3{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Contains reports whether p lies within b, expanded by fuzz on every side.
func (b Box) Contains(p f32.Vec3, fuzz float32) bool {
	return p[0] >= b.Min[0]-fuzz && p[0] <= b.Max[0]+fuzz &&
		p[1] >= b.Min[1]-fuzz && p[1] <= b.Max[1]+fuzz &&
		p[2] >= b.Min[2]-fuzz && p[2] <= b.Max[2]+fuzz
}

// Intersect runs the standard slab test for a ray (origin o, direction d)
// against b, returning the entry and exit parametric distances. ok is false
// if the ray misses b entirely. A direction component of exactly zero is
// treated as parallel to that slab: the ray misses unless o already lies
// within the slab's bounds on that axis.
func (b Box) Intersect(o, d f32.Vec3) (tmin, tmax float32, ok bool) {
	tmin, tmax = -f32Inf, f32Inf
	for axis := 0; axis < 3; axis++ {
		if d[axis] == 0 {
			if o[axis] < b.Min[axis] || o[axis] > b.Max[axis] {
				return 0, 0, false
			}
			continue
		}
		t1 := (b.Min[axis] - o[axis]) / d[axis]
		t2 := (b.Max[axis] - o[axis]) / d[axis]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return 0, 0, false
		}
	}
	return tmin, tmax, true
}

var f32Inf = float32(math.Inf(1))

// corner returns the i'th of the box's 8 corners, i in [0,8) with bit 0
// selecting X, bit 1 selecting Y, bit 2 selecting Z.
func (b Box) corner(i int) f32.Vec3 {
	x, y, z := b.Min[0], b.Min[1], b.Min[2]
	if i&1 != 0 {
		x = b.Max[0]
	}
	if i&2 != 0 {
		y = b.Max[1]
	}
	if i&4 != 0 {
		z = b.Max[2]
	}
	return f32.Vec3{x, y, z}
}

// Corners returns all 8 corners of b, in the same bit-indexed order corner
// uses, for callers outside the package (camera screen-bound projection).
func (b Box) Corners() [8]f32.Vec3 {
	var out [8]f32.Vec3
	for i := range out {
		out[i] = b.corner(i)
	}
	return out
}

// subBox is one rank's rectilinear partition: its local box and its six
// face neighbors, -1 meaning external (no neighbor on that face).
type subBox struct {
	box       Box
	neighbors [numFaces]int
}

// Factors is the Ix, Iy, Iz grid shape a rank count was factored into.
type Factors struct {
	X, Y, Z int
}

// Partitioning is the committed, immutable decomposition of a global box
// across N ranks. It is created once (Setup) and never mutated afterward,
// matching the "created once at commit; immutable afterward" lifetime
// spec.md §3 assigns to Partition.
type Partitioning struct {
	Global Box
	N      int
	Shape  Factors
	step   f32.Vec3 // per-axis sub-box spacing (uniform except the last slab)
	subs   []subBox
	fuzz   float32
}

// Setup factors n into Ix*Iy*Iz (minimizing Ix+Iy+Iz) and lays n rectilinear
// sub-boxes across global, last slab on each axis absorbing the remainder.
// fuzz <= 0 selects DefaultFuzz scaled by the smallest sub-box extent.
func Setup(global Box, n int, fuzz float32) (*Partitioning, error) {
	if n <= 0 {
		return nil, errors.Errorf("partition: invalid rank count %d", n)
	}
	shape := factor(n)
	size := global.Size()
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return nil, errors.Errorf("partition: degenerate global box %+v", global)
	}
	step := f32.Vec3{size[0] / float32(shape.X), size[1] / float32(shape.Y), size[2] / float32(shape.Z)}

	p := &Partitioning{Global: global, N: n, Shape: shape, step: step, subs: make([]subBox, n)}

	if fuzz <= 0 {
		smallest := step[0]
		if step[1] < smallest {
			smallest = step[1]
		}
		if step[2] < smallest {
			smallest = step[2]
		}
		fuzz = DefaultFuzz * smallest
	}
	p.fuzz = fuzz

	oz := global.Min[2]
	for k := 0; k < shape.Z; k, oz = k+1, oz+step[2] {
		oy := global.Min[1]
		for j := 0; j < shape.Y; j, oy = j+1, oy+step[1] {
			ox := global.Min[0]
			for i := 0; i < shape.X; i, ox = i+1, ox+step[0] {
				b := Box{Min: f32.Vec3{ox, oy, oz}}
				if i == shape.X-1 {
					b.Max[0] = global.Max[0]
				} else {
					b.Max[0] = ox + step[0]
				}
				if j == shape.Y-1 {
					b.Max[1] = global.Max[1]
				} else {
					b.Max[1] = oy + step[1]
				}
				if k == shape.Z-1 {
					b.Max[2] = global.Max[2]
				} else {
					b.Max[2] = oz + step[2]
				}

				rank := p.ijk2rank(i, j, k)
				sb := subBox{box: b}
				sb.neighbors[FaceNegX] = negOr(i > 0, p.ijk2rank(i-1, j, k))
				sb.neighbors[FacePosX] = negOr(i < shape.X-1, p.ijk2rank(i+1, j, k))
				sb.neighbors[FaceNegY] = negOr(j > 0, p.ijk2rank(i, j-1, k))
				sb.neighbors[FacePosY] = negOr(j < shape.Y-1, p.ijk2rank(i, j+1, k))
				sb.neighbors[FaceNegZ] = negOr(k > 0, p.ijk2rank(i, j, k-1))
				sb.neighbors[FacePosZ] = negOr(k < shape.Z-1, p.ijk2rank(i, j, k+1))
				p.subs[rank] = sb
			}
		}
	}
	return p, nil
}

func negOr(ok bool, rank int) int {
	if !ok {
		return -1
	}
	return rank
}

// LocalBox returns the sub-box owned by rank.
func (p *Partitioning) LocalBox(rank int) Box {
	return p.subs[rank].box
}

// Neighbors returns the six face neighbors of rank, -1 meaning external.
func (p *Partitioning) Neighbors(rank int) [numFaces]int {
	return p.subs[rank].neighbors
}

// Owner returns the rank whose sub-box contains p, or -1 if p lies outside
// the global box. Points exactly on an internal face are assigned to the
// lower-index owner because the index computation rounds up and then
// subtracts one.
func (p *Partitioning) Owner(point f32.Vec3) int {
	if !p.Global.Contains(point, 0) {
		return -1
	}
	rel := f32.MulElem3D(f32.Sub3D(point, p.Global.Min), f32.Vec3{1 / p.step[0], 1 / p.step[1], 1 / p.step[2]})
	i := clampIndex(int(math.Ceil(float64(rel[0])))-1, p.Shape.X)
	j := clampIndex(int(math.Ceil(float64(rel[1])))-1, p.Shape.Y)
	k := clampIndex(int(math.Ceil(float64(rel[2])))-1, p.Shape.Z)
	return p.ijk2rank(i, j, k)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// ExitFace returns the first axis-aligned face of box that the ray
// (origin o, direction d, parametric limit tMax) crosses, and the
// parametric distance at which it crosses. The neighbor face wins over
// any non-axis-aligned surface the ray might also be exiting through, per
// spec.md §4.6's "partition face wins" rule -- callers apply that rule by
// calling ExitFace whenever a ray is classified BOUNDARY, regardless of
// what the trace kernel also reported.
func (p *Partitioning) ExitFace(box Box, o, d f32.Vec3, tMax float32) (face int, t float32) {
	face = -1
	t = tMax
	consider := func(candT float32, candFace int) {
		if candT >= 0 && candT < t {
			t = candT
			face = candFace
		}
	}
	if d[0] > 0 {
		consider((box.Max[0]-o[0])/d[0], FacePosX)
	} else if d[0] < 0 {
		consider((box.Min[0]-o[0])/d[0], FaceNegX)
	}
	if d[1] > 0 {
		consider((box.Max[1]-o[1])/d[1], FacePosY)
	} else if d[1] < 0 {
		consider((box.Min[1]-o[1])/d[1], FaceNegY)
	}
	if d[2] > 0 {
		consider((box.Max[2]-o[2])/d[2], FacePosZ)
	} else if d[2] < 0 {
		consider((box.Min[2]-o[2])/d[2], FaceNegZ)
	}
	return face, t
}

// Fuzz returns the epsilon used for face tie-breaking and exit-point push,
// as configured at Setup.
func (p *Partitioning) Fuzz() float32 { return p.fuzz }

func (p *Partitioning) ijk2rank(i, j, k int) int {
	return i + j*p.Shape.X + k*p.Shape.X*p.Shape.Y
}

// RankToIJK is the inverse of ijk2rank, exposed for diagnostics and tests.
func (p *Partitioning) RankToIJK(rank int) (i, j, k int) {
	i = rank % p.Shape.X
	j = (rank / p.Shape.X) % p.Shape.Y
	k = rank / (p.Shape.X * p.Shape.Y)
	return
}

// factor finds Ix,Iy,Iz minimizing Ix+Iy+Iz subject to Ix*Iy*Iz == n,
// mirroring the brute-force divisor search in the original partitioner.
func factor(n int) Factors {
	if n == 1 {
		return Factors{1, 1, 1}
	}
	best := Factors{n, 1, 1}
	bestSum := n + 2
	for i := 1; i <= n/2; i++ {
		if n%i != 0 {
			continue
		}
		jk := n / i
		for j := 1; j <= jk/2; j++ {
			if jk%j != 0 {
				continue
			}
			k := jk / j
			if sum := i + j + k; sum < bestSum {
				bestSum = sum
				best = Factors{i, j, k}
			}
		}
		// jk itself is a valid (j=1,k=jk) split already covered by the loop above.
	}
	return best
}
