// Package kernel defines the external collaborator contracts the trace
// loop invokes (§1, §4.6): TraceKernel performs ray/primitive intersection
// and termination-flag bookkeeping, ShadeKernel evaluates color/opacity and
// lighting at a surface hit. Intersection and shading are deliberately kept
// out of the core trace/classify/forward loop in gxy/trace; this package
// supplies one minimal, swappable implementation of each so the engine can
// render end-to-end, not a production kernel library.
//
// Grounded on original_source/src/renderer/TraceRays.h's Trace(lights,
// visualization, raysIn) signature (visualization + per-ray-list dispatch)
// and original_source/src/renderer/Lighting.h's point-light list, adapted
// to the Go RayList SoA layout in gxy/raylist.
package kernel

import (
	"context"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/raylist"
)

// TraceKernel advances every undetermined ray in rl one trace step against
// vis, writing a new parametric t, a TermFlag bitmask, and (for a volume
// kernel) accumulated color/opacity -- exactly the fields §4.6 step 1 says
// a trace kernel owns. It never writes rl.Classification; that is the
// trace loop's own Classify step.
type TraceKernel interface {
	Trace(ctx context.Context, vis *Visualization, rl *raylist.RayList) error
}

// ShadeKernel evaluates lighting at rays whose Term carries FlagSurface,
// writing the "intersected surface color + opacity" fields (Sr/Sg/Sb/So)
// and/or folding a lit contribution into the accumulated R/G/B/O.
type ShadeKernel interface {
	Shade(ctx context.Context, lights *Lighting, rl *raylist.RayList) error
}

// Light is a single point light (§4.6's "one shadow ray per light per
// primary surface hit").
type Light struct {
	Position f32.Vec3
	Color    f32.Vec3
}

// Lighting is the set of lights active for a trace/shade pass, mirroring
// original_source/src/renderer/Lighting.h's flat light list.
type Lighting struct {
	Lights []Light
}

// ScalarField is a regular-grid scalar volume, trilinearly interpolated.
// Dims is (nx, ny, nz); Data is nx*ny*nz values in x-fastest order.
type ScalarField struct {
	Origin  f32.Vec3
	Spacing f32.Vec3
	Dims    [3]int
	Data    []float32
}

// Sample trilinearly interpolates the field at p, returning (value, true)
// if p falls within the field's grid extent, or (0, false) otherwise.
func (f *ScalarField) Sample(p f32.Vec3) (float32, bool) {
	if f.Spacing[0] == 0 || f.Spacing[1] == 0 || f.Spacing[2] == 0 {
		return 0, false
	}
	gx := (p[0] - f.Origin[0]) / f.Spacing[0]
	gy := (p[1] - f.Origin[1]) / f.Spacing[1]
	gz := (p[2] - f.Origin[2]) / f.Spacing[2]

	x0, y0, z0 := int(floor32(gx)), int(floor32(gy)), int(floor32(gz))
	if x0 < 0 || y0 < 0 || z0 < 0 || x0+1 >= f.Dims[0] || y0+1 >= f.Dims[1] || z0+1 >= f.Dims[2] {
		return 0, false
	}
	fx, fy, fz := gx-float32(x0), gy-float32(y0), gz-float32(z0)

	at := func(x, y, z int) float32 {
		return f.Data[(z*f.Dims[1]+y)*f.Dims[0]+x]
	}
	c00 := lerp(at(x0, y0, z0), at(x0+1, y0, z0), fx)
	c10 := lerp(at(x0, y0+1, z0), at(x0+1, y0+1, z0), fx)
	c01 := lerp(at(x0, y0, z0+1), at(x0+1, y0, z0+1), fx)
	c11 := lerp(at(x0, y0+1, z0+1), at(x0+1, y0+1, z0+1), fx)
	c0 := lerp(c00, c10, fy)
	c1 := lerp(c01, c11, fy)
	return lerp(c0, c1, fz), true
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

func floor32(v float32) float32 {
	i := float32(int(v))
	if i > v {
		i--
	}
	return i
}

// ColorStop is one control point of a Colormap.
type ColorStop struct {
	Value float32
	Color f32.Vec3
}

// Colormap piecewise-linearly interpolates color between Stops, ordered by
// ascending Value. Values outside the range clamp to the nearest stop.
type Colormap struct {
	Stops []ColorStop
}

// Eval returns the interpolated color at v.
func (c *Colormap) Eval(v float32) f32.Vec3 {
	if len(c.Stops) == 0 {
		return f32.Vec3{}
	}
	if v <= c.Stops[0].Value {
		return c.Stops[0].Color
	}
	last := c.Stops[len(c.Stops)-1]
	if v >= last.Value {
		return last.Color
	}
	for i := 1; i < len(c.Stops); i++ {
		lo, hi := c.Stops[i-1], c.Stops[i]
		if v <= hi.Value {
			t := (v - lo.Value) / (hi.Value - lo.Value)
			return f32.Vec3{
				lerp(lo.Color[0], hi.Color[0], t),
				lerp(lo.Color[1], hi.Color[1], t),
				lerp(lo.Color[2], hi.Color[2], t),
			}
		}
	}
	return last.Color
}

// Visualization bundles everything a TraceKernel needs to step rays
// through one rank's local data: the scalar field and transfer function,
// and the partitioning (for the local sub-box and exit-face computation
// when a ray leaves it), mirroring
// original_source/src/renderer/Visualization.h's role as the per-rank
// "dataset + mapping" pairing.
type Visualization struct {
	Field        *ScalarField
	Colormap     *Colormap
	Partitioning *partition.Partitioning
	Rank         int
}

// LocalBox returns the partition sub-box this Visualization's rank owns.
func (v *Visualization) LocalBox() partition.Box {
	return v.Partitioning.LocalBox(v.Rank)
}
