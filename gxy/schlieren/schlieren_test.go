package schlieren

import (
	"context"
	"testing"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
)

type fakeCameras map[objkey.Key]CameraParams

func (f fakeCameras) Camera(key objkey.Key) (CameraParams, bool) {
	c, ok := f[key]
	return c, ok
}

func testCamera() CameraParams {
	return CameraParams{
		Eye: f32.Vec3{0, 0, 3}, Dir: f32.Vec3{0, 0, -1}, Up: f32.Vec3{0, 1, 0},
		AOV: 0, Width: 4, Height: 4,
	}
}

func TestShadeLeavesUndeflectedRayAtZeroDeflection(t *testing.T) {
	k := &Kernel{Cameras: fakeCameras{1: testCamera()}}
	rl := raylist.New(0, 1, 0, 0, 1, raylist.Primary)
	rl.X[0], rl.Y[0] = 0, 0
	rl.SetOrigin(0, f32.Vec3{-1, -1, -7})
	rl.SetDirection(0, f32.Vec3{0, 0, -1})
	rl.Classification[0] = int32(raylist.Terminated)

	if err := k.Shade(context.Background(), &kernel.Lighting{}, rl); err != nil {
		t.Fatalf("Shade: %v", err)
	}

	if rl.R[0] != 0 || rl.G[0] != 0 || rl.B[0] != 0 || rl.O[0] != 0 {
		t.Fatalf("an undeflected ray through the pixel it terminated at should measure zero deflection, got R=%v G=%v B=%v O=%v",
			rl.R[0], rl.G[0], rl.B[0], rl.O[0])
	}
	if raylist.Class(rl.Classification[0]) != raylist.Terminated {
		t.Fatal("a kept deflection measurement must leave the ray classified Terminated")
	}
}

func TestShadeMeasuresNonzeroDeflectionForABentRay(t *testing.T) {
	k := &Kernel{Cameras: fakeCameras{1: testCamera()}}
	rl := raylist.New(0, 1, 0, 0, 1, raylist.Primary)
	rl.X[0], rl.Y[0] = 0, 0
	rl.SetOrigin(0, f32.Vec3{-1, -1, -5})
	rl.SetDirection(0, f32.Vec3{0.2, 0, -1}.Normalize())
	rl.Classification[0] = int32(raylist.Terminated)

	if err := k.Shade(context.Background(), &kernel.Lighting{}, rl); err != nil {
		t.Fatalf("Shade: %v", err)
	}

	if rl.O[0] <= 0 {
		t.Fatalf("a ray whose exit direction diverges from the view direction should measure a nonzero deflection magnitude, got O=%v", rl.O[0])
	}
}

func TestShadeDropsRaysBelowCutoff(t *testing.T) {
	k := &Kernel{Cameras: fakeCameras{1: testCamera()}, CutoffMode: CutoffMagnitude, CutoffValue: 100}
	rl := raylist.New(0, 1, 0, 0, 1, raylist.Primary)
	rl.X[0], rl.Y[0] = 0, 0
	rl.SetOrigin(0, f32.Vec3{-1, -1, -7})
	rl.SetDirection(0, f32.Vec3{0.2, 0, -1}.Normalize())
	rl.Classification[0] = int32(raylist.Terminated)

	if err := k.Shade(context.Background(), &kernel.Lighting{}, rl); err != nil {
		t.Fatalf("Shade: %v", err)
	}

	if raylist.Class(rl.Classification[0]) != raylist.DropOnFloor {
		t.Fatalf("a deflection magnitude below CutoffValue should reclassify the ray DropOnFloor, got %v", raylist.Class(rl.Classification[0]))
	}
}

func TestShadeIgnoresRaysNotClassifiedTerminated(t *testing.T) {
	k := &Kernel{Cameras: fakeCameras{1: testCamera()}}
	rl := raylist.New(0, 1, 0, 0, 1, raylist.Primary)
	rl.Classification[0] = int32(raylist.Boundary)

	if err := k.Shade(context.Background(), &kernel.Lighting{}, rl); err != nil {
		t.Fatalf("Shade: %v", err)
	}
	if raylist.Class(rl.Classification[0]) != raylist.Boundary {
		t.Fatal("Shade must not touch the classification of a non-Terminated ray")
	}
}

func TestShadeSkipsRaysWhenNoCameraIsRegistered(t *testing.T) {
	k := &Kernel{Cameras: fakeCameras{}}
	rl := raylist.New(0, 99, 0, 0, 1, raylist.Primary)
	rl.Classification[0] = int32(raylist.Terminated)

	if err := k.Shade(context.Background(), &kernel.Lighting{}, rl); err != nil {
		t.Fatalf("Shade: %v", err)
	}
	if raylist.Class(rl.Classification[0]) != raylist.Terminated {
		t.Fatal("an unresolvable camera should leave the ray untouched, not drop it")
	}
}
