package camera

import (
	"context"
	"testing"

	"github.com/gxy-project/gxy/core/event/task"
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/raylist"
)

type fakeQueue struct {
	lists []*raylist.RayList
}

func (q *fakeQueue) Enqueue(list *raylist.RayList, silent bool) { q.lists = append(q.lists, list) }

func unitBox() partition.Box {
	return partition.Box{Min: f32.Vec3{-1, -1, -1}, Max: f32.Vec3{1, 1, 1}}
}

func TestScreenBoundsFullWindowWhenEyeInsideLocalBox(t *testing.T) {
	c := New(f32.Vec3{0, 0, 0}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	ixmin, iymin, ixmax, iymax := c.screenBounds(unitBox())
	if ixmin != 0 || iymin != 0 || ixmax != 3 || iymax != 3 {
		t.Fatalf("eye inside the local box should yield the full image, got (%d,%d)-(%d,%d)", ixmin, iymin, ixmax, iymax)
	}
}

func TestScreenBoundsOrthographicFillsFullImageWhenBoxFillsFrustum(t *testing.T) {
	c := New(f32.Vec3{0, 0, 3}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	ixmin, iymin, ixmax, iymax := c.screenBounds(unitBox())
	if ixmin != 0 || iymin != 0 || ixmax != 3 || iymax != 3 {
		t.Fatalf("a box exactly filling a 4x4 ortho frustum should project to the full image, got (%d,%d)-(%d,%d)", ixmin, iymin, ixmax, iymax)
	}
}

func TestRayOrthographicCornersMatchImagePlaneExtent(t *testing.T) {
	c := New(f32.Vec3{0, 0, 3}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	b := c.basis()

	origin, dir := c.ray(b, 0, 0)
	if origin != (f32.Vec3{-1, -1, 3}) {
		t.Fatalf("bottom-left pixel origin = %v, want (-1,-1,3)", origin)
	}
	if dir != c.Dir {
		t.Fatalf("an orthographic ray's direction must equal the camera's view direction, got %v", dir)
	}

	origin, _ = c.ray(b, 3, 3)
	if origin != (f32.Vec3{1, 1, 3}) {
		t.Fatalf("top-right pixel origin = %v, want (1,1,3)", origin)
	}
}

func TestIntersectLinePlaneMissesWhenLineIsParallel(t *testing.T) {
	_, ok := intersectLinePlane(f32.Vec3{0, 0, 0}, f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, -1}, 2)
	if ok {
		t.Fatal("a line lying in the plane's own perpendicular direction should report no intersection")
	}
}

func TestPermutationForIsNilWhenDisabled(t *testing.T) {
	c := New(f32.Vec3{}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	if p := c.permutationFor(16); p != nil {
		t.Fatalf("Permute=false must yield a nil permutation, got %v", p)
	}
}

func TestPermutationForIsAValidShuffle(t *testing.T) {
	c := New(f32.Vec3{}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, true)
	p := c.permutationFor(10)
	if len(p) != 10 {
		t.Fatalf("expected a permutation of length 10, got %d", len(p))
	}
	seen := make([]bool, 10)
	for _, v := range p {
		if v < 0 || v >= 10 || seen[v] {
			t.Fatalf("permutation %v is not a valid shuffle of 0..9", p)
		}
		seen[v] = true
	}
}

func TestGenerateEmitsOnePrimaryRayPerPixelWhenBoxFillsFrustum(t *testing.T) {
	c := New(f32.Vec3{0, 0, 3}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	q := &fakeQueue{}
	target := Target{RenderingKey: 1, RenderingSetKey: 1, Frame: 0, LocalBox: unitBox(), GlobalBox: unitBox()}

	done := c.Generate(context.Background(), task.Direct, q, nil, target, 1000)
	if !done.Wait(context.Background()) {
		t.Fatal("Generate's signal should fire immediately under task.Direct")
	}

	if len(q.lists) != 1 {
		t.Fatalf("expected a single tile (16 pixels < raysPerPacket), got %d lists", len(q.lists))
	}
	rl := q.lists[0]
	if rl.Len() != 16 {
		t.Fatalf("expected 16 primary rays (one per pixel of a 4x4 image fully inside the frustum), got %d", rl.Len())
	}

	seen := map[[2]int32]bool{}
	for i := 0; i < rl.Len(); i++ {
		if raylist.Type(rl.RayType[i]) != raylist.Primary {
			t.Fatalf("ray %d has RayType=%v, want Primary", i, rl.RayType[i])
		}
		key := [2]int32{rl.X[i], rl.Y[i]}
		if seen[key] {
			t.Fatalf("pixel (%d,%d) was emitted more than once", key[0], key[1])
		}
		seen[key] = true
	}
	if len(seen) != 16 {
		t.Fatalf("expected all 16 distinct pixels covered, got %d", len(seen))
	}
}

func TestGenerateSplitsAcrossTilesWhenRaysPerPacketIsSmall(t *testing.T) {
	c := New(f32.Vec3{0, 0, 3}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}, 0, 4, 4, false)
	q := &fakeQueue{}
	target := Target{RenderingKey: 1, RenderingSetKey: 1, Frame: 0, LocalBox: unitBox(), GlobalBox: unitBox()}

	done := c.Generate(context.Background(), task.Direct, q, nil, target, 4)
	done.Wait(context.Background())

	if len(q.lists) != 4 {
		t.Fatalf("16 pixels tiled at 4 per packet should produce 4 lists, got %d", len(q.lists))
	}
	total := 0
	for _, rl := range q.lists {
		total += rl.Len()
	}
	if total != 16 {
		t.Fatalf("expected 16 rays total across tiles, got %d", total)
	}
}
