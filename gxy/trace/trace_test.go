package trace

import (
	"context"
	"sync"
	"testing"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/framebuffer"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/raylist"
	"github.com/gxy-project/gxy/gxy/renderset"
)

// fakeQueue doubles as both the Queue collaborator and a
// renderset.QueueControl, capturing every enqueued list for inspection.
type fakeQueue struct {
	mu      sync.Mutex
	lists   []*raylist.RayList
	silents []bool
}

func (q *fakeQueue) Enqueue(list *raylist.RayList, silent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists = append(q.lists, list)
	q.silents = append(q.silents, silent)
}

func (q *fakeQueue) Pause()  {}
func (q *fakeQueue) Resume() {}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists)
}

type mapRenderings map[objkey.Key]Rendering

func (m mapRenderings) Rendering(key objkey.Key) (Rendering, bool) { r, ok := m[key]; return r, ok }

type mapVisualizations map[objkey.Key]*kernel.Visualization

func (m mapVisualizations) Visualization(key objkey.Key) (*kernel.Visualization, bool) {
	v, ok := m[key]
	return v, ok
}

type mapSets map[objkey.Key]*renderset.Set

func (m mapSets) Set(key objkey.Key) *renderset.Set { return m[key] }

func denseVis(t *testing.T, rank int, p *partition.Partitioning) *kernel.Visualization {
	t.Helper()
	data := make([]float32, 11*11*11)
	for i := range data {
		data[i] = 1
	}
	return &kernel.Visualization{
		Field:        &kernel.ScalarField{Origin: f32.Vec3{0, 0, 0}, Spacing: f32.Vec3{1, 1, 1}, Dims: [3]int{11, 11, 11}, Data: data},
		Colormap:     &kernel.Colormap{Stops: []kernel.ColorStop{{Value: 0, Color: f32.Vec3{1, 0, 0}}, {Value: 2, Color: f32.Vec3{1, 0, 0}}}},
		Partitioning: p,
		Rank:         rank,
	}
}

func TestClassifyPrimaryRules(t *testing.T) {
	cases := []struct {
		name string
		term raylist.TermFlag
		want raylist.Class
	}{
		{"opaque surface terminates", raylist.FlagSurface | raylist.FlagOpaque, raylist.Terminated},
		{"translucent surface keeps here", raylist.FlagSurface, raylist.KeepHere},
		{"boundary forwards", raylist.FlagBoundary, raylist.Boundary},
		{"timeout terminates", raylist.FlagTimeout, raylist.Terminated},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyPrimary(c.term); got != c.want {
				t.Fatalf("classifyPrimary(%v) = %v, want %v", c.term, got, c.want)
			}
		})
	}
}

func TestClassifySecondaryRules(t *testing.T) {
	cases := []struct {
		name string
		term raylist.TermFlag
		want raylist.Class
	}{
		{"any surface hit is occluded", raylist.FlagSurface, raylist.DropOnFloor},
		{"surviving timeout terminates with contribution", raylist.FlagTimeout, raylist.Terminated},
		{"boundary keeps tracing in the neighbor", raylist.FlagBoundary, raylist.Boundary},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifySecondary(c.term); got != c.want {
				t.Fatalf("classifySecondary(%v) = %v, want %v", c.term, got, c.want)
			}
		})
	}
}

func TestAssignDestinationsResolvesInternalNeighbor(t *testing.T) {
	p, err := partition.Setup(partition.Box{Min: f32.Vec3{-1, -1, -1}, Max: f32.Vec3{1, 1, 1}}, 2, 0)
	if err != nil {
		t.Fatalf("partition.Setup: %v", err)
	}
	sub := mesg.New(0, 2)
	e := &Engine{Rank: 0, Sub: sub}
	vis := denseVis(t, 0, p)

	rl := raylist.New(1, 1, 1, 0, 1, raylist.Primary)
	rl.SetOrigin(0, f32.Vec3{-0.9, 0, 0})
	rl.SetDirection(0, f32.Vec3{1, 0, 0})
	rl.TMax[0] = 10
	rl.Classification[0] = int32(raylist.Boundary)

	e.assignDestinations(vis, rl)

	if rl.Classification[0] != 1 {
		t.Fatalf("expected the ray crossing the +x split to resolve to neighbor rank 1, got %d", rl.Classification[0])
	}
}

func TestAssignDestinationsTerminatesAtExternalBoundary(t *testing.T) {
	p, err := partition.Setup(partition.Box{Min: f32.Vec3{-1, -1, -1}, Max: f32.Vec3{1, 1, 1}}, 1, 0)
	if err != nil {
		t.Fatalf("partition.Setup: %v", err)
	}
	sub := mesg.New(0, 1)
	e := &Engine{Rank: 0, Sub: sub}
	vis := denseVis(t, 0, p)

	rl := raylist.New(1, 1, 1, 0, 1, raylist.Primary)
	rl.SetOrigin(0, f32.Vec3{0.9, 0, 0})
	rl.SetDirection(0, f32.Vec3{1, 0, 0})
	rl.TMax[0] = 10
	rl.Classification[0] = int32(raylist.Boundary)

	e.assignDestinations(vis, rl)

	if raylist.Class(rl.Classification[0]) != raylist.Terminated {
		t.Fatalf("a ray leaving the global box must terminate, got classification %d", rl.Classification[0])
	}
	if raylist.TermFlag(rl.Term[0])&raylist.FlagExternalBoundary == 0 {
		t.Fatal("expected FlagExternalBoundary to be set")
	}
}

func TestForwardLoopbackEnqueuesWithoutNetworkSend(t *testing.T) {
	p, err := partition.Setup(partition.Box{Min: f32.Vec3{0, 0, 0}, Max: f32.Vec3{10, 10, 10}}, 1, 0)
	if err != nil {
		t.Fatalf("partition.Setup: %v", err)
	}
	sub := mesg.New(0, 1)
	q := &fakeQueue{}
	e := &Engine{Rank: 0, Sub: sub, Queue: q}
	vis := denseVis(t, 0, p)

	rl := raylist.New(1, 1, 1, 0, 1, raylist.Primary)
	rl.SetOrigin(0, f32.Vec3{5, 5, 5})
	rl.SetDirection(0, f32.Vec3{0, 0, 1})
	rl.T[0] = 1
	rl.TMax[0] = 10
	rl.Classification[0] = 0 // destination == this rank: exercises the loopback branch only

	if err := e.forward(context.Background(), nil, rl, vis); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if q.count() != 1 {
		t.Fatalf("expected the loopback branch to enqueue one list, got %d", q.count())
	}
}

func TestEngineTraceOpaqueHitAccumulatesLocalPixelAndSpawnsShadowRay(t *testing.T) {
	p, err := partition.Setup(partition.Box{Min: f32.Vec3{0, 0, 0}, Max: f32.Vec3{10, 10, 10}}, 1, 0)
	if err != nil {
		t.Fatalf("partition.Setup: %v", err)
	}
	sub := mesg.New(0, 1)
	q := &fakeQueue{}

	const renderingKey objkey.Key = 7
	const setKey objkey.Key = 3

	vis := denseVis(t, 0, p)
	fb := framebuffer.New(4, 4)
	renderings := mapRenderings{renderingKey: {OwnerRank: 0, SetKey: setKey, FrameBuffer: fb}}
	visualizations := mapVisualizations{renderingKey: vis}
	set := renderset.New(sub, setKey, q)
	sets := mapSets{setKey: set}

	secondary := &SecondaryConfig{
		Lights: &kernel.Lighting{Lights: []kernel.Light{{Position: f32.Vec3{5, 5, -10}, Color: f32.Vec3{1, 1, 1}}}},
	}
	e := New(sub, q, renderings, visualizations, sets, &kernel.ConstantOpacityVolume{Dt: 0.1, Opacity: 5.0}, &kernel.DirectLighting{Ambient: 0.1}, secondary)

	rl := raylist.New(1, renderingKey, setKey, 0, 1, raylist.Primary)
	rl.SetOrigin(0, f32.Vec3{5, 5, 0})
	rl.SetDirection(0, f32.Vec3{0, 0, 1})
	rl.TMax[0] = 100
	rl.X[0], rl.Y[0] = 2, 3

	if err := e.Trace(context.Background(), rl); err != nil {
		t.Fatalf("Trace: %v", err)
	}

	pixels, w, _ := fb.Snapshot()
	got := pixels[3*w+2]
	if got.A < 0.99 {
		t.Fatalf("expected the opaque hit's pixel to accumulate near-saturated alpha, got %+v", got)
	}

	if set.Busy() {
		t.Fatal("pixels_sent and pixels_received should match after a fully local terminated ray, leaving the set quiescent")
	}

	if q.count() != 1 {
		t.Fatalf("expected exactly one shadow ray to be spawned for the single configured light, got %d", q.count())
	}
	shadow := q.lists[0]
	if shadow.Header.Type != raylist.Secondary {
		t.Fatalf("spawned ray list must be SECONDARY, got %v", shadow.Header.Type)
	}
	if shadow.X[0] != 2 || shadow.Y[0] != 3 {
		t.Fatalf("shadow ray must carry the parent primary's destination pixel, got (%d,%d)", shadow.X[0], shadow.Y[0])
	}
}
