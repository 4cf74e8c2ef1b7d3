package registry

import (
	"context"
	"testing"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/partition"
)

// commitPayload and dropPayload mirror the wire layout Create/Drop build
// internally, letting a test simulate "this payload just arrived over the
// Substrate" without a second, connected rank.
func commitPayload(key objkey.Key, tag ClassTag, body []byte) []byte {
	w := binary.NewWriter()
	w.Int64(int64(key))
	w.Int32(int32(tag))
	w.Uint32(uint32(len(body)))
	w.Data(body)
	return w.Bytes()
}

func dropPayload(key objkey.Key) []byte {
	w := binary.NewWriter()
	w.Int64(int64(key))
	return w.Bytes()
}

type fakeDatasets struct {
	field *kernel.ScalarField
	parts *partition.Partitioning
}

func (f fakeDatasets) Dataset(objkey.Key) (*kernel.ScalarField, *partition.Partitioning, error) {
	return f.field, f.parts, nil
}

func testTable(rank int) *Table {
	return New(mesg.New(rank, 1))
}

func TestCreateCameraRoundTripsThroughTheLocalEntry(t *testing.T) {
	tbl := testTable(0)
	rec := CameraRecord{Eye: f32.Vec3{0, 0, 3}, Dir: f32.Vec3{0, 0, -1}, Up: f32.Vec3{0, 1, 0}, AOV: 40, Width: 64, Height: 64}

	key, err := tbl.Create(context.Background(), ClassCamera, rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	v, tag, owner, ok := tbl.Get(key)
	if !ok {
		t.Fatal("expected the primary copy to be present immediately after Create")
	}
	if tag != ClassCamera {
		t.Fatalf("tag = %v, want ClassCamera", tag)
	}
	if owner != 0 {
		t.Fatalf("owner = %d, want 0", owner)
	}
	if v.(CameraRecord) != rec {
		t.Fatalf("got %+v, want %+v", v, rec)
	}
}

func TestOnCommitBuildsADependentCameraReplicaOnAnotherRank(t *testing.T) {
	primary := testTable(0)
	rec := CameraRecord{Eye: f32.Vec3{1, 2, 3}, Dir: f32.Vec3{0, 0, -1}, Up: f32.Vec3{0, 1, 0}, AOV: 30, Width: 32, Height: 32}
	key, err := primary.Create(context.Background(), ClassCamera, rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := encodeCamera(rec)
	payload := commitPayload(key, ClassCamera, body)

	dependent := testTable(1)
	if err := dependent.onCommit(context.Background(), payload); err != nil {
		t.Fatalf("onCommit: %v", err)
	}

	v, tag, owner, ok := dependent.Get(key)
	if !ok || tag != ClassCamera {
		t.Fatalf("expected a dependent Camera replica, got ok=%v tag=%v", ok, tag)
	}
	if owner != ownerOf(key) {
		t.Fatalf("owner = %d, want %d (the rank that created it)", owner, ownerOf(key))
	}
	if v.(CameraRecord) != rec {
		t.Fatalf("replica = %+v, want %+v", v, rec)
	}
}

func TestCreateRenderingAttachesAFrameBufferOnlyOnTheOwner(t *testing.T) {
	owner := testTable(0)
	key, err := owner.CreateRendering(context.Background(), RenderingRecord{Width: 8, Height: 6})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}

	r, ok := owner.Rendering(key)
	if !ok {
		t.Fatal("expected the rendering to resolve on its owner")
	}
	if r.OwnerRank != 0 {
		t.Fatalf("OwnerRank = %d, want 0", r.OwnerRank)
	}
	if r.FrameBuffer == nil {
		t.Fatal("the owner's Rendering must carry a live frame buffer")
	}
	if _, w, h := r.FrameBuffer.Snapshot(); w != 8 || h != 6 {
		t.Fatalf("frame buffer dims = %dx%d, want 8x6", w, h)
	}
}

func TestRenderingFactoryLeavesFrameBufferNilOnANonOwningRank(t *testing.T) {
	rr := RenderingRecord{OwnerRank: 5, Width: 4, Height: 4}
	body := encodeRendering(rr)

	other := testTable(2)
	key := objkey.Key(int64(5) << 32)
	if err := other.onCommit(context.Background(), commitPayload(key, ClassRendering, body)); err != nil {
		t.Fatalf("onCommit: %v", err)
	}

	r, ok := other.Rendering(key)
	if !ok {
		t.Fatal("expected the replicated Rendering metadata to resolve")
	}
	if r.FrameBuffer != nil {
		t.Fatal("a rank that does not own the rendering must not get a frame buffer")
	}
}

func TestCameraResolvesThroughARenderingToItsCameraRecord(t *testing.T) {
	tbl := testTable(0)
	ctx := context.Background()
	camKey, err := tbl.Create(ctx, ClassCamera, CameraRecord{Eye: f32.Vec3{0, 0, 5}, Dir: f32.Vec3{0, 0, -1}, Up: f32.Vec3{0, 1, 0}, AOV: 50, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("Create camera: %v", err)
	}
	renderingKey, err := tbl.CreateRendering(ctx, RenderingRecord{CameraKey: camKey, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}

	cam, ok := tbl.Camera(renderingKey)
	if !ok {
		t.Fatal("expected Camera to resolve through the rendering's CameraKey")
	}
	if cam.AOV != 50 || cam.Width != 16 {
		t.Fatalf("got %+v", cam)
	}
}

func TestVisualizationFactoryCombinesTheRecordWithTheLocalDataset(t *testing.T) {
	field := &kernel.ScalarField{Dims: [3]int{2, 2, 2}, Spacing: f32.Vec3{1, 1, 1}, Data: make([]float32, 8)}
	parts := &partition.Partitioning{}
	tbl := testTable(0)
	tbl.Datasets = fakeDatasets{field: field, parts: parts}

	key, err := tbl.CreateVisualization(context.Background(), VisualizationRecord{
		Stops: []kernel.ColorStop{{Value: 0, Color: f32.Vec3{1, 0, 0}}},
	})
	if err != nil {
		t.Fatalf("CreateVisualization: %v", err)
	}

	vis, ok := tbl.Visualization(key)
	if !ok {
		t.Fatal("expected the Visualization to resolve")
	}
	if vis.Field != field || vis.Partitioning != parts {
		t.Fatal("expected the built Visualization to reference the locally loaded dataset")
	}
	if vis.Rank != 0 {
		t.Fatalf("Rank = %d, want 0", vis.Rank)
	}
}

func TestSetResolvesTheSameRenderingSetPointer(t *testing.T) {
	tbl := testTable(0)
	key, set, err := tbl.CreateRenderingSet(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateRenderingSet: %v", err)
	}
	if got := tbl.Set(key); got != set {
		t.Fatalf("Set(key) = %p, want %p", got, set)
	}
}

func TestSamplerRenderingAttachesAStoreOnlyForTheOwner(t *testing.T) {
	tbl := testTable(3)
	key, err := tbl.CreateRendering(context.Background(), RenderingRecord{Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}

	sr, ok := tbl.SamplerRendering(key)
	if !ok {
		t.Fatal("expected the rendering to resolve")
	}
	if sr.Store == nil {
		t.Fatal("the owning rank's sampler.Rendering must carry a Store")
	}
	if got := tbl.SamplerStore(key); got != sr.Store {
		t.Fatal("SamplerStore should return the same Store on repeated calls")
	}
}

func TestDropRejectsANonOwningRankAndRemovesTheEntryForTheOwner(t *testing.T) {
	tbl := testTable(0)
	key, err := tbl.Create(context.Background(), ClassCamera, CameraRecord{Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	other := testTable(1)
	// Simulate a replica on rank 1 so Drop has something to refuse to
	// remove on the wrong rank.
	other.entries.Store(key, &entry{tag: ClassCamera, owner: 0, value: CameraRecord{}})
	if err := other.Drop(context.Background(), key); err == nil {
		t.Fatal("expected Drop to refuse to remove a key this rank does not own")
	}

	if err := tbl.Drop(context.Background(), key); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, _, _, ok := tbl.Get(key); ok {
		t.Fatal("expected the key to be gone from the owner's table after Drop")
	}
}

func TestOnDropRemovesADependentReplica(t *testing.T) {
	tbl := testTable(1)
	key := objkey.Key(42)
	tbl.entries.Store(key, &entry{tag: ClassCamera, owner: 0, value: CameraRecord{}})

	tbl.onDrop(context.Background(), dropPayload(key))

	if _, _, _, ok := tbl.Get(key); ok {
		t.Fatal("expected onDrop to remove the replica")
	}
}

func TestRenderingsInSetFindsOnlyTheMatchingSet(t *testing.T) {
	ctx := context.Background()
	tbl := testTable(0)

	r1, err := tbl.CreateRendering(ctx, RenderingRecord{SetKey: 0})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}
	r2, err := tbl.CreateRendering(ctx, RenderingRecord{SetKey: 0})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}
	r3, err := tbl.CreateRendering(ctx, RenderingRecord{SetKey: 99})
	if err != nil {
		t.Fatalf("CreateRendering: %v", err)
	}

	got := map[objkey.Key]bool{}
	for _, k := range tbl.RenderingsInSet(0) {
		got[k] = true
	}
	if !got[r1] || !got[r2] || got[r3] {
		t.Fatalf("RenderingsInSet(0) = %v, want {%d,%d} and not %d", got, r1, r2, r3)
	}
	if len(tbl.RenderingsInSet(99)) != 1 {
		t.Fatalf("RenderingsInSet(99) = %v, want exactly {%d}", tbl.RenderingsInSet(99), r3)
	}
}
