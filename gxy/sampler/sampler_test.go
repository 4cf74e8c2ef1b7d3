package sampler

import (
	"context"
	"testing"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
	"github.com/gxy-project/gxy/gxy/renderset"
)

type fakeRenderings map[objkey.Key]Rendering

func (f fakeRenderings) Rendering(key objkey.Key) (Rendering, bool) {
	r, ok := f[key]
	return r, ok
}

type fakeSets map[objkey.Key]*renderset.Set

func (f fakeSets) Set(key objkey.Key) *renderset.Set { return f[key] }

func newRayList(x raylist.Class, origin f32.Vec3) *raylist.RayList {
	rl := raylist.New(0, 1, 1, 0, 1, raylist.Primary)
	rl.Classification[0] = int32(x)
	rl.SetOrigin(0, origin)
	return rl
}

func TestHandleTerminatedAddsDirectlyToLocalStore(t *testing.T) {
	store := &Store{}
	renderings := fakeRenderings{1: {OwnerRank: 0, Store: store}}
	k := &Kernel{Rank: 0, Renderings: renderings}

	rl := newRayList(raylist.Terminated, f32.Vec3{1, 2, 3})
	if err := k.HandleTerminated(context.Background(), nil, rl); err != nil {
		t.Fatalf("HandleTerminated: %v", err)
	}

	got := store.Snapshot()
	if len(got) != 1 || got[0].Position != (f32.Vec3{1, 2, 3}) {
		t.Fatalf("expected a single particle at (1,2,3), got %v", got)
	}
}

func TestHandleTerminatedIgnoresNonTerminatedRays(t *testing.T) {
	store := &Store{}
	renderings := fakeRenderings{1: {OwnerRank: 0, Store: store}}
	k := &Kernel{Rank: 0, Renderings: renderings}

	rl := newRayList(raylist.Boundary, f32.Vec3{1, 2, 3})
	if err := k.HandleTerminated(context.Background(), nil, rl); err != nil {
		t.Fatalf("HandleTerminated: %v", err)
	}
	if len(store.Snapshot()) != 0 {
		t.Fatal("a Boundary-classified ray must not be sampled")
	}
}

// TestOnSendSamplesDeliversToTheLocalStoreAndUpdatesItsSet exercises the
// receiving side of a ClassSendSamples message directly (the half that
// runs on the owning rank once the payload has arrived over the wire),
// without needing an actual connected pair of Substrates.
func TestOnSendSamplesDeliversToTheLocalStoreAndUpdatesItsSet(t *testing.T) {
	subB := mesg.New(1, 2)
	store := &Store{}
	sb := renderset.New(subB, objkey.Key(5), nil)
	renderingsB := fakeRenderings{1: {OwnerRank: 1, SetKey: 5, Store: store}}
	sets := fakeSets{5: sb}
	kb := New(subB, renderingsB, sets)

	payload := encodeSamples(objkey.Key(1), []Particle{{Position: f32.Vec3{4, 5, 6}}})
	if err := kb.onSendSamples(payload); err != nil {
		t.Fatalf("onSendSamples: %v", err)
	}

	got := store.Snapshot()
	if len(got) != 1 || got[0].Position != (f32.Vec3{4, 5, 6}) {
		t.Fatalf("expected the particle to land in the owning rank's store, got %v", got)
	}
	if !sb.Busy() {
		t.Fatal("receiving samples must be recorded on the set (pixels received now exceed pixels sent)")
	}
}

func TestHandleTerminatedReturnsErrorWhenRenderingIsUnknown(t *testing.T) {
	k := &Kernel{Rank: 0, Renderings: fakeRenderings{}}
	rl := newRayList(raylist.Terminated, f32.Vec3{0, 0, 0})
	if err := k.HandleTerminated(context.Background(), nil, rl); err == nil {
		t.Fatal("HandleTerminated should report an error for an unregistered rendering key")
	}
}

func TestEncodeDecodeSamplesRoundTrips(t *testing.T) {
	samples := []Particle{{Position: f32.Vec3{1, 2, 3}}, {Position: f32.Vec3{-1, 0, 0.5}}}
	payload := encodeSamples(objkey.Key(7), samples)

	key, got, err := decodeSamples(payload)
	if err != nil {
		t.Fatalf("decodeSamples: %v", err)
	}
	if key != 7 {
		t.Fatalf("key = %d, want 7", key)
	}
	if len(got) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
}
