package wire

import (
	"testing"

	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
)

func TestRayListRoundTrip(t *testing.T) {
	rl := raylist.New(objkey.Key(1), objkey.Key(2), objkey.Key(3), 7, 3, raylist.Secondary)
	rl.Header.ID = 42
	rl.SetOrigin(0, [3]float32{1, 2, 3})
	rl.SetDirection(1, [3]float32{0, 0, 1})
	rl.R[2] = 0.5
	rl.Term[1] = int32(raylist.FlagSurface | raylist.FlagOpaque)
	rl.Classification[2] = int32(raylist.Boundary)

	data := EncodeRayList(rl)
	got, err := DecodeRayList(data)
	if err != nil {
		t.Fatalf("DecodeRayList: %v", err)
	}

	if got.Header != rl.Header {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Header, rl.Header)
	}
	if got.Ox[0] != 1 || got.Oy[0] != 2 || got.Oz[0] != 3 {
		t.Fatalf("origin[0] mismatch: got (%v,%v,%v)", got.Ox[0], got.Oy[0], got.Oz[0])
	}
	if got.Dz[1] != 1 {
		t.Fatalf("direction[1].z mismatch: got %v", got.Dz[1])
	}
	if got.R[2] != 0.5 {
		t.Fatalf("R[2] mismatch: got %v", got.R[2])
	}
	if got.Term[1] != rl.Term[1] {
		t.Fatalf("Term[1] mismatch: got %v want %v", got.Term[1], rl.Term[1])
	}
	if got.Classification[2] != rl.Classification[2] {
		t.Fatalf("Classification[2] mismatch: got %v want %v", got.Classification[2], rl.Classification[2])
	}
	if len(got.Ox) != len(rl.Ox) {
		t.Fatalf("aligned length mismatch: got %d want %d", len(got.Ox), len(rl.Ox))
	}
}

func TestPixelBatchRoundTrip(t *testing.T) {
	contribs := []PixelContribution{
		{X: 1, Y: 2, R: 0.1, G: 0.2, B: 0.3, A: 1, Negative: false},
		{X: 5, Y: 6, R: -0.1, G: 0, B: 0, A: 0.5, Negative: true},
	}
	data := EncodePixelBatch(objkey.Key(9), 3, contribs)
	key, frame, got, err := DecodePixelBatch(data)
	if err != nil {
		t.Fatalf("DecodePixelBatch: %v", err)
	}
	if key != objkey.Key(9) || frame != 3 {
		t.Fatalf("header mismatch: key=%v frame=%v", key, frame)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(got))
	}
	if got[1].Negative != true || got[1].R != -0.1 {
		t.Fatalf("contribution[1] mismatch: %+v", got[1])
	}
}

func TestDecodeRayListReportsShortReadError(t *testing.T) {
	if _, err := DecodeRayList([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected a short-read error decoding a truncated buffer")
	}
}
