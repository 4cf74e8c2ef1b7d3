// Package wire implements the byte layouts named in spec.md §4.4/§6: a
// RayList's fixed header plus its twenty float32 and five int32 arrays, and
// a pixel-contribution batch, both built on the teacher-derived
// core/data/binary fixed-width codec rather than the outer gRPC proto
// envelope (gxy/mesgpb), which only carries the opaque class tag/source
// rank/sequence/payload quadruple -- exactly the split SPEC_FULL.md §3
// describes ("proto only for the outer envelope, raw buffers for the hot
// payload").
package wire

import (
	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/raylist"
)

// EncodeRayList serializes rl's header and every field array, in
// declaration order, with the aligned (not logical) length for each array
// so the receiver can allocate once and decode directly into place.
func EncodeRayList(rl *raylist.RayList) []byte {
	w := binary.NewWriter()
	h := rl.Header
	w.Int64(int64(h.RendererKey))
	w.Int64(int64(h.RenderingKey))
	w.Int64(int64(h.RenderingSetKey))
	w.Int32(h.Frame)
	w.Int32(h.ID)
	w.Int32(h.Size)
	w.Int32(h.AlignedSize)
	w.Int32(int32(h.Type))

	for _, f := range [][]float32{
		rl.Ox, rl.Oy, rl.Oz,
		rl.Dx, rl.Dy, rl.Dz,
		rl.Nx, rl.Ny, rl.Nz,
		rl.Sample,
		rl.R, rl.G, rl.B, rl.O,
		rl.Sr, rl.Sg, rl.Sb, rl.So,
		rl.T, rl.TMax,
	} {
		binary.WriteFloat32Slice(w, f)
	}
	for _, f := range [][]int32{rl.X, rl.Y, rl.RayType, rl.Term, rl.Classification} {
		binary.WriteInt32Slice(w, f)
	}
	return w.Bytes()
}

// DecodeRayList is the inverse of EncodeRayList.
func DecodeRayList(data []byte) (*raylist.RayList, error) {
	r := binary.NewReader(data)
	h := raylist.Header{
		RendererKey:     objkey.Key(r.Int64()),
		RenderingKey:    objkey.Key(r.Int64()),
		RenderingSetKey: objkey.Key(r.Int64()),
		Frame:           r.Int32(),
		ID:              r.Int32(),
		Size:            r.Int32(),
		AlignedSize:     r.Int32(),
		Type:            raylist.Type(r.Int32()),
	}

	rl := raylist.New(h.RendererKey, h.RenderingKey, h.RenderingSetKey, int(h.Frame), int(h.Size), h.Type)
	rl.Header = h
	n := int(h.AlignedSize)

	floatFields := []*[]float32{
		&rl.Ox, &rl.Oy, &rl.Oz,
		&rl.Dx, &rl.Dy, &rl.Dz,
		&rl.Nx, &rl.Ny, &rl.Nz,
		&rl.Sample,
		&rl.R, &rl.G, &rl.B, &rl.O,
		&rl.Sr, &rl.Sg, &rl.Sb, &rl.So,
		&rl.T, &rl.TMax,
	}
	for _, f := range floatFields {
		*f = binary.ReadFloat32Slice(r, n)
	}
	intFields := []*[]int32{&rl.X, &rl.Y, &rl.RayType, &rl.Term, &rl.Classification}
	for _, f := range intFields {
		*f = binary.ReadInt32Slice(r, n)
	}
	return rl, r.Error()
}

// PixelContribution is one pixel delta as carried by a SendPixelsMsg.
type PixelContribution struct {
	X, Y       int32
	R, G, B, A float32
	Negative   bool
}

// EncodePixelBatch serializes a SendPixelsMsg payload: the target rendering
// key, the frame the contributions belong to, and the contribution list.
func EncodePixelBatch(renderingKey objkey.Key, frame int32, contribs []PixelContribution) []byte {
	w := binary.NewWriter()
	w.Int64(int64(renderingKey))
	w.Int32(frame)
	w.Uint32(uint32(len(contribs)))
	for _, c := range contribs {
		w.Int32(c.X)
		w.Int32(c.Y)
		w.Float32(c.R)
		w.Float32(c.G)
		w.Float32(c.B)
		w.Float32(c.A)
		w.Bool(c.Negative)
	}
	return w.Bytes()
}

// DecodePixelBatch is the inverse of EncodePixelBatch.
func DecodePixelBatch(data []byte) (renderingKey objkey.Key, frame int32, contribs []PixelContribution, err error) {
	r := binary.NewReader(data)
	renderingKey = objkey.Key(r.Int64())
	frame = r.Int32()
	n := r.Uint32()
	contribs = make([]PixelContribution, n)
	for i := range contribs {
		contribs[i] = PixelContribution{
			X:        r.Int32(),
			Y:        r.Int32(),
			R:        r.Float32(),
			G:        r.Float32(),
			B:        r.Float32(),
			A:        r.Float32(),
			Negative: r.Bool(),
		}
	}
	return renderingKey, frame, contribs, r.Error()
}
