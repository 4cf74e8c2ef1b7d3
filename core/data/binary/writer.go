// Package binary provides the fixed-layout encoder/decoder used for every
// wire message in §6: RayList SoA buffers, pixel-contribution batches and
// message headers are all written through a Writer and read back through a
// matching Reader, rather than via reflection-based encoding, so the byte
// layout is exactly the one spec.md §4.4/§6 names.
package binary

import (
	"encoding/binary"
	"math"
)

// Writer provides methods for encoding fixed-width values into a byte
// buffer. Once an error occurs all further writes are no-ops.
type Writer interface {
	// Data writes the data bytes in their entirety.
	Data([]byte)
	Bool(bool)
	Int8(int8)
	Uint8(uint8)
	Int16(int16)
	Uint16(uint16)
	Int32(int32)
	Uint32(uint32)
	Float32(float32)
	Int64(int64)
	Uint64(uint64)
	Float64(float64)
	String(string)
	// Error returns the error that stopped writing, or nil.
	Error() error
	// SetError sets the error state, stopping all further writes.
	SetError(error)
	// Bytes returns the accumulated buffer.
	Bytes() []byte
}

// NewWriter returns a Writer that appends to an internal buffer.
func NewWriter() Writer { return &byteWriter{} }

type byteWriter struct {
	buf []byte
	err error
}

func (w *byteWriter) Error() error { return w.err }
func (w *byteWriter) Bytes() []byte { return w.buf }

func (w *byteWriter) SetError(e error) {
	if w.err == nil {
		w.err = e
	}
}

func (w *byteWriter) Data(v []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v...)
}

func (w *byteWriter) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *byteWriter) Int8(v int8)   { w.Uint8(uint8(v)) }
func (w *byteWriter) Uint8(v uint8) { w.Data([]byte{v}) }

func (w *byteWriter) Int16(v int16)   { w.Uint16(uint16(v)) }
func (w *byteWriter) Uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Data(b[:])
}

func (w *byteWriter) Int32(v int32)   { w.Uint32(uint32(v)) }
func (w *byteWriter) Uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Data(b[:])
}

func (w *byteWriter) Int64(v int64)   { w.Uint64(uint64(v)) }
func (w *byteWriter) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Data(b[:])
}

func (w *byteWriter) Float32(v float32) { w.Uint32(math.Float32bits(v)) }
func (w *byteWriter) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

func (w *byteWriter) String(v string) {
	w.Uint32(uint32(len(v)))
	w.Data([]byte(v))
}

// WriteFloat32Slice writes a slice of float32 with no length prefix (the
// length is implied by the RayList/message header's aligned size field).
func WriteFloat32Slice(w Writer, v []float32) {
	for _, f := range v {
		w.Float32(f)
	}
}

// WriteInt32Slice writes a slice of int32 with no length prefix.
func WriteInt32Slice(w Writer, v []int32) {
	for _, i := range v {
		w.Int32(i)
	}
}
