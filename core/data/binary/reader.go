package binary

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader provides methods for decoding fixed-width values from a byte
// buffer. Once an error occurs (typically a short read) all further reads
// return the zero value and Error() reports the cause.
type Reader interface {
	Data([]byte)
	Bool() bool
	Int8() int8
	Uint8() uint8
	Int16() int16
	Uint16() uint16
	Int32() int32
	Uint32() uint32
	Float32() float32
	Int64() int64
	Uint64() uint64
	Float64() float64
	String() string
	Error() error
	SetError(error)
	// Remaining returns the number of unread bytes.
	Remaining() int
}

// NewReader returns a Reader over buf. buf is not copied or retained beyond
// reading; callers must not mutate it while reading.
func NewReader(buf []byte) Reader { return &byteReader{buf: buf} }

type byteReader struct {
	buf []byte
	pos int
	err error
}

func (r *byteReader) Error() error { return r.err }
func (r *byteReader) SetError(e error) {
	if r.err == nil {
		r.err = e
	}
}
func (r *byteReader) Remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.pos+n > len(r.buf) {
		r.SetError(fmt.Errorf("binary: short read: need %d bytes, have %d", n, len(r.buf)-r.pos))
		return make([]byte, n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) Data(v []byte) { copy(v, r.take(len(v))) }

func (r *byteReader) Bool() bool { return r.Uint8() != 0 }

func (r *byteReader) Int8() int8   { return int8(r.Uint8()) }
func (r *byteReader) Uint8() uint8 { b := r.take(1); return b[0] }

func (r *byteReader) Int16() int16   { return int16(r.Uint16()) }
func (r *byteReader) Uint16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }

func (r *byteReader) Int32() int32   { return int32(r.Uint32()) }
func (r *byteReader) Uint32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }

func (r *byteReader) Int64() int64   { return int64(r.Uint64()) }
func (r *byteReader) Uint64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *byteReader) Float32() float32 { return math.Float32frombits(r.Uint32()) }
func (r *byteReader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *byteReader) String() string {
	n := r.Uint32()
	return string(r.take(int(n)))
}

// ReadFloat32Slice reads n float32s with no length prefix.
func ReadFloat32Slice(r Reader, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()
	}
	return out
}

// ReadInt32Slice reads n int32s with no length prefix.
func ReadInt32Slice(r Reader, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32()
	}
	return out
}
