// Package mesgpb holds the wire envelope for the gRPC bidirectional
// stream that carries every class of message the messaging substrate
// (§4.1) sends between ranks: broadcasts, point-to-point sends, and
// barrier participation are all framed as a Frame with a class tag and an
// opaque payload, exactly as gapir/replay_service frames a ReplayRequest
// around whatever the replay protocol needs next.
//
// This file is maintained by hand rather than generated by protoc (no
// .proto toolchain is part of this build), but implements the same
// minimal proto.Message surface protoc-gen-go emits, so it marshals
// through the standard github.com/golang/protobuf/proto codec.
package mesgpb

import "fmt"

// Frame is the envelope for one message on the wire. ClassTag identifies
// which message kind Payload decodes as (see gxy/mesg's class registry);
// SourceRank and Seq give the (source, class) ordering key §4.1 requires.
// Barrier traffic has no field of its own; it travels as ordinary frames
// under the class tags gxy/mesg reserves for it.
type Frame struct {
	ClassTag   int32  `protobuf:"varint,1,opt,name=class_tag,json=classTag,proto3" json:"class_tag,omitempty"`
	SourceRank int32  `protobuf:"varint,2,opt,name=source_rank,json=sourceRank,proto3" json:"source_rank,omitempty"`
	Seq        uint64 `protobuf:"varint,3,opt,name=seq,proto3" json:"seq,omitempty"`
	Payload    []byte `protobuf:"bytes,4,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *Frame) Reset()         { *m = Frame{} }
func (m *Frame) String() string { return fmt.Sprintf("Frame{class=%d src=%d seq=%d len=%d}", m.ClassTag, m.SourceRank, m.Seq, len(m.Payload)) }
func (*Frame) ProtoMessage()    {}

// GetClassTag returns m.ClassTag, or 0 for a nil Frame, matching the
// generated nil-safe accessor convention.
func (m *Frame) GetClassTag() int32 {
	if m != nil {
		return m.ClassTag
	}
	return 0
}

// GetSourceRank returns m.SourceRank, or 0 for a nil Frame.
func (m *Frame) GetSourceRank() int32 {
	if m != nil {
		return m.SourceRank
	}
	return 0
}

// GetPayload returns m.Payload, or nil for a nil Frame.
func (m *Frame) GetPayload() []byte {
	if m != nil {
		return m.Payload
	}
	return nil
}
