package mesgpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MesgClient is the client API for the single-RPC Mesg gRPC service: one
// bidirectional stream per peer connection over which every Frame (of
// every class) is multiplexed. Hand-written in the shape
// protoc-gen-go-grpc would produce for a service with one `stream Frame
// returns (stream Frame)` RPC.
type MesgClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (Mesg_StreamClient, error)
}

type mesgClient struct {
	cc grpc.ClientConnInterface
}

// NewMesgClient wraps a grpc.ClientConn (or any ClientConnInterface) as a
// MesgClient.
func NewMesgClient(cc grpc.ClientConnInterface) MesgClient {
	return &mesgClient{cc}
}

func (c *mesgClient) Stream(ctx context.Context, opts ...grpc.CallOption) (Mesg_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &_Mesg_serviceDesc.Streams[0], "/gxy.mesg.Mesg/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &mesgStreamClient{stream}, nil
}

// Mesg_StreamClient is the client side of the bidirectional Frame stream.
type Mesg_StreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type mesgStreamClient struct{ grpc.ClientStream }

func (s *mesgStreamClient) Send(f *Frame) error { return s.ClientStream.SendMsg(f) }
func (s *mesgStreamClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MesgServer is the server API for the Mesg service.
type MesgServer interface {
	Stream(Mesg_StreamServer) error
}

// Mesg_StreamServer is the server side of the bidirectional Frame stream.
type Mesg_StreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type mesgStreamServer struct{ grpc.ServerStream }

func (s *mesgStreamServer) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }
func (s *mesgStreamServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Mesg_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	server, ok := srv.(MesgServer)
	if !ok {
		return status.Error(codes.Internal, "mesgpb: server does not implement MesgServer")
	}
	return server.Stream(&mesgStreamServer{stream})
}

// RegisterMesgServer registers srv as the Mesg gRPC service on s.
func RegisterMesgServer(s *grpc.Server, srv MesgServer) {
	s.RegisterService(&_Mesg_serviceDesc, srv)
}

var _Mesg_serviceDesc = grpc.ServiceDesc{
	ServiceName: "gxy.mesg.Mesg",
	HandlerType: (*MesgServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Mesg_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gxy/mesg.proto",
}
