// Package echoservice contains a small bidirectional streaming service used
// to exercise duplex streams over real gRPC transports. The service
// definition is written by hand, in the shape protoc-gen-go-grpc would
// produce, using wrapperspb.StringValue for both requests and responses.
package echoservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/grpcduplex"
)

const (
	ServiceName = "grpcduplex.testing.EchoService"
	ChatMethod  = "/grpcduplex.testing.EchoService/Chat"
)

// EchoServiceServer is the server API for the echo service.
type EchoServiceServer interface {
	Chat(grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
}

// ServiceDesc is the grpc.ServiceDesc for the echo service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EchoServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Chat",
			Handler:       chatHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "grpcduplex/testing/echo.proto",
}

// ChatStreamDesc describes the Chat method.
var ChatStreamDesc = &ServiceDesc.Streams[0]

// RegisterEchoServiceServer registers srv with the given registrar, which
// may be a *grpc.Server, a grpchan.HandlerMap, or an in-process channel.
func RegisterEchoServiceServer(reg grpc.ServiceRegistrar, srv EchoServiceServer) {
	reg.RegisterService(&ServiceDesc, srv)
}

func chatHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(EchoServiceServer).Chat(&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
}

// NewChatStream starts a Chat call and returns the raw client stream.
func NewChatStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.BidiStreamingClient[wrapperspb.StringValue, wrapperspb.StringValue], error) {
	cs, err := cc.NewStream(ctx, ChatStreamDesc, ChatMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.StringValue]{ClientStream: cs}, nil
}

// OpenChat starts a Chat call and returns it as a duplex stream.
func OpenChat(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpcduplex.Option) (*grpcduplex.DuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue], error) {
	return grpcduplex.Open[wrapperspb.StringValue, wrapperspb.StringValue](ctx, cc, ChatStreamDesc, ChatMethod, opts...)
}

// OpenAsyncChat starts a Chat call and returns it as an async duplex stream.
func OpenAsyncChat(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpcduplex.Option) (*grpcduplex.AsyncDuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue], error) {
	return grpcduplex.OpenAsync[wrapperspb.StringValue, wrapperspb.StringValue](ctx, cc, ChatStreamDesc, ChatMethod, opts...)
}
