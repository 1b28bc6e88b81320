package grpcduplex

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// ClientStream is the client side of a bidirectional gRPC stream. Streams
// returned by generated stubs (grpc.BidiStreamingClient) implement it.
type ClientStream[S, R any] interface {
	Context() context.Context
	Send(S) error
	Recv() (R, error)
	CloseSend() error
}

// Open starts a bidirectional streaming call to the given method and returns
// it as a DuplexStream. The desc must describe a stream that is streaming in
// both directions. Messages given to Send are written to the stream by a
// background goroutine; calling CloseSend half-closes the stream once they
// have all been written.
//
// The call's context is derived from ctx. Cancelling ctx, or calling Cancel
// on the returned stream, aborts the call.
//
// Since cc can be any grpc.ClientConnInterface, this works with a
// *grpc.ClientConn and with in-process and tunnel channels alike.
func Open[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, opts ...Option) (*DuplexStream[*Req, *Res], error) {
	co := newCallOpts(opts)
	stream, cancel, err := newClientStream[Req, Res](ctx, cc, desc, method, co)
	if err != nil {
		return nil, err
	}
	q, call, err := bindClient[*Req, *Res](stream, cancel, co)
	if err != nil {
		return nil, err
	}
	return NewDuplexStream(&Sender[*Req]{q: q}, Receiver[*Res](call)), nil
}

// OpenAsync is like Open, except it returns an AsyncDuplexStream.
func OpenAsync[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, opts ...Option) (*AsyncDuplexStream[*Req, *Res], error) {
	co := newCallOpts(opts)
	stream, cancel, err := newClientStream[Req, Res](ctx, cc, desc, method, co)
	if err != nil {
		return nil, err
	}
	q, call, err := bindClient[*Req, *Res](stream, cancel, co)
	if err != nil {
		return nil, err
	}
	return NewAsyncDuplexStream(&AsyncSender[*Req]{q: q}, AsyncReceiver[*Res](call)), nil
}

// NewClientStream wraps an already established client stream, such as one
// returned by a generated stub, in a DuplexStream. From then on, the stream
// must only be used through the returned DuplexStream.
//
// The cancel function should be the one that cancels the context used to
// create the stream: it is how Cancel aborts the call. If it is nil, Cancel
// and send failures still terminate the DuplexStream, but the call itself
// stays open until the context used to create it is done.
func NewClientStream[S, R any](stream ClientStream[S, R], cancel context.CancelFunc, opts ...Option) (*DuplexStream[S, R], error) {
	co := newCallOpts(opts)
	q, call, err := bindClient(stream, cancel, co)
	if err != nil {
		return nil, err
	}
	return NewDuplexStream(&Sender[S]{q: q}, Receiver[R](call)), nil
}

// NewAsyncClientStream is like NewClientStream, except it returns an
// AsyncDuplexStream.
func NewAsyncClientStream[S, R any](stream ClientStream[S, R], cancel context.CancelFunc, opts ...Option) (*AsyncDuplexStream[S, R], error) {
	co := newCallOpts(opts)
	q, call, err := bindClient(stream, cancel, co)
	if err != nil {
		return nil, err
	}
	return NewAsyncDuplexStream(&AsyncSender[S]{q: q}, AsyncReceiver[R](call)), nil
}

func newClientStream[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, co *callOpts) (ClientStream[*Req, *Res], context.CancelFunc, error) {
	if !desc.ClientStreams || !desc.ServerStreams {
		return nil, nil, fmt.Errorf("grpcduplex: %s is not a bidirectional stream", method)
	}
	co.method = method
	ctx, cancel := context.WithCancel(ctx)
	cs, err := cc.NewStream(ctx, desc, method, co.grpcOpts...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return &grpc.GenericClientStream[Req, Res]{ClientStream: cs}, cancel, nil
}

// bindClient starts the goroutines that move messages between the stream and
// the returned outbound queue and call.
func bindClient[S, R any](stream ClientStream[S, R], cancelRPC context.CancelFunc, co *callOpts) (*handoffQueue[S], *streamCall[R], error) {
	ctx, cancel := context.WithCancelCause(stream.Context())
	if cancelRPC != nil {
		context.AfterFunc(ctx, cancelRPC)
	}
	call := newStreamCall[R](ctx, cancel, true, co)
	q := newHandoffQueue[S](co.queueOpts...)

	err := co.start(
		func() { call.recvLoop(stream.Recv) },
		func() { _ = runTransmit(call, q, stream.Send, stream.CloseSend) },
	)
	if err != nil {
		call.abort(err)
		return nil, nil, err
	}
	return q, call, nil
}
