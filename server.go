package grpcduplex

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

// ServerStream is the server side of a bidirectional gRPC stream. Streams
// passed to generated service handlers (grpc.BidiStreamingServer) implement
// it.
type ServerStream[S, R any] interface {
	Context() context.Context
	Send(S) error
	Recv() (R, error)
}

// ServeDuplex adapts the given server stream to a DuplexStream and calls
// handler with it. It is meant to be called from a service's handler method:
//
//	func (s *server) Chat(stream pb.ChatService_ChatServer) error {
//	    return grpcduplex.ServeDuplex(stream, s.chat)
//	}
//
// The handler's context is the stream's context, cancelled when the call ends
// or when Cancel is called on the DuplexStream. When the client half-closes
// the stream, Recv returns io.EOF, but the call remains active so the handler
// can keep sending. After the handler returns, messages it queued are still
// sent before ServeDuplex returns the handler's error. If the handler returns
// nil after the call was cancelled, or after a send failed, that error is
// returned instead.
func ServeDuplex[S, R any](stream ServerStream[S, R], handler func(context.Context, *DuplexStream[S, R]) error, opts ...Option) error {
	co := newCallOpts(opts)
	q, call, transmitDone, err := bindServer(stream, co)
	if err != nil {
		return err
	}
	return serve(call, q, transmitDone, func() error {
		return handler(call.ctx, NewDuplexStream(&Sender[S]{q: q}, Receiver[R](call)))
	})
}

// ServeAsyncDuplex is like ServeDuplex, except the handler is given an
// AsyncDuplexStream.
func ServeAsyncDuplex[S, R any](stream ServerStream[S, R], handler func(context.Context, *AsyncDuplexStream[S, R]) error, opts ...Option) error {
	co := newCallOpts(opts)
	q, call, transmitDone, err := bindServer(stream, co)
	if err != nil {
		return err
	}
	return serve(call, q, transmitDone, func() error {
		return handler(call.ctx, NewAsyncDuplexStream(&AsyncSender[S]{q: q}, AsyncReceiver[R](call)))
	})
}

func bindServer[S, R any](stream ServerStream[S, R], co *callOpts) (*handoffQueue[S], *streamCall[R], <-chan struct{}, error) {
	if co.method == "" {
		co.method, _ = grpc.Method(stream.Context())
	}
	ctx, cancel := context.WithCancelCause(stream.Context())
	call := newStreamCall[R](ctx, cancel, false, co)
	q := newHandoffQueue[S](co.queueOpts...)

	transmitDone := make(chan struct{})
	err := co.start(
		func() { call.recvLoop(stream.Recv) },
		func() {
			defer close(transmitDone)
			_ = runTransmit(call, q, stream.Send, nil)
		},
	)
	if err != nil {
		call.abort(err)
		return nil, nil, nil, err
	}
	return q, call, transmitDone, nil
}

func serve[S, R any](call *streamCall[R], q *handoffQueue[S], transmitDone <-chan struct{}, handler func() error) error {
	err := handler()

	// flush anything the handler queued
	q.close(io.EOF)
	<-transmitDone

	if err == nil {
		err = call.aborted()
	}
	if err == nil {
		call.terminate(io.EOF, true)
	} else {
		call.terminate(err, true)
	}
	call.cancel(nil)
	return err
}
