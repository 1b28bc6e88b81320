package grpcduplex

import (
	"context"
	"io"
	"iter"
	"time"
)

// AsyncDuplexStream is the counterpart of DuplexStream for code that must be
// able to stop waiting when a context is done. Sending and receiving take a
// context; SendNoWait never waits at all.
//
// Like DuplexStream, it holds no state of its own: everything about the call
// lives in the receiver.
type AsyncDuplexStream[S, R any] struct {
	sender   *AsyncSender[S]
	receiver AsyncReceiver[R]
}

var _ AsyncReceiver[any] = (*AsyncDuplexStream[any, any])(nil)

// NewAsyncDuplexStream creates an AsyncDuplexStream from the given halves.
// It panics if either is nil.
func NewAsyncDuplexStream[S, R any](sender *AsyncSender[S], receiver AsyncReceiver[R]) *AsyncDuplexStream[S, R] {
	if sender == nil {
		panic("grpcduplex: nil sender")
	}
	if receiver == nil {
		panic("grpcduplex: nil receiver")
	}
	return &AsyncDuplexStream[S, R]{sender: sender, receiver: receiver}
}

// Sender returns the stream's producer half.
func (d *AsyncDuplexStream[S, R]) Sender() *AsyncSender[S] {
	return d.sender
}

// Send queues msg to be sent. See AsyncSender.Send.
func (d *AsyncDuplexStream[S, R]) Send(ctx context.Context, msg S) error {
	return d.sender.Send(ctx, msg)
}

// SendNoWait queues msg without waiting. See AsyncSender.SendNoWait.
func (d *AsyncDuplexStream[S, R]) SendNoWait(msg S) error {
	return d.sender.SendNoWait(msg)
}

// CloseSend indicates that no more messages will be sent.
func (d *AsyncDuplexStream[S, R]) CloseSend() error {
	return d.sender.CloseSend()
}

// Recv waits for the next received message or for ctx to be done. It returns
// io.EOF after the call completes normally and the call's error if it fails.
func (d *AsyncDuplexStream[S, R]) Recv(ctx context.Context) (R, error) {
	return d.receiver.RecvContext(ctx)
}

// RecvContext is the same as Recv. It lets an AsyncDuplexStream be used
// wherever an AsyncReceiver is expected.
func (d *AsyncDuplexStream[S, R]) RecvContext(ctx context.Context) (R, error) {
	return d.receiver.RecvContext(ctx)
}

// All returns a sequence over received messages, like DuplexStream.All. If
// ctx is done while waiting, the last pair yielded carries ctx.Err().
func (d *AsyncDuplexStream[S, R]) All(ctx context.Context) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for {
			msg, err := d.receiver.RecvContext(ctx)
			if err == io.EOF {
				return
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

// IsActive forwards to the receiver. See CallControl.IsActive.
func (d *AsyncDuplexStream[S, R]) IsActive() bool {
	return d.receiver.IsActive()
}

// TimeRemaining forwards to the receiver. See CallControl.TimeRemaining.
func (d *AsyncDuplexStream[S, R]) TimeRemaining() (time.Duration, bool) {
	return d.receiver.TimeRemaining()
}

// Cancel forwards to the receiver. See CallControl.Cancel.
func (d *AsyncDuplexStream[S, R]) Cancel() {
	d.receiver.Cancel()
}

// AddCallback forwards to the receiver. See CallControl.AddCallback.
func (d *AsyncDuplexStream[S, R]) AddCallback(fn func()) bool {
	return d.receiver.AddCallback(fn)
}
