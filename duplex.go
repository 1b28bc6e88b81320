package grpcduplex

import (
	"io"
	"iter"
	"time"
)

// DuplexStream composes a Sender and a Receiver into one handle that looks
// like the original bidirectional stream: it can send, receive, and control
// the call. Unlike the original, the send path and the receive path can be
// driven by different goroutines with no coordination between them. The
// Sender's queue is the only point where they meet, and the goroutine that
// drains it (see Sender) is independent of both.
//
// All operations are forwarded as is: a DuplexStream never creates, drops,
// or alters messages, errors, or call state.
type DuplexStream[S, R any] struct {
	sender   *Sender[S]
	receiver Receiver[R]
}

var _ Receiver[any] = (*DuplexStream[any, any])(nil)

// NewDuplexStream creates a DuplexStream from the given halves. The sender
// is owned by the returned stream; the receiver is usually shared with the
// substrate. It panics if either is nil.
func NewDuplexStream[S, R any](sender *Sender[S], receiver Receiver[R]) *DuplexStream[S, R] {
	if sender == nil {
		panic("grpcduplex: nil sender")
	}
	if receiver == nil {
		panic("grpcduplex: nil receiver")
	}
	return &DuplexStream[S, R]{sender: sender, receiver: receiver}
}

// Sender returns the stream's producer half. This is what a transmit loop
// drains.
func (d *DuplexStream[S, R]) Sender() *Sender[S] {
	return d.sender
}

// Send queues msg to be sent. See Sender.Send.
func (d *DuplexStream[S, R]) Send(msg S) error {
	return d.sender.Send(msg)
}

// CloseSend indicates that no more messages will be sent. See
// Sender.CloseSend.
func (d *DuplexStream[S, R]) CloseSend() error {
	return d.sender.CloseSend()
}

// Recv returns the next received message. It returns io.EOF after the call
// completes normally and the call's error if it fails.
func (d *DuplexStream[S, R]) Recv() (R, error) {
	return d.receiver.Recv()
}

// All returns a sequence over received messages. The sequence ends after the
// last message when the call completes normally. If the call fails, the last
// pair yielded carries the error.
func (d *DuplexStream[S, R]) All() iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for {
			msg, err := d.receiver.Recv()
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
func (d *DuplexStream[S, R]) IsActive() bool {
	return d.receiver.IsActive()
}

// TimeRemaining forwards to the receiver. See CallControl.TimeRemaining.
func (d *DuplexStream[S, R]) TimeRemaining() (time.Duration, bool) {
	return d.receiver.TimeRemaining()
}

// Cancel forwards to the receiver. See CallControl.Cancel.
func (d *DuplexStream[S, R]) Cancel() {
	d.receiver.Cancel()
}

// AddCallback forwards to the receiver. See CallControl.AddCallback.
func (d *DuplexStream[S, R]) AddCallback(fn func()) bool {
	return d.receiver.AddCallback(fn)
}
