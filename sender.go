package grpcduplex

import (
	"context"
	"errors"
	"io"
	"iter"
)

// Sender is the producer half of a duplex stream, for code that is happy to
// block. Messages passed to Send are queued and later drained, in the same
// order, by whatever transmits them (usually a pump that writes them to a
// gRPC stream).
//
// The drain side (Next and All) never ends on its own. It only reports io.EOF
// after CloseSend is called and every queued message has been drained.
//
// A Sender is safe for concurrent use. Messages from a single goroutine are
// drained in the order sent; messages from different goroutines interleave in
// no particular order.
type Sender[T any] struct {
	q *handoffQueue[T]
}

// NewSender returns a Sender with an unbounded queue, unless configured
// otherwise with WithCapacity. With a bounded queue and the Block policy,
// Send waits for room indefinitely.
func NewSender[T any](opts ...QueueOption) *Sender[T] {
	return &Sender[T]{q: newHandoffQueue[T](opts...)}
}

// Send queues msg for transmission and returns. It only fails if CloseSend
// was already called or if the queue is bounded, full, and rejects messages.
func (s *Sender[T]) Send(msg T) error {
	return sendErr(s.q.push(context.Background(), msg))
}

// CloseSend indicates that no more messages will be sent. Messages already
// queued are still drained. Calling it more than once returns ErrSendClosed.
func (s *Sender[T]) CloseSend() error {
	if !s.q.close(io.EOF) {
		return ErrSendClosed
	}
	return nil
}

// Next blocks until a message is available and returns it. It returns io.EOF
// once CloseSend has been called and the queue is empty.
func (s *Sender[T]) Next() (T, error) {
	return s.q.pop(context.Background())
}

// All returns a sequence that drains the sender, ending after CloseSend.
func (s *Sender[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			msg, err := s.Next()
			if err != nil || !yield(msg) {
				return
			}
		}
	}
}

// Len returns the number of queued messages.
func (s *Sender[T]) Len() int {
	return s.q.len()
}

// AsyncSender is the producer half of a duplex stream for code that must not
// block past a context: waiting operations take a context.Context and give
// up when it is done. It also has SendNoWait, for call sites that cannot wait
// at all, such as callbacks invoked by the substrate.
type AsyncSender[T any] struct {
	q *handoffQueue[T]
}

// NewAsyncSender returns an AsyncSender with an unbounded queue, unless
// configured otherwise with WithCapacity.
func NewAsyncSender[T any](opts ...QueueOption) *AsyncSender[T] {
	return &AsyncSender[T]{q: newHandoffQueue[T](opts...)}
}

// Send queues msg for transmission. It can only wait when the queue is
// bounded, full, and uses the Block policy; in that case it returns ctx.Err()
// if ctx is done before room frees up.
func (s *AsyncSender[T]) Send(ctx context.Context, msg T) error {
	return sendErr(s.q.push(ctx, msg))
}

// SendNoWait queues msg without ever waiting. On a full bounded queue it
// fails with ErrQueueFull, regardless of policy.
func (s *AsyncSender[T]) SendNoWait(msg T) error {
	return sendErr(s.q.tryPush(msg))
}

// CloseSend indicates that no more messages will be sent. Messages already
// queued are still drained. Calling it more than once returns ErrSendClosed.
func (s *AsyncSender[T]) CloseSend() error {
	if !s.q.close(io.EOF) {
		return ErrSendClosed
	}
	return nil
}

// Next waits until a message is available or ctx is done. It returns io.EOF
// once CloseSend has been called and the queue is empty.
func (s *AsyncSender[T]) Next(ctx context.Context) (T, error) {
	return s.q.pop(ctx)
}

// Len returns the number of queued messages.
func (s *AsyncSender[T]) Len() int {
	return s.q.len()
}

func sendErr(err error) error {
	if errors.Is(err, errQueueClosed) {
		return ErrSendClosed
	}
	return err
}
