package grpcduplex

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamCall is the receiving half of a gRPC stream, along with control of
// the call. A receive loop reads messages from the stream into an unbounded
// queue, so the goroutine that consumes messages never holds up the stream
// (flow control in the transport keeps the queue from growing without bound
// when the consumer falls behind).
//
// A call terminates when the stream fails, when its context is done, or, for
// client streams, when the server completes the call. For server streams,
// the client half-closing only ends the receive side; the call terminates
// when the handler returns.
type streamCall[R any] struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	method  string
	client  bool
	logger  *slog.Logger
	metrics *callMetrics
	inbound *handoffQueue[R]

	mu        sync.Mutex
	finished  bool
	abortErr  error
	callbacks []func()
}

var (
	_ Receiver[any]      = (*streamCall[any])(nil)
	_ AsyncReceiver[any] = (*streamCall[any])(nil)
)

func newStreamCall[R any](ctx context.Context, cancel context.CancelCauseFunc, client bool, co *callOpts) *streamCall[R] {
	c := &streamCall[R]{
		ctx:     ctx,
		cancel:  cancel,
		method:  co.method,
		client:  client,
		logger:  co.logger.With("method", co.method),
		metrics: newCallMetrics(co.meterProvider, co.method),
		inbound: newHandoffQueue[R](),
	}
	c.metrics.callStarted(ctx)
	context.AfterFunc(ctx, func() {
		// if the context is done before the stream completes, pending
		// messages are discarded
		c.terminate(contextStatus(ctx), true)
	})
	return c
}

func (c *streamCall[R]) recvLoop(recv func() (R, error)) {
	for {
		msg, err := recv()
		if err != nil {
			if err == io.EOF && !c.client {
				// client half-closed; the call stays active until the
				// handler returns
				c.inbound.close(io.EOF)
				return
			}
			c.terminate(err, false)
			// release resources associated with the call
			c.cancel(nil)
			return
		}
		c.metrics.messageReceived(c.ctx)
		if c.inbound.tryPush(msg) != nil {
			// call already terminated
			return
		}
	}
}

func (c *streamCall[R]) Recv() (R, error) {
	return c.inbound.pop(context.Background())
}

func (c *streamCall[R]) RecvContext(ctx context.Context) (R, error) {
	return c.inbound.pop(ctx)
}

func (c *streamCall[R]) IsActive() bool {
	if c.ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.finished
}

func (c *streamCall[R]) TimeRemaining() (time.Duration, bool) {
	deadline, ok := c.ctx.Deadline()
	if !ok {
		return 0, false
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (c *streamCall[R]) Cancel() {
	c.abort(status.Error(codes.Canceled, context.Canceled.Error()))
}

func (c *streamCall[R]) AddCallback(fn func()) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		fn()
		return false
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
	return true
}

// abort terminates the call with the given error and then cancels its
// context. Terminating first makes err, and not a racing error from the
// stream, the one observed by receivers.
func (c *streamCall[R]) abort(err error) {
	if c.terminate(err, true) {
		c.mu.Lock()
		c.abortErr = err
		c.mu.Unlock()
	}
	c.cancel(err)
}

// aborted returns the error given to abort if the call was terminated by
// abort.
func (c *streamCall[R]) aborted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortErr
}

// terminate marks the call as finished and runs the registered callbacks.
// Receivers see err after any queued messages, or right away if discard is
// true. Only the first call has any effect; it returns false for the rest.
func (c *streamCall[R]) terminate(err error, discard bool) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false
	}
	c.finished = true
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	c.metrics.callEnded(c.ctx)
	if err == io.EOF {
		c.logger.Debug("duplex call completed")
	} else {
		c.logger.Debug("duplex call terminated", "error", err)
	}
	if discard {
		c.inbound.cancel(err)
	} else {
		c.inbound.close(err)
	}

	for _, fn := range callbacks {
		fn()
	}
	return true
}

// contextStatus returns the error for a call whose context is done. A cause
// given when the context was cancelled is returned as is; plain context
// errors are converted to the equivalent gRPC status.
func contextStatus(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}
	return status.FromContextError(ctx.Err()).Err()
}
