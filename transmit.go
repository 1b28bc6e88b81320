package grpcduplex

import (
	"context"
	"errors"
	"io"
)

// transmit drains queue, writing each message to the stream with send, until
// the queue is closed and empty or ctx is done. After draining a closed queue
// it half-closes the stream with closeSend, if given.
func transmit[S any](ctx context.Context, queue *handoffQueue[S], send func(S) error, closeSend func() error, metrics *callMetrics) error {
	for {
		msg, err := queue.pop(ctx)
		if err == io.EOF {
			if closeSend != nil {
				return closeSend()
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := send(msg); err != nil {
			return err
		}
		metrics.messageSent(ctx)
	}
}

// runTransmit runs transmit for the given call. A failure to send is fatal
// to the call: it is aborted with the send error, which receivers then see.
// An io.EOF from send means the stream already ended, in which case the
// receive side reports the real status.
func runTransmit[S, R any](call *streamCall[R], queue *handoffQueue[S], send func(S) error, closeSend func() error) error {
	err := transmit(call.ctx, queue, send, closeSend, call.metrics)
	switch {
	case err == nil:
		call.logger.Debug("duplex transmit finished")
	case errors.Is(err, io.EOF), call.ctx.Err() != nil:
		call.logger.Debug("duplex transmit stopped", "error", err)
	default:
		call.logger.Debug("duplex transmit failed; aborting call", "error", err)
		call.abort(err)
	}
	return err
}
