package grpcduplex

import (
	"context"
	"time"
)

// CallControl is the set of operations for controlling an in-flight RPC.
type CallControl interface {
	// IsActive reports whether the call is still in progress.
	IsActive() bool
	// TimeRemaining returns how long until the call's deadline. The second
	// value is false if the call has no deadline.
	TimeRemaining() (time.Duration, bool)
	// Cancel requests cancellation of the call. It does not wait for the
	// call to wind down.
	Cancel()
	// AddCallback registers fn to run once the call terminates, whether it
	// completes normally, fails, or is cancelled. It returns true if fn was
	// registered. If the call has already terminated, fn is not registered:
	// it is run right away, on the calling goroutine, and false is returned.
	// Either way, fn runs exactly once.
	AddCallback(fn func()) bool
}

// Receiver is the consumer half of a duplex stream: a sequence of received
// messages plus control of the call that carries them. It is implemented by
// the RPC substrate; see Open and ServeDuplex for gRPC.
type Receiver[T any] interface {
	CallControl
	// Recv blocks until the next message is available and returns it. When
	// the call completes normally, it returns io.EOF. If the call fails, it
	// returns the call's error.
	Recv() (T, error)
}

// AsyncReceiver is like Receiver, except receiving gives up when the given
// context is done. Giving up does not affect the call: the next message is
// still available to a later RecvContext.
type AsyncReceiver[T any] interface {
	CallControl
	RecvContext(ctx context.Context) (T, error)
}
