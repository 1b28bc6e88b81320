package grpcduplex

import (
	"log/slog"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
)

// FullPolicy decides what a bounded queue does with a message that arrives
// when the queue is at capacity.
type FullPolicy int

const (
	// Block makes the sender wait for room. Blocking senders still give up
	// when their context is done (Sender.Send never gives up).
	Block FullPolicy = iota
	// Reject makes the send fail with ErrQueueFull.
	Reject
)

func (p FullPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// QueueOption configures the handoff queue behind a Sender or AsyncSender.
type QueueOption interface {
	apply(*queueOpts)
}

// WithCapacity returns an option that bounds the queue to the given number
// of messages, applying policy when it is full. A capacity of zero or less
// means unbounded, which is the default.
//
// Queues are unbounded by default because flow control is the job of the RPC
// substrate: a gRPC stream applies backpressure to the goroutine that drains
// the queue. Bound the queue when the producer must not be allowed to run
// arbitrarily far ahead of the wire.
func WithCapacity(capacity int, policy FullPolicy) QueueOption {
	return queueOptFunc(func(opts *queueOpts) {
		opts.capacity = capacity
		opts.policy = policy
	})
}

type queueOpts struct {
	capacity int
	policy   FullPolicy
}

type queueOptFunc func(*queueOpts)

func (f queueOptFunc) apply(opts *queueOpts) {
	f(opts)
}

// Option configures a duplex stream that is bound to a gRPC stream, as
// created by Open, NewClientStream, ServeDuplex, and their async variants.
type Option interface {
	apply(*callOpts)
}

// WithQueueOptions returns an option that configures the outbound queue.
func WithQueueOptions(opts ...QueueOption) Option {
	return callOptFunc(func(co *callOpts) {
		co.queueOpts = append(co.queueOpts, opts...)
	})
}

// WithLogger returns an option that sets the logger used to report stream
// lifecycle events. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return callOptFunc(func(co *callOpts) {
		co.logger = logger
	})
}

// WithMeterProvider returns an option that sets the provider of the meter
// used to count messages and active calls. If not set, the global provider
// is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return callOptFunc(func(co *callOpts) {
		co.meterProvider = mp
	})
}

// WithWorkerPool returns an option that runs each call's receive loop on a
// worker from the given pool instead of a new goroutine. A call holds its
// worker until the stream stops delivering messages; the transmit side runs
// on its own goroutine, so a call never needs more than one worker.
//
// When the pool is saturated, what happens depends on how it was created.
// A blocking pool (the ants default) makes the constructor, or ServeDuplex,
// wait until a worker frees up. A pool created with ants.WithNonblocking(true)
// makes it fail right away with ants.ErrPoolOverload; in that case the call
// is cancelled and the error returned.
func WithWorkerPool(pool *ants.Pool) Option {
	return callOptFunc(func(co *callOpts) {
		co.pool = pool
	})
}

// WithCallOptions returns an option that passes the given options to the
// gRPC channel when Open or OpenAsync starts a call. It is ignored by the
// other constructors.
func WithCallOptions(opts ...grpc.CallOption) Option {
	return callOptFunc(func(co *callOpts) {
		co.grpcOpts = append(co.grpcOpts, opts...)
	})
}

type callOpts struct {
	method        string
	grpcOpts      []grpc.CallOption
	queueOpts     []QueueOption
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	pool          *ants.Pool
}

func newCallOpts(opts []Option) *callOpts {
	co := &callOpts{}
	for _, opt := range opts {
		opt.apply(co)
	}
	if co.logger == nil {
		co.logger = slog.Default()
	}
	if co.meterProvider == nil {
		co.meterProvider = otel.GetMeterProvider()
	}
	return co
}

// start runs recv on the configured pool, or on a new goroutine if there is
// none, and transmit on a goroutine of its own. transmit is only started once
// recv has a worker.
func (co *callOpts) start(recv, transmit func()) error {
	if co.pool == nil {
		go transmit()
		go recv()
		return nil
	}
	return co.pool.Submit(func() {
		go transmit()
		recv()
	})
}

type callOptFunc func(*callOpts)

func (f callOptFunc) apply(opts *callOpts) {
	f(opts)
}
