package grpcduplex_test

import (
	"context"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fullstorydev/grpchan/inprocgrpc"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/grpcduplex"
	"github.com/jhump/grpcduplex/internal"
	"github.com/jhump/grpcduplex/internal/echoservice"
)

func TestDuplexOverGRPC(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "blocking server"
		if async {
			name = "async server"
		}
		t.Run(name, func(t *testing.T) {
			svr := &echoservice.Server{Async: async}
			cc := startServer(t, svr)

			// Make sure any goroutines used by the client and server created above have started. That
			// way, we don't incorrectly think they are leaked goroutines.
			time.Sleep(200 * time.Millisecond)

			t.Run("round trip", func(t *testing.T) {
				checkForGoroutineLeak(t, func() {
					testRoundTrip(t, cc)
				})
			})
			t.Run("async round trip", func(t *testing.T) {
				checkForGoroutineLeak(t, func() {
					testAsyncRoundTrip(t, cc)
				})
			})
			t.Run("status details", func(t *testing.T) {
				testStatusDetails(t, cc)
			})
			t.Run("server cancel", func(t *testing.T) {
				testServerCancel(t, cc)
			})
			t.Run("client cancel", func(t *testing.T) {
				testClientCancel(t, cc)
			})
			t.Run("deadline", func(t *testing.T) {
				testDeadline(t, cc)
			})
			t.Run("batches", func(t *testing.T) {
				before := svr.Handled()
				res, err := internal.SendDuplexBatches(context.Background(), cc, 4, 200)
				require.NoError(t, err)
				assert.Equal(t, 800, res.Sent)
				assert.Equal(t, 800, res.Received)
				assert.Equal(t, int64(800), svr.Handled()-before)
			})
		})
	}
}

func TestDuplexOverInProcessChannel(t *testing.T) {
	var ch inprocgrpc.Channel
	echoservice.RegisterEchoServiceServer(&ch, &echoservice.Server{})
	testRoundTrip(t, &ch)
	testStatusDetails(t, &ch)
}

func TestOpen_RequiresBidiStream(t *testing.T) {
	var ch inprocgrpc.Channel
	desc := &grpc.StreamDesc{StreamName: "Chat", ServerStreams: true}
	_, err := grpcduplex.Open[wrapperspb.StringValue, wrapperspb.StringValue](context.Background(), &ch, desc, echoservice.ChatMethod)
	assert.ErrorContains(t, err, "not a bidirectional stream")
}

func TestNewClientStream(t *testing.T) {
	cc := startServer(t, &echoservice.Server{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	raw, err := echoservice.NewChatStream(ctx, cc)
	require.NoError(t, err)
	stream, err := grpcduplex.NewClientStream(grpcduplex.ClientStream[*wrapperspb.StringValue, *wrapperspb.StringValue](raw), cancel)
	require.NoError(t, err)

	require.NoError(t, stream.Send(wrapperspb.String("upper:raw")))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "RAW", msg.GetValue())

	var fired atomic.Int32
	require.True(t, stream.AddCallback(func() { fired.Add(1) }))
	stream.Cancel()
	_, err = stream.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.Equal(t, int32(1), fired.Load())
	// the underlying call was cancelled too
	assert.Eventually(t, func() bool { return ctx.Err() != nil }, 5*time.Second, 10*time.Millisecond)
}

func TestNewAsyncClientStream(t *testing.T) {
	cc := startServer(t, &echoservice.Server{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, err := echoservice.NewChatStream(ctx, cc)
	require.NoError(t, err)
	stream, err := grpcduplex.NewAsyncClientStream(grpcduplex.ClientStream[*wrapperspb.StringValue, *wrapperspb.StringValue](raw), cancel)
	require.NoError(t, err)

	require.NoError(t, stream.SendNoWait(wrapperspb.String("y")))
	msg, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", msg.GetValue())
	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestDuplexMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()
	cc := startServer(t, &echoservice.Server{})

	stream, err := echoservice.OpenChat(context.Background(), cc, grpcduplex.WithMeterProvider(provider))
	require.NoError(t, err)
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, stream.Send(wrapperspb.String(m)))
	}
	require.NoError(t, stream.CloseSend())
	n := 0
	for _, err := range stream.All() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)

	// the transmit goroutine may still be recording its last send
	var sums map[string]int64
	require.Eventually(t, func() bool {
		sums, err = internal.CollectSums(context.Background(), reader)
		return err == nil && sums["grpcduplex.messages.sent"] == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), sums["grpcduplex.messages.received"])
	assert.Equal(t, int64(0), sums["grpcduplex.calls.active"])
}

func TestDuplexWithWorkerPool(t *testing.T) {
	pool, err := ants.NewPool(8)
	require.NoError(t, err)
	defer pool.Release()
	cc := startServer(t, &echoservice.Server{
		Options: []grpcduplex.Option{grpcduplex.WithWorkerPool(pool)},
	})

	res, err := internal.SendDuplexBatches(context.Background(), cc, 2, 100, grpcduplex.WithWorkerPool(pool))
	require.NoError(t, err)
	assert.Equal(t, 200, res.Received)

	pool.Release()
	_, err = echoservice.OpenChat(context.Background(), cc, grpcduplex.WithWorkerPool(pool))
	assert.ErrorIs(t, err, ants.ErrPoolClosed)
}

func TestDuplexWithSaturatedWorkerPool(t *testing.T) {
	cc := startServer(t, &echoservice.Server{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("blocking pool waits for a worker", func(t *testing.T) {
		pool, err := ants.NewPool(1)
		require.NoError(t, err)
		defer pool.Release()

		first, err := echoservice.OpenChat(ctx, cc, grpcduplex.WithWorkerPool(pool))
		require.NoError(t, err)
		echo(t, first, "first")

		type opened struct {
			stream *grpcduplex.DuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue]
			err    error
		}
		results := make(chan opened, 1)
		go func() {
			stream, err := echoservice.OpenChat(ctx, cc, grpcduplex.WithWorkerPool(pool))
			results <- opened{stream: stream, err: err}
		}()
		assert.Never(t, func() bool { return len(results) > 0 }, 200*time.Millisecond, 10*time.Millisecond)

		// finishing the first call frees its worker
		require.NoError(t, first.CloseSend())
		for _, err := range first.All() {
			require.NoError(t, err)
		}

		var second opened
		select {
		case second = <-results:
		case <-time.After(5 * time.Second):
			t.Fatal("second call never got a worker")
		}
		require.NoError(t, second.err)
		echo(t, second.stream, "second")
		require.NoError(t, second.stream.CloseSend())
		for _, err := range second.stream.All() {
			require.NoError(t, err)
		}
	})

	t.Run("nonblocking pool fails fast", func(t *testing.T) {
		pool, err := ants.NewPool(1, ants.WithNonblocking(true))
		require.NoError(t, err)
		defer pool.Release()

		first, err := echoservice.OpenChat(ctx, cc, grpcduplex.WithWorkerPool(pool))
		require.NoError(t, err)
		defer first.Cancel()
		echo(t, first, "first")

		_, err = echoservice.OpenChat(ctx, cc, grpcduplex.WithWorkerPool(pool))
		assert.ErrorIs(t, err, ants.ErrPoolOverload)

		// the call that got a worker is unaffected
		echo(t, first, "still here")
	})
}

func echo(t *testing.T, stream *grpcduplex.DuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue], val string) {
	t.Helper()
	require.NoError(t, stream.Send(wrapperspb.String(val)))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, val, msg.GetValue())
}

func testRoundTrip(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc)
	require.NoError(t, err)

	var fired atomic.Int32
	require.True(t, stream.AddCallback(func() { fired.Add(1) }))

	sent := []string{"one", "upper:two", "three"}
	for _, m := range sent {
		require.NoError(t, stream.Send(wrapperspb.String(m)))
	}
	require.NoError(t, stream.CloseSend())

	var got []string
	for msg, err := range stream.All() {
		require.NoError(t, err)
		got = append(got, msg.GetValue())
	}
	assert.Equal(t, []string{"one", "TWO", "three"}, got)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
	assert.False(t, stream.IsActive())
	// callbacks run after receivers are released
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func testAsyncRoundTrip(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := echoservice.OpenAsyncChat(ctx, cc)
	require.NoError(t, err)

	require.NoError(t, stream.SendNoWait(wrapperspb.String("y")))
	msg, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", msg.GetValue())

	require.NoError(t, stream.Send(ctx, wrapperspb.String("upper:z")))
	require.NoError(t, stream.CloseSend())
	var got []string
	for msg, err := range stream.All(ctx) {
		require.NoError(t, err)
		got = append(got, msg.GetValue())
	}
	assert.Equal(t, []string{"Z"}, got)
}

func testStatusDetails(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc)
	require.NoError(t, err)

	require.NoError(t, stream.Send(wrapperspb.String("before")))
	require.NoError(t, stream.Send(wrapperspb.String(echoservice.FailPrefix+"nope")))

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "before", msg.GetValue())

	_, err = stream.Recv()
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "nope", st.Message())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, echoservice.FailureReason, info.GetReason())
	assert.Equal(t, echoservice.FailureDomain, info.GetDomain())
	assert.False(t, stream.IsActive())
}

func testServerCancel(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc)
	require.NoError(t, err)

	require.NoError(t, stream.Send(wrapperspb.String(echoservice.CancelCommand)))
	_, err = stream.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func testClientCancel(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc)
	require.NoError(t, err)

	require.NoError(t, stream.Send(wrapperspb.String("ping")))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.GetValue())

	var fired atomic.Int32
	require.True(t, stream.AddCallback(func() { fired.Add(1) }))
	assert.True(t, stream.IsActive())

	stream.Cancel()
	_, err = stream.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.False(t, stream.IsActive())
	assert.Equal(t, int32(1), fired.Load())

	// sends are still accepted, but go nowhere
	assert.NoError(t, stream.Send(wrapperspb.String("late")))
	stream.Cancel()
	assert.Equal(t, int32(1), fired.Load())
}

func testDeadline(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc)
	require.NoError(t, err)
	remaining, ok := stream.TimeRemaining()
	require.True(t, ok)
	assert.Greater(t, remaining, 50*time.Second)

	require.NoError(t, stream.Send(wrapperspb.String(echoservice.DeadlineCommand)))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "deadline:set", msg.GetValue())
	stream.Cancel()

	noDeadline, err := echoservice.OpenChat(context.Background(), cc)
	require.NoError(t, err)
	defer noDeadline.Cancel()
	_, ok = noDeadline.TimeRemaining()
	assert.False(t, ok)
	require.NoError(t, noDeadline.Send(wrapperspb.String(echoservice.DeadlineCommand)))
	msg, err = noDeadline.Recv()
	require.NoError(t, err)
	assert.Equal(t, "deadline:none", msg.GetValue())
}

func startServer(t *testing.T, svr echoservice.EchoServiceServer) *grpc.ClientConn {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	echoservice.RegisterEchoServiceServer(gs, svr)
	go func() {
		if err := gs.Serve(l); err != nil {
			t.Logf("error from grpc server: %v", err)
		}
	}()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient(l.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})

	// connect eagerly so transport goroutines exist before any test looks for leaks
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cc.Connect()
	for state := cc.GetState(); state != connectivity.Ready; state = cc.GetState() {
		require.True(t, cc.WaitForStateChange(ctx, state), "connection never became ready")
	}
	return cc
}

func checkForGoroutineLeak(t *testing.T, fn func()) {
	before := runtime.NumGoroutine()

	fn()

	// check for goroutine leaks
	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
