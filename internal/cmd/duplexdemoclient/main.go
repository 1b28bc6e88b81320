package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fullstorydev/grpchan"
	"github.com/panjf2000/ants/v2"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/grpcduplex"
	"github.com/jhump/grpcduplex/internal"
	"github.com/jhump/grpcduplex/internal/echoservice"
)

type config struct {
	ServerAddr  string        `env:"DUPLEX_DEMO_SERVER" envDefault:"127.0.0.1:26354"`
	Producers   int           `env:"DUPLEX_DEMO_PRODUCERS" envDefault:"4"`
	Count       int           `env:"DUPLEX_DEMO_COUNT" envDefault:"1000"`
	PoolSize    int           `env:"DUPLEX_DEMO_POOL_SIZE" envDefault:"16"`
	DialTimeout time.Duration `env:"DUPLEX_DEMO_DIAL_TIMEOUT" envDefault:"5s"`
	LogLevel    string        `env:"DUPLEX_DEMO_LOG_LEVEL" envDefault:"info"`
	NoColor     bool          `env:"NO_COLOR"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "the address of the demo server")
	flag.IntVar(&cfg.Producers, "producers", cfg.Producers, "goroutines sending on the shared stream")
	flag.IntVar(&cfg.Count, "count", cfg.Count, "messages sent by each producer")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	flag.Parse()

	logger := internal.NewLogger(os.Stderr, cfg.LogLevel, cfg.NoColor)
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	cc, err := internal.BlockingDial(dialCtx, cfg.ServerAddr, logger, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fatal("failed to connect", err)
	}
	defer func() {
		_ = cc.Close()
	}()

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		fatal("failed to create worker pool", err)
	}
	defer pool.Release()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() {
		_ = provider.Shutdown(ctx)
	}()

	opts := []grpcduplex.Option{
		grpcduplex.WithLogger(logger),
		grpcduplex.WithWorkerPool(pool),
		grpcduplex.WithMeterProvider(provider),
	}

	// First, many producers share one blocking-style stream.
	var streams atomic.Int32
	ch := withClientCounts(cc, &streams)
	start := time.Now()
	res, err := internal.SendDuplexBatches(ctx, ch, cfg.Producers, cfg.Count, opts...)
	if err != nil {
		fatal("batch failed", err)
	}
	logger.Info("batch complete", "sent", res.Sent, "received", res.Received, "elapsed", time.Since(start))

	// Then the context-aware flavor, sending without ever waiting.
	if err := asyncRoundTrip(ctx, ch, opts); err != nil {
		fatal("async round trip failed", err)
	}

	sums, err := internal.CollectSums(ctx, reader)
	if err != nil {
		fatal("failed to collect metrics", err)
	}
	logger.Info("done",
		"streams", streams.Load(),
		"messages_sent", sums["grpcduplex.messages.sent"],
		"messages_received", sums["grpcduplex.messages.received"])
}

func asyncRoundTrip(ctx context.Context, cc grpc.ClientConnInterface, opts []grpcduplex.Option) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := echoservice.OpenAsyncChat(ctx, cc, opts...)
	if err != nil {
		return err
	}
	defer stream.Cancel()

	words := []string{"upper:hello", "duplex", echoservice.DeadlineCommand}
	for _, w := range words {
		if err := stream.SendNoWait(wrapperspb.String(w)); err != nil {
			return err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	var replies []string
	for msg, err := range stream.All(ctx) {
		if err != nil {
			return err
		}
		replies = append(replies, msg.GetValue())
	}
	if len(replies) != len(words) {
		return fmt.Errorf("expected %d replies, got %d: %q", len(words), len(replies), replies)
	}
	return nil
}

func withClientCounts(ch grpc.ClientConnInterface, counts *atomic.Int32) grpc.ClientConnInterface {
	return grpchan.InterceptClientConn(
		ch,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			counts.Add(1)
			return invoker(ctx, method, req, reply, cc, opts...)
		},
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			counts.Add(1)
			return streamer(ctx, desc, cc, method, opts...)
		},
	)
}
