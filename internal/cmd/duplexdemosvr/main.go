package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
	"github.com/fullstorydev/grpchan"
	"google.golang.org/grpc"

	"github.com/jhump/grpcduplex"
	"github.com/jhump/grpcduplex/internal"
	"github.com/jhump/grpcduplex/internal/echoservice"
)

type config struct {
	Port     int    `env:"DUPLEX_DEMO_PORT" envDefault:"26354"`
	LogLevel string `env:"DUPLEX_DEMO_LOG_LEVEL" envDefault:"info"`
	NoColor  bool   `env:"NO_COLOR"`
	Async    bool   `env:"DUPLEX_DEMO_ASYNC"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.IntVar(&cfg.Port, "port", cfg.Port, "the port on which this server will listen")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	flag.BoolVar(&cfg.Async, "async", cfg.Async, "serve calls with the context-aware duplex API")
	flag.Parse()

	logger := internal.NewLogger(os.Stderr, cfg.LogLevel, cfg.NoColor)

	// Services are collected in a handler map, so the same registrations
	// could also be exposed over other transports.
	handlers := grpchan.HandlerMap{}
	var calls atomic.Int32
	echoservice.RegisterEchoServiceServer(withServerCounts(handlers, &calls, logger), &echoservice.Server{
		Async:   cfg.Async,
		Options: []grpcduplex.Option{grpcduplex.WithLogger(logger)},
	})

	svr := grpc.NewServer()
	handlers.ForEach(svr.RegisterService)

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", lis.Addr().String(), "async", cfg.Async)
	// This only returns (and thus program exits) on failure.
	// Otherwise, process is stopped via signal.
	if err := svr.Serve(lis); err != nil {
		logger.Error("server stopped", "error", err, "calls", calls.Load())
		os.Exit(1)
	}
}

func withServerCounts(reg grpc.ServiceRegistrar, counts *atomic.Int32, logger *slog.Logger) grpc.ServiceRegistrar {
	return grpchan.WithInterceptor(
		reg,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
			counts.Add(1)
			return handler(ctx, req)
		},
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			n := counts.Add(1)
			logger.Debug("stream started", "method", info.FullMethod, "calls", n)
			return handler(srv, ss)
		},
	)
}
