// Package internal contains helpers shared by the demo commands and tests.
package internal

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// BlockingDial creates a client for addr and waits until it is ready. If ctx
// is done first, it returns the last error from dialing the network, or the
// context error if there wasn't one. Dial failures are logged at debug level.
func BlockingDial(ctx context.Context, addr string, logger *slog.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var dialErr lastError
	cc, err := grpc.NewClient(addr, append(opts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := keepAliveDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug("dial failed", "addr", addr, "error", err)
			dialErr.set(err)
			if !isTemporary(err) {
				cancel()
			}
		}
		return conn, err
	}))...)
	if err != nil {
		return nil, err
	}

	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			_ = cc.Close()
			if err := dialErr.get(); err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}
}

// keepAliveDialer enables TCP keepalive on every socket while leaving the
// keepalive time and interval at the OS defaults. The negative KeepAlive
// keeps the net package from overriding them.
var keepAliveDialer = &net.Dialer{
	KeepAlive: time.Duration(-1),
	Control: func(_, _ string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		})
	},
}

type lastError struct {
	mu  sync.Mutex
	err error
}

func (e *lastError) set(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *lastError) get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func isTemporary(err error) bool {
	switch err := err.(type) {
	case interface{ Temporary() bool }:
		return err.Temporary()
	case interface{ Timeout() bool }:
		return err.Timeout()
	}
	return true
}
