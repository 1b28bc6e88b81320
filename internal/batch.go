package internal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/grpcduplex"
	"github.com/jhump/grpcduplex/internal/echoservice"
)

// BatchResult summarizes a run of SendDuplexBatches.
type BatchResult struct {
	Sent     int
	Received int
}

// SendDuplexBatches opens one Chat stream on cc and has the given number of
// producers each send count messages on it concurrently, while the calling
// goroutine consumes the echoes. It fails if any echo is missing, duplicated,
// or out of order relative to the other messages from the same producer.
func SendDuplexBatches(ctx context.Context, cc grpc.ClientConnInterface, producers, count int, opts ...grpcduplex.Option) (BatchResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := echoservice.OpenChat(ctx, cc, opts...)
	if err != nil {
		return BatchResult{}, err
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	for p := 0; p < producers; p++ {
		grp.Go(func() error {
			for i := 0; i < count; i++ {
				if err := grpCtx.Err(); err != nil {
					return err
				}
				if err := stream.Send(wrapperspb.String(fmt.Sprintf("p%d-%d", p, i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	go func() {
		if grp.Wait() == nil {
			_ = stream.CloseSend()
		} else {
			stream.Cancel()
		}
	}()

	next := make([]int, producers)
	var res BatchResult
	for msg, err := range stream.All() {
		if err != nil {
			return res, err
		}
		res.Received++
		p, i, err := parseBatchMessage(msg.GetValue())
		if err != nil {
			return res, err
		}
		if p < 0 || p >= producers {
			return res, fmt.Errorf("echo %q from unknown producer", msg.GetValue())
		}
		if i != next[p] {
			return res, fmt.Errorf("producer %d: expected message %d, got %d", p, next[p], i)
		}
		next[p]++
	}
	if err := grp.Wait(); err != nil {
		return res, err
	}
	res.Sent = producers * count
	if res.Received != res.Sent {
		return res, fmt.Errorf("sent %d messages but received %d", res.Sent, res.Received)
	}
	return res, nil
}

func parseBatchMessage(val string) (producer, index int, err error) {
	ps, is, ok := strings.Cut(strings.TrimPrefix(val, "p"), "-")
	if !ok || !strings.HasPrefix(val, "p") {
		return 0, 0, fmt.Errorf("malformed echo %q", val)
	}
	if producer, err = strconv.Atoi(ps); err != nil {
		return 0, 0, fmt.Errorf("malformed echo %q: %w", val, err)
	}
	if index, err = strconv.Atoi(is); err != nil {
		return 0, 0, fmt.Errorf("malformed echo %q: %w", val, err)
	}
	return producer, index, nil
}
