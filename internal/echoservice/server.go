package echoservice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/grpcduplex"
)

// Commands understood by Server. Any other message is echoed back as is.
const (
	// UpperPrefix asks for the rest of the message to be echoed in upper case.
	UpperPrefix = "upper:"
	// FailPrefix makes the server fail the call with FailedPrecondition. The
	// rest of the message becomes the status message, and an ErrorInfo
	// detail with reason FailureReason is attached.
	FailPrefix = "fail:"
	// CancelCommand makes the server cancel the call.
	CancelCommand = "cancel"
	// DeadlineCommand asks for the time remaining until the call's deadline.
	// The reply is "deadline:none" or "deadline:set".
	DeadlineCommand = "deadline"
)

const (
	FailureReason = "ECHO_FAILURE"
	FailureDomain = "grpcduplex.testing"
)

// Server implements EchoServiceServer using duplex streams.
type Server struct {
	// Async, if true, serves calls with ServeAsyncDuplex instead of
	// ServeDuplex.
	Async bool
	// Options are passed to ServeDuplex or ServeAsyncDuplex.
	Options []grpcduplex.Option

	handled atomic.Int64
}

var _ EchoServiceServer = (*Server)(nil)

// Handled returns the number of messages the server has processed.
func (s *Server) Handled() int64 {
	return s.handled.Load()
}

func (s *Server) Chat(stream grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error {
	if s.Async {
		return grpcduplex.ServeAsyncDuplex(stream, s.chatAsync, s.Options...)
	}
	return grpcduplex.ServeDuplex(stream, s.chat, s.Options...)
}

func (s *Server) chat(_ context.Context, d *grpcduplex.DuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue]) error {
	for msg, err := range d.All() {
		if err != nil {
			return err
		}
		reply, err := s.handle(msg.GetValue(), d)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		if err := d.Send(reply); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) chatAsync(ctx context.Context, d *grpcduplex.AsyncDuplexStream[*wrapperspb.StringValue, *wrapperspb.StringValue]) error {
	for msg, err := range d.All(ctx) {
		if err != nil {
			return err
		}
		reply, err := s.handle(msg.GetValue(), d)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		if err := d.Send(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(val string, call grpcduplex.CallControl) (*wrapperspb.StringValue, error) {
	s.handled.Add(1)
	switch {
	case strings.HasPrefix(val, UpperPrefix):
		return wrapperspb.String(strings.ToUpper(strings.TrimPrefix(val, UpperPrefix))), nil
	case strings.HasPrefix(val, FailPrefix):
		return nil, failure(strings.TrimPrefix(val, FailPrefix))
	case val == CancelCommand:
		call.Cancel()
		return nil, nil
	case val == DeadlineCommand:
		if _, ok := call.TimeRemaining(); ok {
			return wrapperspb.String(DeadlineCommand + ":set"), nil
		}
		return wrapperspb.String(DeadlineCommand + ":none"), nil
	default:
		return wrapperspb.String(val), nil
	}
}

func failure(msg string) error {
	st, err := status.New(codes.FailedPrecondition, msg).WithDetails(&errdetails.ErrorInfo{
		Reason:   FailureReason,
		Domain:   FailureDomain,
		Metadata: map[string]string{"message": msg},
	})
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to attach details: %v", err))
	}
	return st.Err()
}
