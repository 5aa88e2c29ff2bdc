package grpcipc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanpama/graphqlipc/internal/ipc"
)

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for the host service.
	ErrNoEndpoints = errors.New("grpcipc: no endpoints available")
	ErrClosed      = errors.New("grpcipc: closed")
	errNoProvider  = errors.New("grpcipc: provider not configured")
	errNotAttached = errors.New("grpcipc: listener not attached")
)

// toStatus maps host errors onto gRPC status codes. Status errors pass
// through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch {
	case errors.Is(err, ipc.ErrInvalidCommand):
		code = codes.InvalidArgument
	case errors.Is(err, ipc.ErrUnknownPlugin):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
