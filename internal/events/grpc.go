package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted before a host call crosses the gRPC transport.
type GRPCClientStart struct {
	Method string
	Target string
	// Command is the host command or event channel the call carries.
	Command string
}

// GRPCClientFinish is emitted after the gRPC call completes.
type GRPCClientFinish struct {
	Method   string
	Target   string
	Command  string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
