// Package natsipc carries the ipc host primitives over NATS.
//
// Subjects, relative to a prefix (default "graphqlipc"):
//
//	<prefix>.invoke             request/reply, one host command
//	<prefix>.cancel             abandons an invocation by id
//	<prefix>.listen             request/reply, attaches a host listener
//	<prefix>.unlisten           detaches it
//	<prefix>.event.<token>      payloads of one event channel
//
// The token is the base64url encoding of the event channel name. A message
// with the end header set is the end-of-stream sentinel.
package natsipc

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/graphqlipc/internal/ipc"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultPrefix = "graphqlipc"

	invocationHeader = "Graphqlipc-Invocation"
	endHeader        = "Graphqlipc-End"
	requestIDHeader  = "Graphql-Request-Id"
)

// Subjects names the subjects of one host.
type Subjects struct {
	Invoke   string
	Cancel   string
	Listen   string
	Unlisten string
	prefix   string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{
		Invoke:   prefix + ".invoke",
		Cancel:   prefix + ".cancel",
		Listen:   prefix + ".listen",
		Unlisten: prefix + ".unlisten",
		prefix:   prefix,
	}
}

// Event returns the subject carrying the payloads of event.
func (s Subjects) Event(event string) string {
	return s.prefix + ".event." + base64.RawURLEncoding.EncodeToString([]byte(event))
}

type invokeRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type listenRequest struct {
	Event string `json:"event,omitempty"`
	// ID names an attached listener in unlisten requests.
	ID string `json:"id,omitempty"`
}

type cancelRequest struct {
	ID string `json:"id"`
}

type reply struct {
	Response *ipc.Response `json:"response,omitempty"`
	ID       string        `json:"id,omitempty"`
	Error    *RemoteError  `json:"error,omitempty"`
}

const (
	codeInvalidCommand = "invalid_command"
	codeUnknownPlugin  = "unknown_plugin"
	codeBadRequest     = "bad_request"
	codeHost           = "host"
)

// RemoteError is an error reported by the host side. Errors with a known
// code unwrap to the matching ipc sentinel.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeInvalidCommand:
		return ipc.ErrInvalidCommand
	case codeUnknownPlugin:
		return ipc.ErrUnknownPlugin
	}
	return nil
}

func remoteError(code string, err error) *RemoteError {
	if code == codeHost {
		switch {
		case errors.Is(err, ipc.ErrInvalidCommand):
			code = codeInvalidCommand
		case errors.Is(err, ipc.ErrUnknownPlugin):
			code = codeUnknownPlugin
		}
	}
	return &RemoteError{Code: code, Message: err.Error()}
}
