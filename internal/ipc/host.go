// Package ipc describes the host-process primitives the exchange talks to: a
// call/response command invocation and a publish/subscribe event channel.
//
// Provided implementations:
//   - Local: in-process host dispatching to registered plugins
//   - internal/grpcipc.Transport: remote host over gRPC
//   - internal/natsipc.Client: remote host over NATS
//   - MockHost: scripted host for tests
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Invoker issues host commands. Implementations MUST be safe for concurrent
// use. A returned error means the call itself could not complete.
type Invoker interface {
	Invoke(ctx context.Context, cmd string, args any) (Response, error)
}

// Handler receives event payloads. A nil payload is the end-of-stream
// sentinel.
type Handler func(payload *string)

// Unlisten detaches a listener. Calling it more than once is allowed.
type Unlisten func()

// Listener attaches handlers to named event channels. Listen returns only
// after the handler is able to observe events emitted on the channel.
type Listener interface {
	Listen(ctx context.Context, event string, h Handler) (Unlisten, error)
}

// Host combines both primitives.
type Host interface {
	Invoker
	Listener
}

// Emitter publishes payloads on named event channels.
type Emitter interface {
	Emit(ctx context.Context, event string, payload *string) error
}

// Response is the host's answer to a command: a serialized execution result
// and whether execution finished without application errors. On the wire it
// is the array [body, isOk].
type Response struct {
	Body string
	IsOk bool
}

func (r Response) MarshalJSON() ([]byte, error) {
	return codec.Marshal([2]any{r.Body, r.IsOk})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := codec.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("ipc: response must be [body, isOk], got %d elements", len(tuple))
	}
	if err := codec.Unmarshal(tuple[0], &r.Body); err != nil {
		return fmt.Errorf("ipc: response body: %w", err)
	}
	if err := codec.Unmarshal(tuple[1], &r.IsOk); err != nil {
		return fmt.Errorf("ipc: response isOk: %w", err)
	}
	return nil
}

// Payload wraps s for Emit. Use nil to end a stream.
func Payload(s string) *string { return &s }

var (
	ErrInvalidCommand = errors.New("ipc: invalid command")
	ErrUnknownPlugin  = errors.New("ipc: unknown plugin")
)

// PluginPrefix starts every plugin command: "plugin:<name>|<command>".
const PluginPrefix = "plugin:"

// ParseCommand splits a plugin command into plugin name and command.
func ParseCommand(cmd string) (plugin, name string, err error) {
	rest, ok := strings.CutPrefix(cmd, PluginPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCommand, cmd)
	}
	plugin, name, ok = strings.Cut(rest, "|")
	if !ok || plugin == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCommand, cmd)
	}
	return plugin, name, nil
}

// Command builds "plugin:<plugin>|<name>".
func Command(plugin, name string) string {
	return PluginPrefix + plugin + "|" + name
}

// EncodeArgs serializes command arguments. Raw JSON passes through.
func EncodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	}
	b, err := codec.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode args: %w", err)
	}
	return b, nil
}
