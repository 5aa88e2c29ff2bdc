package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hanpama/graphqlipc/internal/eventbus"
)

// Plugin handles the commands addressed to it through a host.
type Plugin interface {
	Handle(ctx context.Context, cmd string, args json.RawMessage, emit Emitter) (Response, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, cmd string, args json.RawMessage, emit Emitter) (Response, error)

func (f PluginFunc) Handle(ctx context.Context, cmd string, args json.RawMessage, emit Emitter) (Response, error) {
	return f(ctx, cmd, args, emit)
}

// Local is an in-process host. Commands are routed to registered plugins and
// events are delivered synchronously on the emitting goroutine.
type Local struct {
	bus *eventbus.Bus

	mu      sync.RWMutex
	plugins map[string]Plugin
}

var (
	_ Host    = (*Local)(nil)
	_ Emitter = (*Local)(nil)
)

func NewLocal() *Local {
	return &Local{bus: eventbus.New(), plugins: make(map[string]Plugin)}
}

// Register installs p under name, replacing any previous plugin.
func (l *Local) Register(name string, p Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plugins[name] = p
}

func (l *Local) Invoke(ctx context.Context, cmd string, args any) (Response, error) {
	name, sub, err := ParseCommand(cmd)
	if err != nil {
		return Response{}, err
	}
	l.mu.RLock()
	p := l.plugins[name]
	l.mu.RUnlock()
	if p == nil {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	raw, err := EncodeArgs(args)
	if err != nil {
		return Response{}, err
	}
	return p.Handle(ctx, sub, raw, l)
}

func (l *Local) Listen(_ context.Context, event string, h Handler) (Unlisten, error) {
	off := l.bus.On(event, func(_ context.Context, v any) {
		h(v.(*string))
	})
	return Unlisten(off), nil
}

func (l *Local) Emit(ctx context.Context, event string, payload *string) error {
	l.bus.Emit(ctx, event, payload)
	return nil
}

// Listeners reports how many handlers are attached to event.
func (l *Local) Listeners(event string) int {
	return l.bus.Len(event)
}
