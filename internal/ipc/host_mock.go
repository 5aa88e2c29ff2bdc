package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InvokeFunc scripts the MockHost answer for one command.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (Response, error)

// CallRecord captures a single Invoke for assertions.
type CallRecord struct {
	Command string
	// Args is the JSON encoding of the arguments.
	Args json.RawMessage
}

// MockHost implements Host with scripted command handlers and an event
// channel driven by the test through Emit. It records every primitive call
// in order.
type MockHost struct {
	mu        sync.Mutex
	handlers  map[string]InvokeFunc
	listenErr error
	calls     []CallRecord
	journal   []string
	listeners map[string]map[int]Handler
	nextID    int
	unlistens int
}

var _ Host = (*MockHost)(nil)

func NewMockHost() *MockHost {
	return &MockHost{
		handlers:  make(map[string]InvokeFunc),
		listeners: make(map[string]map[int]Handler),
	}
}

// Handle scripts cmd with fn.
func (m *MockHost) Handle(cmd string, fn InvokeFunc) *MockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cmd] = fn
	return m
}

// Respond scripts cmd to resolve with body and isOk.
func (m *MockHost) Respond(cmd, body string, isOk bool) *MockHost {
	return m.Handle(cmd, func(context.Context, json.RawMessage) (Response, error) {
		return Response{Body: body, IsOk: isOk}, nil
	})
}

// Fail scripts cmd to reject with err.
func (m *MockHost) Fail(cmd string, err error) *MockHost {
	return m.Handle(cmd, func(context.Context, json.RawMessage) (Response, error) {
		return Response{}, err
	})
}

// FailListen makes every Listen call fail with err.
func (m *MockHost) FailListen(err error) *MockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenErr = err
	return m
}

func (m *MockHost) Invoke(ctx context.Context, cmd string, args any) (Response, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, CallRecord{Command: cmd, Args: raw})
	m.journal = append(m.journal, "invoke "+cmd)
	fn := m.handlers[cmd]
	m.mu.Unlock()
	if fn == nil {
		return Response{}, fmt.Errorf("mock host: no handler for %q", cmd)
	}
	return fn(ctx, raw)
}

func (m *MockHost) Listen(_ context.Context, event string, h Handler) (Unlisten, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, "listen "+event)
	if m.listenErr != nil {
		return nil, m.listenErr
	}
	m.nextID++
	id := m.nextID
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[int]Handler)
	}
	m.listeners[event][id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.unlistens++
			m.journal = append(m.journal, "unlisten "+event)
			delete(m.listeners[event], id)
			if len(m.listeners[event]) == 0 {
				delete(m.listeners, event)
			}
		})
	}, nil
}

// Emit delivers payload to the handlers attached to event and reports how
// many received it.
func (m *MockHost) Emit(event string, payload *string) int {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.listeners[event]))
	for _, h := range m.listeners[event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return len(hs)
}

// Calls returns a snapshot of recorded Invoke calls.
func (m *MockHost) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

// Journal returns the primitive calls in the order they happened, as
// "invoke <cmd>", "listen <event>" and "unlisten <event>" entries.
func (m *MockHost) Journal() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.journal))
	copy(out, m.journal)
	return out
}

// Listeners reports how many handlers are attached to event.
func (m *MockHost) Listeners(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[event])
}

// Unlistens reports how many listeners were detached.
func (m *MockHost) Unlistens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlistens
}
