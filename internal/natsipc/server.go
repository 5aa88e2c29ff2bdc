package natsipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

type ServerOptions struct {
	Prefix string
	Logger *slog.Logger
}

type ServerOption func(*ServerOptions)

func WithServerPrefix(p string) ServerOption       { return func(o *ServerOptions) { o.Prefix = p } }
func WithServerLogger(l *slog.Logger) ServerOption { return func(o *ServerOptions) { o.Logger = l } }

// Server answers host requests arriving on NATS with an ipc.Host. One server
// serves one prefix; requests are not load balanced because a subscription's
// listener and command must reach the same host.
type Server struct {
	conn     *nats.Conn
	host     ipc.Host
	subjects Subjects
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subs        []*nats.Subscription
	listeners   map[string]ipc.Unlisten
	invocations map[string]context.CancelFunc
	wg          sync.WaitGroup
}

func NewServer(conn *nats.Conn, host ipc.Host, opts ...ServerOption) *Server {
	op := ServerOptions{}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conn:        conn,
		host:        host,
		subjects:    NewSubjects(op.Prefix),
		logger:      op.Logger,
		ctx:         ctx,
		cancel:      cancel,
		listeners:   make(map[string]ipc.Unlisten),
		invocations: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the request subjects.
func (s *Server) Start() error {
	handlers := map[string]nats.MsgHandler{
		s.subjects.Invoke: func(m *nats.Msg) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleInvoke(m)
			}()
		},
		s.subjects.Cancel:   s.handleCancel,
		s.subjects.Listen:   s.handleListen,
		s.subjects.Unlisten: s.handleUnlisten,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, h := range handlers {
		sub, err := s.conn.Subscribe(subject, h)
		if err != nil {
			return fmt.Errorf("natsipc: subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s.conn.Flush()
}

// Close stops serving, cancels running invocations and detaches every
// listener.
func (s *Server) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	listeners := s.listeners
	s.listeners = make(map[string]ipc.Unlisten)
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, off := range listeners {
		off()
	}
	s.cancel()
	s.wg.Wait()
	return firstErr
}

func (s *Server) handleInvoke(m *nats.Msg) {
	var req invokeRequest
	if err := codec.Unmarshal(m.Data, &req); err != nil {
		s.respond(m, reply{Error: remoteError(codeBadRequest, err)})
		return
	}
	ctx, cancel := context.WithCancel(reqid.Parse(s.ctx, m.Header.Get(requestIDHeader)))
	defer cancel()
	if id := m.Header.Get(invocationHeader); id != "" {
		s.mu.Lock()
		s.invocations[id] = cancel
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.invocations, id)
			s.mu.Unlock()
		}()
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	resp, err := s.host.Invoke(ctx, req.Command, args)
	if err != nil {
		s.logger.Debug("natsipc: invoke failed", "command", req.Command, "request_id", m.Header.Get(requestIDHeader), "error", err)
		s.respond(m, reply{Error: remoteError(codeHost, err)})
		return
	}
	s.respond(m, reply{Response: &resp})
}

func (s *Server) handleCancel(m *nats.Msg) {
	var req cancelRequest
	if err := codec.Unmarshal(m.Data, &req); err != nil {
		return
	}
	s.mu.Lock()
	cancel := s.invocations[req.ID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleListen attaches a host listener that republishes payloads on the
// event subject, then replies with the listener id.
func (s *Server) handleListen(m *nats.Msg) {
	var req listenRequest
	if err := codec.Unmarshal(m.Data, &req); err != nil || req.Event == "" {
		if err == nil {
			err = fmt.Errorf("natsipc: missing event")
		}
		s.respond(m, reply{Error: remoteError(codeBadRequest, err)})
		return
	}
	subject := s.subjects.Event(req.Event)
	off, err := s.host.Listen(s.ctx, req.Event, func(p *string) {
		msg := nats.NewMsg(subject)
		if p == nil {
			msg.Header.Set(endHeader, "true")
		} else {
			msg.Data = []byte(*p)
		}
		if err := s.conn.PublishMsg(msg); err != nil {
			s.logger.Warn("natsipc: publish event failed", "event", req.Event, "error", err)
		}
	})
	if err != nil {
		s.respond(m, reply{Error: remoteError(codeHost, err)})
		return
	}
	id := nats.NewInbox()
	s.mu.Lock()
	s.listeners[id] = off
	s.mu.Unlock()
	s.respond(m, reply{ID: id})
}

func (s *Server) handleUnlisten(m *nats.Msg) {
	var req listenRequest
	if err := codec.Unmarshal(m.Data, &req); err != nil {
		return
	}
	s.mu.Lock()
	off := s.listeners[req.ID]
	delete(s.listeners, req.ID)
	s.mu.Unlock()
	if off != nil {
		off()
	}
}

func (s *Server) respond(m *nats.Msg, r reply) {
	b, err := codec.Marshal(r)
	if err != nil {
		s.logger.Error("natsipc: encode reply", "error", err)
		return
	}
	if err := m.Respond(b); err != nil {
		s.logger.Warn("natsipc: respond failed", "subject", m.Subject, "error", err)
	}
}

// Listeners reports how many remote listeners are attached.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
