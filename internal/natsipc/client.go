package natsipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

var ErrClosed = errors.New("natsipc: client closed")

type Options struct {
	Prefix string
	// ListenTimeout bounds the subscribe flush and the listen request.
	// Invoke is bound only by its context since subscription commands run
	// for the whole stream.
	ListenTimeout time.Duration
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

type Option func(*Options)

func WithPrefix(p string) Option               { return func(o *Options) { o.Prefix = p } }
func WithListenTimeout(d time.Duration) Option { return func(o *Options) { o.ListenTimeout = d } }
func WithName(name string) Option              { return func(o *Options) { o.Name = name } }
func WithMaxReconnects(n int) Option           { return func(o *Options) { o.MaxReconnects = n } }
func WithReconnectWait(d time.Duration) Option { return func(o *Options) { o.ReconnectWait = d } }
func WithLogger(l *slog.Logger) Option         { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) Options {
	op := Options{
		ListenTimeout: 5 * time.Second,
		Name:          "graphql-ipc",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
	for _, f := range opts {
		f(&op)
	}
	if op.ListenTimeout <= 0 {
		op.ListenTimeout = 5 * time.Second
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return op
}

// Client is an ipc.Host backed by a remote Server.
type Client struct {
	conn     *nats.Conn
	owned    bool
	subjects Subjects
	opts     Options

	mu     sync.Mutex
	closed bool
}

var _ ipc.Host = (*Client)(nil)

// NewClient wraps an existing connection. Closing the client leaves the
// connection open.
func NewClient(conn *nats.Conn, opts ...Option) *Client {
	op := buildOptions(opts)
	return &Client{conn: conn, subjects: NewSubjects(op.Prefix), opts: op}
}

// Connect dials url and returns a client owning the connection.
func Connect(url string, opts ...Option) (*Client, error) {
	op := buildOptions(opts)
	logger := op.Logger
	conn, err := nats.Connect(url,
		nats.Name(op.Name),
		nats.MaxReconnects(op.MaxReconnects),
		nats.ReconnectWait(op.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natsipc: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("natsipc: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsipc: connect %s: %w", url, err)
	}
	return &Client{conn: conn, owned: true, subjects: NewSubjects(op.Prefix), opts: op}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.owned {
		c.conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) header(ctx context.Context) nats.Header {
	h := nats.Header{}
	if id, ok := reqid.FromContext(ctx); ok {
		h.Set(requestIDHeader, strconv.FormatInt(id, 10))
	}
	return h
}

func (c *Client) Invoke(ctx context.Context, cmd string, args any) (resp ipc.Response, err error) {
	if c.isClosed() {
		return ipc.Response{}, ErrClosed
	}
	raw, err := ipc.EncodeArgs(args)
	if err != nil {
		return ipc.Response{}, err
	}
	data, err := codec.Marshal(invokeRequest{Command: cmd, Args: raw})
	if err != nil {
		return ipc.Response{}, err
	}

	start := time.Now()
	eventbus.Publish(ctx, events.NATSRequestStart{Subject: c.subjects.Invoke, Command: cmd})
	defer func() {
		eventbus.Publish(ctx, events.NATSRequestFinish{
			Subject: c.subjects.Invoke, Command: cmd,
			Code: natsCode(err), Err: err, Duration: time.Since(start),
		})
	}()

	msg := nats.NewMsg(c.subjects.Invoke)
	msg.Data = data
	msg.Header = c.header(ctx)
	id := nats.NewInbox()
	msg.Header.Set(invocationHeader, id)

	rep, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(id)
		}
		return ipc.Response{}, err
	}
	r, err := decodeReply(rep.Data)
	if err != nil {
		return ipc.Response{}, err
	}
	if r.Response == nil {
		return ipc.Response{}, fmt.Errorf("natsipc: reply without response")
	}
	return *r.Response, nil
}

// abandon asks the server to cancel an invocation whose caller went away.
func (c *Client) abandon(id string) {
	b, err := codec.Marshal(cancelRequest{ID: id})
	if err != nil {
		return
	}
	if err := c.conn.Publish(c.subjects.Cancel, b); err != nil {
		c.opts.Logger.Debug("natsipc: cancel publish failed", "error", err)
	}
}

// Listen subscribes to the event subject before asking the server to attach
// its listener, so no payload emitted after the ack is missed.
func (c *Client) Listen(ctx context.Context, event string, h ipc.Handler) (ipc.Unlisten, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	sub, err := c.conn.Subscribe(c.subjects.Event(event), func(m *nats.Msg) {
		if m.Header.Get(endHeader) != "" {
			h(nil)
			return
		}
		s := string(m.Data)
		h(&s)
	})
	if err != nil {
		return nil, err
	}
	// FlushWithContext rejects contexts without a deadline, so the flush
	// shares the listen request's bound.
	rctx, cancel := context.WithTimeout(ctx, c.opts.ListenTimeout)
	defer cancel()
	if err := c.conn.FlushWithContext(rctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	data, err := codec.Marshal(listenRequest{Event: event})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	msg := nats.NewMsg(c.subjects.Listen)
	msg.Data = data
	msg.Header = c.header(ctx)
	rep, err := c.conn.RequestMsgWithContext(rctx, msg)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	r, err := decodeReply(rep.Data)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.opts.Logger.Debug("natsipc: unsubscribe failed", "event", event, "error", err)
			}
			b, err := codec.Marshal(listenRequest{ID: r.ID})
			if err != nil {
				return
			}
			if err := c.conn.Publish(c.subjects.Unlisten, b); err != nil {
				c.opts.Logger.Debug("natsipc: unlisten publish failed", "event", event, "error", err)
			}
		})
	}, nil
}

func decodeReply(b []byte) (reply, error) {
	var r reply
	if err := codec.Unmarshal(b, &r); err != nil {
		return reply{}, fmt.Errorf("natsipc: malformed reply: %w", err)
	}
	if r.Error != nil {
		return reply{}, r.Error
	}
	return r, nil
}

// natsCode names the outcome of a request for client events.
func natsCode(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return "OK"
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, nats.ErrNoResponders):
		return "no_responders"
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
