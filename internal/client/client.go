// Package client is a minimal GraphQL client built on an exchange
// pipeline. Operations get a unique key, results are routed back to the
// caller by key, and a caller that goes away sends a teardown.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

var (
	ErrClosed = errors.New("client: closed")
	// ErrKindMismatch is returned when the document's operation does not
	// match the method it was passed to.
	ErrKindMismatch = errors.New("client: operation kind mismatch")
	// ErrNoResult is returned when the pipeline ended without answering.
	ErrNoResult = errors.New("client: no result")
)

type Options struct {
	// URL is copied into every operation's Context. Defaults to "graphql".
	URL       string
	Exchanges []exchange.Exchange
	Logger    *slog.Logger
	// Buffer is the result buffer of each Subscribe channel.
	Buffer int
}

type Option func(*Options)

func WithURL(url string) Option                    { return func(o *Options) { o.URL = url } }
func WithExchanges(ex ...exchange.Exchange) Option { return func(o *Options) { o.Exchanges = append(o.Exchanges, ex...) } }
func WithLogger(l *slog.Logger) Option             { return func(o *Options) { o.Logger = l } }
func WithBuffer(n int) Option                      { return func(o *Options) { o.Buffer = n } }

// Request is one GraphQL request as the caller writes it.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Meta          map[string]any
}

type Client struct {
	opts   Options
	ops    chan operation.Operation
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	keys   atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]*waiter
}

type waiter struct {
	ch   chan operation.Result
	gone chan struct{}
}

// New starts a client over the given pipeline.
func New(opts ...Option) *Client {
	op := Options{URL: "graphql", Buffer: 16}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    op,
		ops:     make(chan operation.Operation),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: make(map[uint64]*waiter),
	}
	io := Compose(op.Exchanges...)(exchange.ExchangeInput{
		Forward:  FallbackExchange(op.Logger),
		Dispatch: c.dispatch,
	})
	go c.route(io(ctx, c.ops))
	return c
}

// ForHost returns a client that runs queries, mutations and subscriptions
// against host.
func ForHost(host ipc.Host, exOpts []exchange.Option, opts ...Option) *Client {
	pipeline := WithExchanges(
		SubscriptionExchange(exchange.ForwardSubscription(host, exOpts...)),
		exchange.InvokeExchange(host, exOpts...),
	)
	return New(append([]Option{pipeline}, opts...)...)
}

// Close stops the pipeline. Pending calls return ErrClosed.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) route(results <-chan operation.Result) {
	defer close(c.done)
	for res := range results {
		c.mu.Lock()
		w := c.waiters[res.Operation.Key]
		c.mu.Unlock()
		if w == nil {
			c.opts.Logger.Debug("client: result without waiter", "key", res.Operation.Key)
			continue
		}
		select {
		case w.ch <- res:
		case <-w.gone:
		case <-c.ctx.Done():
		}
	}
}

// dispatch re-enters op at the head of the pipeline.
func (c *Client) dispatch(op operation.Operation) {
	go func() {
		select {
		case c.ops <- op:
		case <-c.ctx.Done():
		}
	}()
}

func (c *Client) send(ctx context.Context, op operation.Operation) error {
	select {
	case c.ops <- op:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Operation builds an operation with a fresh key.
func (c *Client) Operation(req Request) (operation.Operation, error) {
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return operation.Operation{}, err
	}
	def, err := language.SelectOperation(doc, req.OperationName)
	if err != nil {
		return operation.Operation{}, err
	}
	return operation.Operation{
		Kind:          operation.KindOf(def.Operation),
		Key:           c.keys.Add(1),
		Query:         doc,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Context:       operation.Context{URL: c.opts.URL, Meta: req.Meta},
	}, nil
}

func (c *Client) register(key uint64, size int) *waiter {
	w := &waiter{ch: make(chan operation.Result, size), gone: make(chan struct{})}
	c.mu.Lock()
	c.waiters[key] = w
	c.mu.Unlock()
	return w
}

func (c *Client) unregister(key uint64, w *waiter) {
	c.mu.Lock()
	if c.waiters[key] == w {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
	close(w.gone)
}

// teardown tells the pipeline the caller lost interest in op.
func (c *Client) teardown(op operation.Operation) {
	c.dispatch(op.Teardown())
}

// Execute runs a query or mutation and waits for its result. A result
// carrying an error is returned together with that error.
func (c *Client) Execute(ctx context.Context, op operation.Operation) (operation.Result, error) {
	if op.Kind != operation.Query && op.Kind != operation.Mutation {
		return operation.Result{}, fmt.Errorf("%w: %s cannot be executed", ErrKindMismatch, op.Kind)
	}
	w := c.register(op.Key, 1)
	defer c.unregister(op.Key, w)
	if err := c.send(ctx, op); err != nil {
		return operation.Result{}, err
	}
	select {
	case res := <-w.ch:
		return res, res.Error
	case <-ctx.Done():
		c.teardown(op)
		return operation.Result{}, ctx.Err()
	case <-c.ctx.Done():
		return operation.Result{}, ErrClosed
	}
}

func (c *Client) run(ctx context.Context, kind operation.Kind, req Request) (operation.Result, error) {
	op, err := c.Operation(req)
	if err != nil {
		return operation.Result{}, err
	}
	if op.Kind != kind {
		return operation.Result{}, fmt.Errorf("%w: document is a %s", ErrKindMismatch, op.Kind)
	}
	return c.Execute(ctx, op)
}

func (c *Client) Query(ctx context.Context, query string, vars map[string]any) (operation.Result, error) {
	return c.run(ctx, operation.Query, Request{Query: query, Variables: vars})
}

func (c *Client) Mutate(ctx context.Context, query string, vars map[string]any) (operation.Result, error) {
	return c.run(ctx, operation.Mutation, Request{Query: query, Variables: vars})
}

// Subscribe starts a subscription. The returned channel yields every update
// and the terminal error result, if any, and closes when the subscription
// ends or ctx is done. Cancelling ctx tears the subscription down.
func (c *Client) Subscribe(ctx context.Context, query string, vars map[string]any) (<-chan operation.Result, error) {
	return c.SubscribeRequest(ctx, Request{Query: query, Variables: vars})
}

func (c *Client) SubscribeRequest(ctx context.Context, req Request) (<-chan operation.Result, error) {
	op, err := c.Operation(req)
	if err != nil {
		return nil, err
	}
	return c.SubscribeOperation(ctx, op)
}

// SubscribeOperation starts a subscription for an operation built by
// Operation. It behaves like Subscribe.
func (c *Client) SubscribeOperation(ctx context.Context, op operation.Operation) (<-chan operation.Result, error) {
	if op.Kind != operation.Subscription {
		return nil, fmt.Errorf("%w: document is a %s", ErrKindMismatch, op.Kind)
	}
	w := c.register(op.Key, c.opts.Buffer)
	if err := c.send(ctx, op); err != nil {
		c.unregister(op.Key, w)
		return nil, err
	}
	out := make(chan operation.Result)
	go func() {
		defer close(out)
		defer c.unregister(op.Key, w)
		for {
			select {
			case res := <-w.ch:
				if res.HasNext || res.Error != nil || len(res.Data) > 0 {
					select {
					case out <- res:
					case <-ctx.Done():
						c.teardown(op)
						return
					}
				}
				if !res.HasNext {
					return
				}
			case <-ctx.Done():
				c.teardown(op)
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
