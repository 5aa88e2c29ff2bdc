// Package upstream implements plugin.Executor by proxying requests to a
// GraphQL server: queries and mutations over HTTP POST, subscriptions over
// the graphql-transport-ws websocket protocol.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/plugin"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNoEndpoint = errors.New("upstream: endpoint is required")
	errStatus     = errors.New("upstream: unexpected status")
)

type Options struct {
	// WSEndpoint serves subscriptions. Derived from the HTTP endpoint when
	// empty.
	WSEndpoint string

	// Timeout bounds a query or mutation when ctx has no deadline.
	Timeout time.Duration

	// Headers are added to every HTTP request and websocket handshake.
	Headers http.Header

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

type Option func(*Options)

func WithWSEndpoint(url string) Option      { return func(o *Options) { o.WSEndpoint = url } }
func WithTimeout(d time.Duration) Option    { return func(o *Options) { o.Timeout = d } }
func WithHTTPClient(c *http.Client) Option  { return func(o *Options) { o.HTTPClient = c } }
func WithDialer(d *websocket.Dialer) Option { return func(o *Options) { o.Dialer = d } }
func WithLogger(l *slog.Logger) Option      { return func(o *Options) { o.Logger = l } }
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Headers == nil {
			o.Headers = http.Header{}
		}
		o.Headers.Add(key, value)
	}
}

// Executor forwards requests to a remote GraphQL endpoint.
type Executor struct {
	endpoint string
	opt      Options
}

var _ plugin.Executor = (*Executor)(nil)

func New(endpoint string, opts ...Option) (*Executor, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.WSEndpoint == "" {
		op.WSEndpoint = websocketURL(endpoint)
	}
	if op.HTTPClient == nil {
		op.HTTPClient = http.DefaultClient
	}
	if op.Dialer == nil {
		op.Dialer = &websocket.Dialer{HandshakeTimeout: 45 * time.Second, Subprotocols: []string{Subprotocol}}
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Executor{endpoint: endpoint, opt: op}, nil
}

func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}

// Execute POSTs req and decodes the GraphQL response. A response that is not
// a GraphQL result is reported through err.
func (e *Executor) Execute(ctx context.Context, req plugin.Request) (result operation.ExecutionResult, err error) {
	if _, ok := ctx.Deadline(); !ok && e.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opt.Timeout)
		defer cancel()
	}

	status := 0
	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{Endpoint: e.endpoint})
	defer func() {
		eventbus.Publish(ctx, events.UpstreamFinish{Endpoint: e.endpoint, Status: status, Err: err, Duration: time.Since(start)})
	}()

	body, err := codec.Marshal(req)
	if err != nil {
		return operation.ExecutionResult{}, fmt.Errorf("upstream: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return operation.ExecutionResult{}, fmt.Errorf("upstream: %w", err)
	}
	for k, vs := range e.opt.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/graphql-response+json, application/json")

	resp, err := e.opt.HTTPClient.Do(hreq)
	if err != nil {
		return operation.ExecutionResult{}, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return operation.ExecutionResult{}, fmt.Errorf("upstream: read response: %w", err)
	}
	if err := codec.Unmarshal(raw, &result); err != nil || (result.Data == nil && len(result.Errors) == 0) {
		if status < 200 || status >= 300 {
			return operation.ExecutionResult{}, fmt.Errorf("%w %d", errStatus, status)
		}
		if err == nil {
			err = errors.New("response has neither data nor errors")
		}
		return operation.ExecutionResult{}, fmt.Errorf("upstream: decode response: %w", err)
	}
	return result, nil
}
