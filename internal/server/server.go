// Package server serves GraphQL over HTTP. Every request runs through a
// client pipeline, so the host behind the pipeline answers it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/graphqlipc/internal/client"
	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/exchange"
	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const errBodyTooLargeMessage = "body too large"

// Handler is an http.Handler that serves a GraphQL endpoint.
// Queries and mutations answer with one JSON response; subscriptions
// stream Server-Sent Events.
type Handler struct {
	client *client.Client
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout for queries and mutations if the
	// incoming request context has none. 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	Logger *slog.Logger
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option  { return func(o *Options) { o.CORS.AllowedOrigins = origins } }
func WithLogger(l *slog.Logger) Option   { return func(o *Options) { o.Logger = l } }

// New creates a GraphQL HTTP handler answering through c.
func New(c *client.Client, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Handler{client: c, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, _ := reqid.NewContext(r.Context())
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Method: r.Method, Path: r.URL.Path})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{
			Method:   r.Method,
			Path:     r.URL.Path,
			Status:   status,
			Duration: time.Since(start),
		})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		h.writeJSON(w, status, messageResponse("method not allowed"))
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeJSON(w, status, errorResponse(language.ErrorList{berr}))
		return
	}

	if batch != nil {
		out := make([]response, len(batch))
		for i := range batch {
			op, err := h.operation(batch[i])
			if err == nil && op.Kind == operation.Subscription {
				err = errors.New("subscriptions cannot be batched")
			}
			if err != nil {
				out[i] = errorResponse(toErrorList(err))
				continue
			}
			out[i], _ = h.execute(ctx, op)
		}
		h.writeJSON(w, status, out)
		return
	}

	op, err := h.operation(req)
	if err != nil {
		status = http.StatusBadRequest
		h.writeJSON(w, status, errorResponse(toErrorList(err)))
		return
	}
	if op.Kind == operation.Subscription {
		status = h.subscribe(ctx, w, r, op)
		return
	}
	if r.Method == http.MethodGet && op.Kind == operation.Mutation {
		status = http.StatusMethodNotAllowed
		h.writeJSON(w, status, messageResponse("mutations require POST"))
		return
	}
	var res response
	res, status = h.execute(ctx, op)
	h.writeJSON(w, status, res)
}

func (req GraphQLRequest) clientRequest() client.Request {
	return client.Request{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Meta:          req.Extensions,
	}
}

func (h *Handler) operation(req GraphQLRequest) (operation.Operation, error) {
	return h.client.Operation(req.clientRequest())
}

// execute runs a query or mutation and maps its outcome to a response and
// HTTP status. GraphQL errors keep 200; host failures are 502.
func (h *Handler) execute(ctx context.Context, op operation.Operation) (response, int) {
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}
	res, err := h.client.Execute(ctx, op)
	var ipcErr *exchange.IPCError
	switch {
	case err == nil:
		return resultResponse(res), http.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return messageResponse("request timed out"), http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, client.ErrClosed):
		return messageResponse(err.Error()), http.StatusServiceUnavailable
	case errors.As(err, &ipcErr):
		h.opt.Logger.Warn("server: host invocation failed", "key", op.Key, "error", err)
		return resultResponse(res), http.StatusBadGateway
	default:
		return resultResponse(res), http.StatusOK
	}
}

// subscribe streams op as Server-Sent Events: one "next" event per update
// and a final "complete" event.
func (h *Handler) subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, op operation.Operation) int {
	flusher, ok := w.(http.Flusher)
	if !ok || !acceptsEventStream(r.Header.Get("Accept")) {
		h.writeJSON(w, http.StatusNotAcceptable, messageResponse("subscriptions require Accept: text/event-stream"))
		return http.StatusNotAcceptable
	}
	ch, err := h.client.SubscribeOperation(ctx, op)
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, messageResponse(err.Error()))
		return http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for res := range ch {
		b, err := codec.Marshal(resultResponse(res))
		if err != nil {
			h.opt.Logger.Error("server: encode subscription update", "key", res.Operation.Key, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: next\ndata: %s\n\n", b); err != nil {
			return http.StatusOK
		}
		flusher.Flush()
	}
	if ctx.Err() == nil {
		_, _ = io.WriteString(w, "event: complete\ndata:\n\n")
		flusher.Flush()
	}
	return http.StatusOK
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		var vars map[string]any
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := codec.UnmarshalFromString(v, &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
	}
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := codec.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := codec.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

type response struct {
	Data       json.RawMessage    `json:"data,omitempty"`
	Errors     language.ErrorList `json:"errors,omitempty"`
	Extensions map[string]any     `json:"extensions,omitempty"`
}

func messageResponse(msg string) response {
	return errorResponse(language.ErrorList{{Message: msg}})
}

func errorResponse(errs language.ErrorList) response {
	return response{Errors: errs}
}

func resultResponse(res operation.Result) response {
	out := response{Data: res.Data, Extensions: res.Extensions}
	switch {
	case len(res.Errors) > 0:
		out.Errors = res.Errors
	case res.Error != nil:
		out.Errors = toErrorList(res.Error)
	}
	return out
}

// toErrorList keeps GraphQL errors as they are and wraps anything else in a
// single message.
func toErrorList(err error) language.ErrorList {
	var gqlErr *exchange.AsyncGraphQLError
	if errors.As(err, &gqlErr) && len(gqlErr.Errors) > 0 {
		return gqlErr.Errors
	}
	var list language.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return list
	}
	var one *language.Error
	if errors.As(err, &one) {
		return language.ErrorList{one}
	}
	return language.ErrorList{{Message: err.Error()}}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := codec.NewEncoder(w)
	if h.opt.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		h.opt.Logger.Debug("server: write response", "error", err)
	}
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := false
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		if o == "*" || o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func acceptsEventStream(accept string) bool {
	for _, p := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(p), "text/event-stream") {
			return true
		}
	}
	return false
}
