// Package plugin implements the host side of the graphql-ipc commands. It
// receives requests from an ipc host, runs them through an Executor and
// answers on the invocation or on the subscription's event channel.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

const (
	// Name is the plugin name in "plugin:<name>|<command>".
	Name = "graphql-ipc"

	CommandGraphQL      = "graphql"
	CommandSubscription = "subscription"

	// EventScheme prefixes the per-subscription event channel.
	EventScheme = "graphql://"
)

// Executor runs GraphQL requests. Execute reports failures that are not
// GraphQL errors through err. The Subscribe channel closes when the stream
// ends or ctx is done.
type Executor interface {
	Execute(ctx context.Context, req Request) (operation.ExecutionResult, error)
	Subscribe(ctx context.Context, req Request) (<-chan operation.ExecutionResult, error)
}

// InvalidEndpointError rejects commands the plugin does not serve.
type InvalidEndpointError struct {
	Endpoint string
}

func (e *InvalidEndpointError) Error() string {
	return fmt.Sprintf(`Invalid endpoint %q. Valid endpoints are [%q, %q]`, e.Endpoint, CommandGraphQL, CommandSubscription)
}

type Options struct {
	// Timeout bounds a graphql command when the caller set no deadline.
	// 0 means no timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithLogger(l *slog.Logger) Option   { return func(o *Options) { o.Logger = l } }

// Plugin serves the graphql and subscription commands.
type Plugin struct {
	exec Executor
	opt  Options
}

var _ ipc.Plugin = (*Plugin)(nil)

func New(exec Executor, opts ...Option) *Plugin {
	op := Options{}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Plugin{exec: exec, opt: op}
}

// Register installs a plugin for exec on host under Name.
func Register(host *ipc.Local, exec Executor, opts ...Option) *Plugin {
	p := New(exec, opts...)
	host.Register(Name, p)
	return p
}

func (p *Plugin) Handle(ctx context.Context, cmd string, args json.RawMessage, emit ipc.Emitter) (ipc.Response, error) {
	switch cmd {
	case CommandGraphQL:
		return p.graphql(ctx, args)
	case CommandSubscription:
		return p.subscription(ctx, args, emit)
	default:
		return ipc.Response{}, &InvalidEndpointError{Endpoint: cmd}
	}
}

// graphql executes a single or batched request. The response is ok only when
// every result is free of errors.
func (p *Plugin) graphql(ctx context.Context, args json.RawMessage) (ipc.Response, error) {
	if _, ok := ctx.Deadline(); !ok && p.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opt.Timeout)
		defer cancel()
	}
	var batch BatchRequest
	if err := codec.Unmarshal(args, &batch); err != nil {
		return ipc.Response{}, err
	}

	results := make([]operation.ExecutionResult, len(batch.Requests))
	ok := true
	for i, req := range batch.Requests {
		results[i] = p.executeOne(ctx, req)
		if len(results[i].Errors) > 0 {
			ok = false
		}
	}

	var body string
	var err error
	if batch.Batch {
		body, err = codec.MarshalToString(results)
	} else {
		body, err = codec.MarshalToString(results[0])
	}
	if err != nil {
		return ipc.Response{}, fmt.Errorf("plugin: encode response: %w", err)
	}
	return ipc.Response{Body: body, IsOk: ok}, nil
}

func (p *Plugin) executeOne(ctx context.Context, req Request) (result operation.ExecutionResult) {
	opType, gerr := inspect(req)
	if gerr != nil {
		return errorResult(gerr)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	defer func() {
		eventbus.Publish(ctx, events.GraphQLFinish{
			Query:         req.Query,
			OperationName: req.OperationName,
			OperationType: opType,
			Updates:       1,
			Errors:        errorsOf(result),
			Duration:      time.Since(start),
		})
	}()

	res, err := p.exec.Execute(ctx, req)
	if err != nil {
		p.opt.Logger.Warn("plugin: execute failed", "operation", req.OperationName, "error", err)
		return errorResult(&language.Error{Message: err.Error()})
	}
	return res
}

// subscription streams every result of req to graphql://<id> and then emits
// the end-of-stream sentinel. It returns once the stream is over.
func (p *Plugin) subscription(ctx context.Context, args json.RawMessage, emit ipc.Emitter) (ipc.Response, error) {
	req, err := decodeSubscription(args)
	if err != nil {
		return ipc.Response{}, err
	}
	event := EventScheme + strconv.FormatUint(uint64(req.ID), 10)

	send := func(res operation.ExecutionResult) error {
		payload, err := codec.MarshalToString(res)
		if err != nil {
			return fmt.Errorf("plugin: encode update: %w", err)
		}
		return emit.Emit(ctx, event, &payload)
	}

	opType, gerr := inspect(req.Request)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	var errs []error
	updates := 0
	defer func() {
		eventbus.Publish(ctx, events.GraphQLFinish{
			Query:         req.Query,
			OperationName: req.OperationName,
			OperationType: opType,
			Updates:       updates,
			Errors:        errs,
			Duration:      time.Since(start),
		})
	}()

	if gerr == nil {
		var results <-chan operation.ExecutionResult
		results, err = p.exec.Subscribe(ctx, req.Request)
		if err != nil {
			gerr = &language.Error{Message: err.Error()}
		} else {
			for res := range results {
				updates++
				errs = append(errs, errorsOf(res)...)
				if err := send(res); err != nil {
					return ipc.Response{}, err
				}
			}
		}
	}
	if gerr != nil {
		errs = append(errs, gerr)
		if err := send(errorResult(gerr)); err != nil {
			return ipc.Response{}, err
		}
	}

	if err := emit.Emit(ctx, event, nil); err != nil {
		return ipc.Response{}, err
	}
	p.opt.Logger.Debug("plugin: subscription finished", "event", event, "duration", time.Since(start))
	return ipc.Response{Body: "null", IsOk: true}, nil
}

// inspect parses the request and reports its operation type.
func inspect(req Request) (string, *language.Error) {
	if req.Query == "" {
		return "", &language.Error{Message: errMissingQuery.Error()}
	}
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		if ge, ok := err.(*language.Error); ok {
			return "", ge
		}
		return "", &language.Error{Message: err.Error()}
	}
	def, err := language.SelectOperation(doc, req.OperationName)
	if err != nil {
		return "", &language.Error{Message: err.Error()}
	}
	return string(def.Operation), nil
}

func errorResult(err *language.Error) operation.ExecutionResult {
	return operation.ExecutionResult{Errors: language.ErrorList{err}}
}

func errorsOf(res operation.ExecutionResult) []error {
	if len(res.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(res.Errors))
	for i := range res.Errors {
		errs[i] = res.Errors[i]
	}
	return errs
}
