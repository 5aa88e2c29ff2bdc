package exchange

import (
	"context"
	"sync"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/stream"
)

// ExchangeIO turns an operation channel into a result channel. The result
// channel closes once ops is closed (or ctx is done) and all work started
// for it has finished.
type ExchangeIO func(ctx context.Context, ops <-chan operation.Operation) <-chan operation.Result

// ExchangeInput is what a stage receives from the pipeline.
type ExchangeInput struct {
	// Forward is the next stage.
	Forward ExchangeIO
	// Dispatch re-enters an operation at the head of the pipeline.
	Dispatch func(operation.Operation)
}

// Exchange is a pipeline stage.
type Exchange func(ExchangeInput) ExchangeIO

// InvokeExchange handles query and mutation operations by invoking host
// commands and forwards everything else.
func InvokeExchange(host ipc.Invoker, opts ...Option) Exchange {
	o := newOptions(opts)
	return func(input ExchangeInput) ExchangeIO {
		forward := input.Forward
		if forward == nil {
			forward = discard
		}
		return func(ctx context.Context, ops <-chan operation.Operation) <-chan operation.Result {
			r := &router{host: host, opts: o, inflight: make(map[uint64]*flight)}
			return r.run(ctx, ops, forward)
		}
	}
}

func handles(k operation.Kind) bool {
	return k == operation.Query || k == operation.Mutation
}

// flight is the cancellation signal shared by in-flight invocations of one
// key.
type flight struct {
	cancel chan struct{}
	refs   int
}

type router struct {
	host ipc.Invoker
	opts *Options

	mu       sync.Mutex
	inflight map[uint64]*flight
}

func (r *router) run(ctx context.Context, ops <-chan operation.Operation, forward ExchangeIO) <-chan operation.Result {
	processed := make(chan operation.Result)
	forwardOps := make(chan operation.Operation)
	forwarded := forward(ctx, forwardOps)
	go r.dispatch(ctx, ops, processed, forwardOps)
	return stream.Merge(ctx, processed, forwarded)
}

// dispatch is the only reader of ops.
func (r *router) dispatch(ctx context.Context, ops <-chan operation.Operation, processed chan<- operation.Result, forwardOps chan<- operation.Operation) {
	var wg sync.WaitGroup
	defer func() {
		close(forwardOps)
		wg.Wait()
		close(processed)
	}()
	for {
		select {
		case <-ctx.Done():
			drainOps(ops)
			return
		case op, ok := <-ops:
			if !ok {
				return
			}
			if handles(op.Kind) {
				cancel := r.track(op.Key)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer r.untrack(op.Key, cancel)
					r.process(ctx, op, cancel, processed)
				}()
				continue
			}
			if op.Kind == operation.Teardown {
				r.teardown(op.Key)
			}
			select {
			case forwardOps <- op:
			case <-ctx.Done():
				drainOps(ops)
				return
			}
		}
	}
}

func (r *router) process(ctx context.Context, op operation.Operation, cancel <-chan struct{}, out chan<- operation.Result) {
	cmd := CommandFor(op)
	src := invokeSource(ctx, r.host, op, cmd, ArgumentsFor(op), r.opts)
	delivered := false
	for res := range stream.TakeUntil(ctx, src, cancel) {
		select {
		case out <- res:
			delivered = true
		case <-ctx.Done():
			return
		}
	}
	if delivered {
		return
	}
	select {
	case <-cancel:
		r.opts.Logger.Debug("exchange: invocation torn down", "key", op.Key, "command", cmd)
		eventbus.Publish(ctx, events.OperationTeardown{Key: op.Key})
	default:
	}
}

func (r *router) track(key uint64) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.inflight[key]
	if f == nil {
		f = &flight{cancel: make(chan struct{})}
		r.inflight[key] = f
	}
	f.refs++
	return f.cancel
}

func (r *router) untrack(key uint64, cancel chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.inflight[key]
	if f == nil || f.cancel != cancel {
		return
	}
	f.refs--
	if f.refs == 0 {
		delete(r.inflight, key)
	}
}

func (r *router) teardown(key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.inflight[key]; f != nil {
		close(f.cancel)
		delete(r.inflight, key)
	}
}

// discard is the terminal stage used when no Forward is configured.
func discard(ctx context.Context, ops <-chan operation.Operation) <-chan operation.Result {
	out := make(chan operation.Result)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				drainOps(ops)
				return
			case _, ok := <-ops:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}

func drainOps(ops <-chan operation.Operation) {
	go func() {
		for range ops {
		}
	}()
}
