package exchange

import (
	"context"
	"time"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

// invokeSource issues one host call and emits exactly one Result for it
// before closing. The channel is buffered so an abandoned result never blocks
// the call goroutine.
func invokeSource(ctx context.Context, host ipc.Invoker, op operation.Operation, cmd string, args any, opts *Options) <-chan operation.Result {
	out := make(chan operation.Result, 1)
	go func() {
		defer close(out)
		out <- invoke(ctx, host, op, cmd, args, opts)
	}()
	return out
}

func invoke(ctx context.Context, host ipc.Invoker, op operation.Operation, cmd string, args any, opts *Options) (res operation.Result) {
	if _, ok := reqid.FromContext(ctx); !ok {
		ctx, _ = reqid.NewContext(ctx)
	}
	start := time.Now()
	eventbus.Publish(ctx, events.InvokeStart{Key: op.Key, Command: cmd})
	defer func() {
		eventbus.Publish(ctx, events.InvokeFinish{
			Key:      op.Key,
			Command:  cmd,
			OK:       res.Error == nil,
			Err:      res.Error,
			Duration: time.Since(start),
		})
	}()
	defer func() {
		if r := recover(); r != nil {
			res = operation.MakeErrorResult(op, HandleInvokeError(r), nil)
		}
	}()

	if opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.InvokeTimeout)
		defer cancel()
	}
	resp, err := host.Invoke(ctx, cmd, args)
	if err != nil {
		return operation.MakeErrorResult(op, HandleInvokeError(err), nil)
	}
	result, err := IntoExecutionResult(resp)
	if err != nil {
		return operation.MakeErrorResult(op, err, nil)
	}
	return operation.MakeResult(op, result)
}
