package client

import (
	"context"
	"log/slog"

	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/stream"
)

// Compose chains exchanges so that each one forwards to the next. The last
// one forwards to the input's Forward.
func Compose(exchanges ...exchange.Exchange) exchange.Exchange {
	return func(input exchange.ExchangeInput) exchange.ExchangeIO {
		forward := input.Forward
		for i := len(exchanges) - 1; i >= 0; i-- {
			forward = exchanges[i](exchange.ExchangeInput{Forward: forward, Dispatch: input.Dispatch})
		}
		return forward
	}
}

// FallbackExchange ends a pipeline. It drops every operation that reached it
// and never produces a result; dropped operations other than teardowns are
// logged.
func FallbackExchange(logger *slog.Logger) exchange.ExchangeIO {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ops <-chan operation.Operation) <-chan operation.Result {
		dropped := stream.Filter(ctx, ops, func(op operation.Operation) bool {
			if op.Kind != operation.Teardown {
				logger.Warn("client: no exchange handled operation", "key", op.Key, "kind", string(op.Kind))
			}
			return false
		})
		out := make(chan operation.Result)
		go func() {
			defer close(out)
			for range dropped {
			}
		}()
		return out
	}
}
