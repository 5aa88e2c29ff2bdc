package client

import (
	"context"
	"sync"

	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/stream"
)

// SubscriptionExchange runs subscription operations through forward and
// turns a teardown of an active subscription into Unsubscribe. Every update
// is a result with HasNext set; the terminal result has HasNext unset and
// carries the error, if any.
func SubscriptionExchange(forward func(operation.Operation) exchange.Subscribable) exchange.Exchange {
	return func(input exchange.ExchangeInput) exchange.ExchangeIO {
		next := input.Forward
		if next == nil {
			next = FallbackExchange(nil)
		}
		return func(ctx context.Context, ops <-chan operation.Operation) <-chan operation.Result {
			s := &subscriptions{forward: forward, active: make(map[uint64]*active)}
			out := make(chan operation.Result)
			forwardOps := make(chan operation.Operation)
			forwarded := next(ctx, forwardOps)
			go s.run(ctx, ops, out, forwardOps)
			return stream.Merge(ctx, out, forwarded)
		}
	}
}

type active struct {
	sub exchange.Subscription
}

type subscriptions struct {
	forward func(operation.Operation) exchange.Subscribable

	mu     sync.Mutex
	active map[uint64]*active
	wg     sync.WaitGroup
}

func (s *subscriptions) run(ctx context.Context, ops <-chan operation.Operation, out chan<- operation.Result, forwardOps chan<- operation.Operation) {
	defer func() {
		close(forwardOps)
		s.unsubscribeAll()
		s.wg.Wait()
		close(out)
	}()
	for {
		var op operation.Operation
		var ok bool
		select {
		case <-ctx.Done():
			drainOps(ops)
			return
		case op, ok = <-ops:
			if !ok {
				return
			}
		}
		switch op.Kind {
		case operation.Subscription:
			s.start(ctx, op, out)
			continue
		case operation.Teardown:
			s.stop(op.Key)
		}
		select {
		case forwardOps <- op:
		case <-ctx.Done():
			drainOps(ops)
			return
		}
	}
}

func (s *subscriptions) start(ctx context.Context, op operation.Operation, out chan<- operation.Result) {
	s.stop(op.Key)
	a := &active{}
	s.mu.Lock()
	s.active[op.Key] = a
	s.mu.Unlock()
	s.wg.Add(1)
	a.sub = s.forward(op).Subscribe(&sink{ctx: ctx, op: op, out: out, done: func() {
		s.mu.Lock()
		if s.active[op.Key] == a {
			delete(s.active, op.Key)
		}
		s.mu.Unlock()
		s.wg.Done()
	}})
}

func (s *subscriptions) stop(key uint64) {
	s.mu.Lock()
	a := s.active[key]
	delete(s.active, key)
	s.mu.Unlock()
	if a != nil && a.sub != nil {
		a.sub.Unsubscribe()
	}
}

func (s *subscriptions) unsubscribeAll() {
	s.mu.Lock()
	all := make([]*active, 0, len(s.active))
	for key, a := range s.active {
		all = append(all, a)
		delete(s.active, key)
	}
	s.mu.Unlock()
	for _, a := range all {
		if a.sub != nil {
			a.sub.Unsubscribe()
		}
	}
}

// sink turns subscription callbacks into results for one operation.
type sink struct {
	ctx  context.Context
	op   operation.Operation
	out  chan<- operation.Result
	done func()
}

func (k *sink) emit(res operation.Result) {
	select {
	case k.out <- res:
	case <-k.ctx.Done():
	}
}

func (k *sink) Next(er operation.ExecutionResult) {
	res := operation.MakeResult(k.op, er)
	res.HasNext = true
	k.emit(res)
}

func (k *sink) Error(err error) {
	k.emit(operation.MakeErrorResult(k.op, err, nil))
	k.done()
}

func (k *sink) Complete() {
	k.emit(operation.Result{Operation: k.op})
	k.done()
}

func drainOps(ops <-chan operation.Operation) {
	go func() {
		for range ops {
		}
	}()
}
