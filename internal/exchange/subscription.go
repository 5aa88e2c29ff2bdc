package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/operation"
)

// Sink observes one subscription. Exactly one of Complete or Error ends it;
// no call follows the terminal one. Calls are serialized.
type Sink interface {
	Next(operation.ExecutionResult)
	Error(error)
	Complete()
}

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe detaches from the host and completes the sink. Extra calls
	// do nothing.
	Unsubscribe()
}

// Subscribable starts a subscription for a sink.
type Subscribable interface {
	Subscribe(Sink) Subscription
}

// SubscribableFunc adapts a function to Subscribable.
type SubscribableFunc func(Sink) Subscription

func (f SubscribableFunc) Subscribe(s Sink) Subscription { return f(s) }

// ForwardSubscription returns the adapter that runs subscription operations
// over the host's event channel.
func ForwardSubscription(host ipc.Host, opts ...Option) func(operation.Operation) Subscribable {
	o := newOptions(opts)
	return func(op operation.Operation) Subscribable {
		return SubscribableFunc(func(sink Sink) Subscription {
			c := newChannel(host, op, sink, o)
			go c.start()
			return c
		})
	}
}

type channelState int

const (
	stateIdle channelState = iota
	stateRegistering
	stateActive
	stateCompleted
)

func (s channelState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRegistering:
		return "registering"
	case stateActive:
		return "active"
	default:
		return "completed"
	}
}

// channel is one subscription's correlation state.
type channel struct {
	host  ipc.Host
	op    operation.Operation
	sink  Sink
	opts  *Options
	id    uint32
	event string

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	out       serial

	mu       sync.Mutex
	state    channelState
	unlisten ipc.Unlisten
	updates  int
}

func newChannel(host ipc.Host, op operation.Operation, sink Sink, opts *Options) *channel {
	id := opts.IDSource()
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		host:      host,
		op:        op,
		sink:      sink,
		opts:      opts,
		id:        id,
		event:     SubscriptionEventName(id),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// start attaches the listener and only then asks the host to start
// producing, so an update emitted right away is not lost.
func (c *channel) start() {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return
	}
	c.state = stateRegistering
	c.mu.Unlock()

	unlisten, err := c.host.Listen(c.ctx, c.event, c.onEvent)
	if err != nil {
		c.finish(HandleInvokeError(err))
		return
	}

	c.mu.Lock()
	if c.state == stateCompleted {
		c.mu.Unlock()
		unlisten()
		return
	}
	c.unlisten = unlisten
	c.state = stateActive
	c.mu.Unlock()
	eventbus.Publish(c.ctx, events.SubscriptionStart{Key: c.op.Key, ID: c.id, Event: c.event})

	if _, err := c.host.Invoke(c.ctx, SubscriptionCommand, SubscriptionArgumentsFor(c.op, c.id)); err != nil {
		c.finish(HandleInvokeError(err))
	}
}

func (c *channel) onEvent(payload *string) {
	if payload == nil {
		c.finish(nil)
		return
	}
	var result operation.ExecutionResult
	if err := codec.UnmarshalFromString(*payload, &result); err != nil {
		c.finish(&IPCError{Cause: fmt.Errorf("decode subscription payload: %w", err)})
		return
	}
	c.mu.Lock()
	if c.state == stateCompleted {
		c.mu.Unlock()
		return
	}
	c.updates++
	c.out.push(func() { c.sink.Next(result) })
	c.mu.Unlock()
	c.out.flush()
}

func (c *channel) Unsubscribe() {
	c.opts.Logger.Debug("exchange: unsubscribe", "key", c.op.Key, "event", c.event)
	c.finish(nil)
}

// finish moves the channel to its terminal state once. err selects between
// Error and Complete on the sink.
func (c *channel) finish(err error) {
	c.mu.Lock()
	if c.state == stateCompleted {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = stateCompleted
	unlisten := c.unlisten
	c.unlisten = nil
	updates := c.updates
	if err != nil {
		c.out.push(func() { c.sink.Error(err) })
	} else {
		c.out.push(c.sink.Complete)
	}
	c.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	c.cancel()
	if err != nil {
		c.opts.Logger.Warn("exchange: subscription failed", "key", c.op.Key, "event", c.event, "state", from.String(), "error", err)
	}
	eventbus.Publish(context.Background(), events.SubscriptionFinish{
		Key:      c.op.Key,
		ID:       c.id,
		Event:    c.event,
		Updates:  updates,
		Err:      err,
		Duration: time.Since(c.startedAt),
	})
	c.out.flush()
}

// serial runs queued sink calls one at a time and in push order. A call
// pushed from inside a running call runs after it returns.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) push(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
}

func (s *serial) flush() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}
