package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

type entry struct {
	id uint64
	fn func(context.Context, any)
}

// Bus is an in-process dispatcher keyed by topic. Host event channels use
// their channel name as topic; typed telemetry events use their Go type.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]entry
}

// New creates a new Bus.
func New() *Bus { return &Bus{handlers: make(map[string][]entry)} }

// On registers fn for topic. The returned function removes it and is safe to
// call more than once.
func (b *Bus) On(topic string, fn func(context.Context, any)) (off func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[topic] = append(b.handlers[topic], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[topic]
	for i, e := range hs {
		if e.id == id {
			hs = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(b.handlers, topic)
	} else {
		b.handlers[topic] = hs
	}
}

// Emit dispatches payload to every handler of topic and reports how many
// handlers ran.
func (b *Bus) Emit(ctx context.Context, topic string, payload any) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	hs := b.handlers[topic]
	if len(hs) == 0 {
		b.mu.RUnlock()
		return 0
	}
	copied := append([]entry(nil), hs...)
	b.mu.RUnlock()
	for _, e := range copied {
		e.fn(ctx, payload)
	}
	return len(copied)
}

// Len reports the number of handlers registered for topic.
func (b *Bus) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

func typeTopic[T any]() string {
	return "type:" + reflect.TypeOf((*T)(nil)).Elem().String()
}

var global atomic.Pointer[Bus]

// Use sets the global telemetry bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h with the global bus.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	if b := global.Load(); b != nil {
		return b.On(typeTopic[T](), func(ctx context.Context, v any) { h(ctx, v.(T)) })
	}
	return func() {}
}

// Publish sends e through the global bus.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.Emit(ctx, typeTopic[T](), e)
	}
}
