package reqid

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

// key is the context key for the request ID.
type key struct{}

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64()
	return context.WithValue(parent, key{}, id), id
}

// WithID returns a copy of parent carrying id, e.g. one received from a
// remote caller.
func WithID(parent context.Context, id int64) context.Context {
	return context.WithValue(parent, key{}, id)
}

// Parse restores an ID from its decimal form and stores it in parent. An
// empty or malformed value yields a fresh ID.
func Parse(parent context.Context, s string) context.Context {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return WithID(parent, id)
	}
	ctx, _ := NewContext(parent)
	return ctx
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(key{})
	id, ok := v.(int64)
	return id, ok
}

// MaxSubscriptionID bounds subscription correlation IDs: [0, MaxSubscriptionID).
const MaxSubscriptionID = 10_000_000

// Source mints subscription correlation IDs.
type Source func() uint32

// Random draws uniformly from the ID range. Collisions are possible and not
// guarded against.
func Random() uint32 {
	return rand.Uint32N(MaxSubscriptionID)
}

// Sequential returns a Source that counts up from start and wraps inside the
// ID range, so two live subscriptions only collide after MaxSubscriptionID
// others were started.
func Sequential(start uint32) Source {
	var n atomic.Uint64
	n.Store(uint64(start))
	return func() uint32 {
		return uint32((n.Add(1) - 1) % MaxSubscriptionID)
	}
}
