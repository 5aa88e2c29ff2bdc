package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusTopics(t *testing.T) {
	b := New()
	var got []any
	off := b.On("graphql://1", func(_ context.Context, v any) { got = append(got, v) })
	b.On("graphql://2", func(context.Context, any) { t.Fatalf("wrong topic") })

	require.Equal(t, 1, b.Emit(context.Background(), "graphql://1", "a"))
	off()
	off()
	require.Equal(t, 0, b.Emit(context.Background(), "graphql://1", "b"))
	require.Equal(t, []any{"a"}, got)
	require.Equal(t, 0, b.Len("graphql://1"))
	require.Equal(t, 1, b.Len("graphql://2"))
}

func TestBusRemovesOnlyOwnHandler(t *testing.T) {
	b := New()
	calls := map[string]int{}
	h := func(name string) func(context.Context, any) {
		return func(context.Context, any) { calls[name]++ }
	}
	offA := b.On("t", h("a"))
	b.On("t", h("b"))
	offA()
	b.Emit(context.Background(), "t", nil)
	require.Equal(t, map[string]int{"b": 1}, calls)
}

type sample struct{ N int }

func TestTypedPublish(t *testing.T) {
	Use(New())
	defer Use(nil)

	var got []int
	unsubscribe := Subscribe(func(_ context.Context, e sample) { got = append(got, e.N) })
	Publish(context.Background(), sample{N: 1})
	Publish(context.Background(), "ignored")
	unsubscribe()
	Publish(context.Background(), sample{N: 2})
	require.Equal(t, []int{1}, got)
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	Publish(context.Background(), sample{N: 1})
	Subscribe(func(context.Context, sample) {})()
}
