// Package stream holds the channel combinators the exchange pipeline is
// composed from. A source is a receive-only channel closed by its producer
// once it has no more values.
package stream

import (
	"context"
	"sync"
)

// Filter passes through the values of src for which keep returns true.
func Filter[T any](ctx context.Context, src <-chan T, keep func(T) bool) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				drain(src)
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				if !keep(v) {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					drain(src)
					return
				}
			}
		}
	}()
	return out
}

// Merge interleaves srcs as values become available. Order is preserved per
// source only. The output closes after every source closed.
func Merge[T any](ctx context.Context, srcs ...<-chan T) <-chan T {
	out := make(chan T)
	var wg sync.WaitGroup
	wg.Add(len(srcs))
	for _, src := range srcs {
		go func(src <-chan T) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					drain(src)
					return
				case v, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- v:
					case <-ctx.Done():
						drain(src)
						return
					}
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// TakeUntil mirrors src until notifier fires (receives or closes). A value
// that is ready at the same time as the notifier is dropped. Once cut, src is
// drained in the background.
func TakeUntil[T any](ctx context.Context, src <-chan T, notifier <-chan struct{}) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-notifier:
				drain(src)
				return
			case <-ctx.Done():
				drain(src)
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				select {
				case <-notifier:
					drain(src)
					return
				default:
				}
				select {
				case out <- v:
				case <-notifier:
					drain(src)
					return
				case <-ctx.Done():
					drain(src)
					return
				}
			}
		}
	}()
	return out
}

// Collect reads src until it closes.
func Collect[T any](src <-chan T) []T {
	var out []T
	for v := range src {
		out = append(out, v)
	}
	return out
}

func drain[T any](src <-chan T) {
	go func() {
		for range src {
		}
	}()
}
