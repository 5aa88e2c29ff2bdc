package stream_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hanpama/graphqlipc/internal/stream"
)

func sourceOf(values ...int) <-chan int {
	ch := make(chan int, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

var _ = Describe("Filter", func() {
	It("keeps matching values in order", func() {
		out := stream.Filter(context.Background(), sourceOf(1, 2, 3, 4, 5, 6), func(v int) bool { return v%2 == 0 })
		Expect(stream.Collect(out)).To(Equal([]int{2, 4, 6}))
	})

	It("closes when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		src := make(chan int)
		out := stream.Filter(ctx, src, func(int) bool { return true })
		go func() { src <- 1 }()
		cancel()
		Eventually(func() bool {
			select {
			case _, ok := <-out:
				return !ok
			default:
				return false
			}
		}).Should(BeTrue())
	})
})

var _ = Describe("Merge", func() {
	It("preserves per-source order", func() {
		out := stream.Merge(context.Background(), sourceOf(1, 2, 3), sourceOf(10, 20, 30))
		got := stream.Collect(out)
		Expect(got).To(ConsistOf(1, 2, 3, 10, 20, 30))

		var left, right []int
		for _, v := range got {
			if v < 10 {
				left = append(left, v)
			} else {
				right = append(right, v)
			}
		}
		Expect(left).To(Equal([]int{1, 2, 3}))
		Expect(right).To(Equal([]int{10, 20, 30}))
	})

	It("closes immediately without sources", func() {
		Eventually(stream.Merge[int](context.Background())).Should(BeClosed())
	})

	It("waits for the slowest source", func() {
		slow := make(chan int)
		out := stream.Merge(context.Background(), sourceOf(1), slow)
		Eventually(out).Should(Receive(Equal(1)))
		Consistently(out, 50*time.Millisecond).ShouldNot(BeClosed())
		close(slow)
		Eventually(out).Should(BeClosed())
	})
})

var _ = Describe("TakeUntil", func() {
	It("mirrors the source when the notifier stays silent", func() {
		out := stream.TakeUntil(context.Background(), sourceOf(1, 2), make(chan struct{}))
		Expect(stream.Collect(out)).To(Equal([]int{1, 2}))
	})

	It("drops everything after the notifier fires", func() {
		src := make(chan int, 1)
		stop := make(chan struct{})
		out := stream.TakeUntil(context.Background(), src, stop)
		close(stop)
		Eventually(out).Should(BeClosed())
		src <- 1
		close(src)
	})

	It("prefers the notifier when both are ready", func() {
		for i := 0; i < 50; i++ {
			src := make(chan int, 1)
			src <- i
			stop := make(chan struct{})
			close(stop)
			out := stream.TakeUntil(context.Background(), src, stop)
			Expect(stream.Collect(out)).To(BeEmpty())
		}
	})
})
