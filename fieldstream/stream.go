package fieldstream

import (
	"context"
	"slices"
	"sync"
)

// composable asynchronous value streams.
// every operator is scoped to a context. cancelling the context
// promptly releases all producer and forwarder goroutines, so
// cancelling a connection's top level context cancels depth-first.

// emits one value, then stays open until the context is done
func Just[T any](v T) <-chan T {
	out := make(chan T, 1)
	out <- v
	return out
}

// emits nothing and is immediately exhausted
func Empty[T any]() <-chan T {
	out := make(chan T)
	close(out)
	return out
}

func sendValue[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- v:
		return true
	}
}

type indexedValue[T any] struct {
	index int
	value T
}

// forwards every source into one indexed union channel.
// the union closes when all sources close or the context is done.
func fanIn[T any](ctx context.Context, sources []<-chan T) <-chan indexedValue[T] {
	union := make(chan indexedValue[T])

	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source <-chan T) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-source:
					if !ok {
						return
					}
					if !sendValue(ctx, union, indexedValue[T]{index: i, value: v}) {
						return
					}
				}
			}
		}(i, source)
	}
	go func() {
		wg.Wait()
		close(union)
	}()

	return union
}

// re-emits every element of every source as it arrives
func Merge[T any](ctx context.Context, sources ...<-chan T) <-chan T {
	out := make(chan T)
	union := fanIn(ctx, sources)

	go func() {
		defer close(out)
		for item := range union {
			if !sendValue(ctx, out, item.value) {
				return
			}
		}
	}()

	return out
}

// emits the latest-of-all snapshot whenever any source emits.
// with partial=false nothing is emitted until every source has
// produced at least one value. a source that closes keeps its last
// value in subsequent snapshots.
func ZipLatest[T any](ctx context.Context, partial bool, sources ...<-chan T) <-chan []T {
	out := make(chan []T)
	union := fanIn(ctx, sources)

	go func() {
		defer close(out)

		latest := make([]T, len(sources))
		seen := make([]bool, len(sources))
		seenCount := 0

		for item := range union {
			if !seen[item.index] {
				seen[item.index] = true
				seenCount += 1
			}
			latest[item.index] = item.value

			if !partial && seenCount < len(sources) {
				continue
			}
			if !sendValue(ctx, out, slices.Clone(latest)) {
				return
			}
		}
	}()

	return out
}
