package fieldstream

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func recvTimeout[T any](t *testing.T, source <-chan T) T {
	select {
	case v, ok := <-source:
		if !ok {
			t.Fatal("source closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("source did not emit")
	}
	panic("unreachable")
}

func expectNoEmit[T any](t *testing.T, source <-chan T) {
	select {
	case v := <-source:
		t.Fatalf("unexpected emission %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMerge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan int)
	b := make(chan int)
	out := Merge(ctx, (<-chan int)(a), (<-chan int)(b))

	go func() {
		a <- 1
		b <- 2
		a <- 3
		close(a)
		close(b)
	}()

	got := map[int]bool{}
	for i := 0; i < 3; i++ {
		got[recvTimeout(t, out)] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, got)

	// all sources closed, the merge closes
	select {
	case _, ok := <-out:
		assert.Equal(t, false, ok)
	case <-time.After(time.Second):
		t.Fatal("merge did not close")
	}
}

func TestZipLatestWithholdsUntilComplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan int)
	b := make(chan int)
	out := ZipLatest(ctx, false, (<-chan int)(a), (<-chan int)(b))

	go func() {
		a <- 1
	}()
	expectNoEmit(t, out)

	go func() {
		b <- 10
	}()
	assert.Equal(t, []int{1, 10}, recvTimeout(t, out))

	go func() {
		a <- 2
	}()
	assert.Equal(t, []int{2, 10}, recvTimeout(t, out))
}

func TestZipLatestPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan int)
	b := make(chan int)
	out := ZipLatest(ctx, true, (<-chan int)(a), (<-chan int)(b))

	go func() {
		a <- 1
	}()
	// partial mode emits right away, the missing slot holds the zero value
	assert.Equal(t, []int{1, 0}, recvTimeout(t, out))
}

func TestZipLatestClosedSourceRetainsValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan int, 1)
	b := make(chan int)
	a <- 1
	close(a)
	out := ZipLatest(ctx, false, (<-chan int)(a), (<-chan int)(b))

	go func() {
		b <- 10
		b <- 20
	}()
	assert.Equal(t, []int{1, 10}, recvTimeout(t, out))
	assert.Equal(t, []int{1, 20}, recvTimeout(t, out))
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := make(chan int)
	merged := Merge(ctx, (<-chan int)(a))
	zipped := ZipLatest(ctx, false, (<-chan int)(a))

	cancel()

	for _, done := range []func() bool{
		func() bool { _, ok := <-merged; return !ok },
		func() bool { _, ok := <-zipped; return !ok },
	} {
		closed := make(chan bool, 1)
		go func(done func() bool) {
			closed <- done()
		}(done)
		select {
		case ok := <-closed:
			assert.Equal(t, true, ok)
		case <-time.After(time.Second):
			t.Fatal("operator did not release on cancel")
		}
	}
}

func TestJustAndEmpty(t *testing.T) {
	just := Just(7)
	assert.Equal(t, 7, recvTimeout(t, just))
	expectNoEmit(t, just)

	empty := Empty[int]()
	_, ok := <-empty
	assert.Equal(t, false, ok)
}
