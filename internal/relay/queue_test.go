package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := New[int]("fifo", 4)
	for i := range 3 {
		q.Push(i)
	}
	for want := range 3 {
		got, ok := q.Pop(t.Context())
		if !ok {
			t.Fatalf("Pop returned ok=false at %d", want)
		}
		if got != want {
			t.Errorf("Pop = %d, want %d", got, want)
		}
	}
}

func TestQueue_OverflowKeepsNewest(t *testing.T) {
	t.Parallel()

	q := New[int]("overflow", 3)
	for i := range 10 {
		q.Push(i)
	}

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	if q.Evicted() != 7 {
		t.Errorf("Evicted = %d, want 7", q.Evicted())
	}
	for _, want := range []int{7, 8, 9} {
		got, _ := q.Pop(t.Context())
		if got != want {
			t.Errorf("Pop = %d, want %d", got, want)
		}
	}
}

func TestQueue_EvictedMonotonic(t *testing.T) {
	t.Parallel()

	q := New[int]("mono", 2)
	var last uint64
	for i := range 50 {
		q.Push(i)
		if i%3 == 0 {
			q.Pop(t.Context())
		}
		n := q.Evicted()
		if n < last {
			t.Fatalf("eviction count decreased: %d -> %d", last, n)
		}
		last = n
	}
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	t.Parallel()

	q := New[[]byte]("audio", 500)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10_000 {
			q.Push(make([]byte, 640))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	if q.Len() != 500 {
		t.Errorf("Len = %d, want 500", q.Len())
	}
}

func TestQueue_CloseDrainsThenSentinel(t *testing.T) {
	t.Parallel()

	q := New[string]("text", 5)
	q.Push("a")
	q.Push("b")
	q.Close()
	q.Push("ignored")

	for _, want := range []string{"a", "b"} {
		got, ok := q.Pop(t.Context())
		if !ok || got != want {
			t.Fatalf("Pop = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
	if _, ok := q.Pop(t.Context()); ok {
		t.Error("expected sentinel after drain")
	}
}

func TestQueue_PopWakesOnClose(t *testing.T) {
	t.Parallel()

	q := New[int]("wake", 1)
	res := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background())
		res <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-res:
		if ok {
			t.Error("expected ok=false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()

	q := New[int]("ctx", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("expected ok=false on context timeout")
	}
}

func TestQueue_EvictHook(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	q := New[int]("hook", 1, WithEvictHook(func() { hits.Add(1) }), WithLogEvery(1))
	q.Push(1)
	q.Push(2)
	q.Push(3)

	if got := hits.Load(); got != 2 {
		t.Errorf("hook hits = %d, want 2", got)
	}
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const total = 5000
	q := New[int]("spsc", 16)

	var (
		wg       sync.WaitGroup
		received []int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, ok := q.Pop(t.Context())
			if !ok {
				return
			}
			received = append(received, v)
		}
	}()

	for i := range total {
		q.Push(i)
	}
	q.Close()
	wg.Wait()

	if uint64(len(received))+q.Evicted() != total {
		t.Errorf("received %d + evicted %d != pushed %d", len(received), q.Evicted(), total)
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("order violated at %d: %d after %d", i, received[i], received[i-1])
		}
	}
}

func TestQueue_MinimumCapacity(t *testing.T) {
	t.Parallel()

	q := New[int]("tiny", 0)
	if q.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", q.Cap())
	}
}
