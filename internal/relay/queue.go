// Package relay provides the bounded drop-oldest queue that connects pipeline
// stages.
//
// A [Queue] never blocks its producer: when it is full, [Queue.Push] evicts the
// oldest element and inserts the new one under a single lock, so a concurrent
// [Queue.Pop] observes either the state before or after the whole operation.
// The consumer blocks in Pop until an element arrives or the queue is closed
// and drained, which is the terminal sentinel that lets each stage shut down
// cooperatively.
//
// Queues are designed for one producer and one consumer.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultLogEvery is the eviction count between two "queue full" warnings.
const defaultLogEvery = 50

// Option is a functional option for [New].
type Option func(*options)

type options struct {
	logEvery uint64
	onEvict  func()
}

// WithLogEvery sets how many evictions pass between two warning log lines.
// A value of 1 logs every eviction.
func WithLogEvery(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.logEvery = uint64(n)
		}
	}
}

// WithEvictHook registers fn to be called once per evicted element, e.g. to
// increment a metrics counter. fn is called with the queue lock released and
// must not block.
func WithEvictHook(fn func()) Option {
	return func(o *options) {
		o.onEvict = fn
	}
}

// Queue is a fixed-capacity FIFO with drop-oldest overflow.
type Queue[T any] struct {
	name string
	opts options

	mu     sync.Mutex
	buf    []T
	head   int
	size   int
	closed bool

	// notify carries at most one pending wake-up for the consumer.
	notify chan struct{}

	evicted atomic.Uint64
}

// New creates a [Queue] with the given name (used in logs) and capacity.
// A capacity below 1 is treated as 1.
func New[T any](name string, capacity int, opts ...Option) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	o := options{logEvery: defaultLogEvery}
	for _, fn := range opts {
		fn(&o)
	}
	return &Queue[T]{
		name:   name,
		opts:   o,
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends item. If the queue is full the oldest element is discarded to
// make room. Push never blocks. Items pushed after [Queue.Close] are dropped.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		slog.Debug("relay: push after close dropped", "queue", q.name)
		return
	}

	evicted := false
	if q.size == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	q.mu.Unlock()

	q.wake()

	if evicted {
		n := q.evicted.Add(1)
		if q.opts.onEvict != nil {
			q.opts.onEvict()
		}
		if n%q.opts.logEvery == 0 {
			slog.Warn("relay: queue full, discarding oldest",
				"queue", q.name,
				"evicted_total", n,
			)
		}
	}
}

// Pop removes and returns the oldest element, blocking until one is available.
// It returns ok == false once the queue is closed and drained, or when ctx is
// done.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			item = q.buf[q.head]
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return item, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return item, false
		}
	}
}

// Close marks the end of the stream. Elements already queued are still
// delivered; after that Pop reports the sentinel. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Evicted returns the total number of elements discarded on overflow.
func (q *Queue[T]) Evicted() uint64 { return q.evicted.Load() }

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
