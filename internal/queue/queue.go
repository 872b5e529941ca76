// Package queue provides an unbounded FIFO that lets non-blocking producers
// (subscription callbacks on the dispatch goroutine) hand work to slower
// consumers such as the database writer.
package queue

import "sync"

// growAt is the fill percentage that triggers doubling.
const growAt = 70

// Queue is a thread-safe ring buffer that doubles its capacity once it is
// 70% full, so Push never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	size   int
	closed bool

	pushed  int64
	popped  int64
	resizes int
}

// New creates a queue with the given initial capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := len(q.ring) * growAt / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.size+1 >= threshold {
		q.resize(len(q.ring) * 2)
	}

	q.ring[(q.head+q.size)%len(q.ring)] = item
	q.size++
	q.pushed++

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available. It returns false when the queue is
// closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Drain removes up to max items (all when max <= 0) in FIFO order.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.take()
	}
	return out
}

// Close stops accepting items and wakes blocked consumers. Items already
// queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Resizes  int
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      q.size,
		Capacity: len(q.ring),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Resizes:  q.resizes,
	}
}

// take removes the head item. Caller holds mu and has checked size > 0.
func (q *Queue[T]) take() T {
	var zero T
	item := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.popped++
	return item
}

// resize moves the items into a ring of n slots. Caller holds mu.
func (q *Queue[T]) resize(n int) {
	ring := make([]T, n)
	for i := 0; i < q.size; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
	q.resizes++
}
