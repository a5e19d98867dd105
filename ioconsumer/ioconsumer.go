// Package ioconsumer implements the four bounded-queue async I/O consumers
// named in spec.md §4.9: stdin, disk-commit, timer tick, and network
// packet. Each shares the same life-cycle (attach upstream with a notify
// semaphore, block on get_buffer, which also removes the item, then forward
// under the global VM lock) grounded on jamlee-t-gokvm/main.go's stdin-forwarding
// goroutine, generalized into one bounded Queue type instead of four
// hand-written loops.
package ioconsumer

import (
	"sync"

	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// Queue is a bounded single-producer/single-consumer buffer: the host
// facade's request_*_attach binds a notify semaphore here, pushes fill the
// queue, and a consumer goroutine drains it with GetBuffer, which removes
// each item as it returns it; there is no separate free step.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	capacity int
	notify   *vmlock.Semaphore
}

// NewQueue constructs a Queue of the given capacity with its own notify
// semaphore, the capability a consumer blocks on in get_buffer.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{capacity: capacity, notify: vmlock.NewSemaphore(0)}
}

// Push is called by the upstream attach point (host facade or test driver)
// to enqueue one item and wake a blocked consumer. Items beyond capacity
// are dropped, matching "bounded queue" -- the upstream producer, not the
// consumer, is responsible for backpressure.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if len(q.buf) < q.capacity {
		q.buf = append(q.buf, v)
	}
	q.mu.Unlock()
	q.notify.Up()
}

// GetBuffer blocks on the notify semaphore, then pops and returns the
// oldest queued item. ok is false if the wakeup raced an empty queue
// (spurious Up), in which case the caller should loop.
func (q *Queue[T]) GetBuffer() (v T, ok bool) {
	q.notify.Down()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return v, false
	}
	v = q.buf[0]
	q.buf = q.buf[1:]
	return v, true
}
