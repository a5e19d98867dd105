// Package vmlock implements the global VM lock: a counting semaphore with
// count 1 that serializes every bus send a dispatcher handler, IRQ
// forwarder, or async I/O consumer performs against the Motherboard's
// mutable world (buses, device state, timeouts).
package vmlock

// Lock is the single global VM lock. It is a thin wrapper over a buffered
// channel rather than sync.Mutex because OP_VCPU_BLOCK needs to release it
// before waiting on a semaphore and reacquire it on wake -- the one
// cooperative suspension point a VCPU has while holding no other state.
type Lock struct {
	sem chan struct{}
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{sem: make(chan struct{}, 1)}
	l.sem <- struct{}{}
	return l
}

// Acquire blocks until the lock is held by the caller.
func (l *Lock) Acquire() {
	<-l.sem
}

// Release gives the lock back up. Callers must guarantee Release runs on
// every exit path (normal, early return, panic-recover) of a critical
// section started with Acquire.
func (l *Lock) Release() {
	l.sem <- struct{}{}
}

// Semaphore is a counting semaphore used for IRQ-forwarder wakeups and
// shared-IRQ release signaling. Unlike Lock it is not bound to count 1.
type Semaphore struct {
	ch chan struct{}
}

// semaphoreDepth is how many posts a Semaphore holds before further Ups
// coalesce. A chan struct{} buffer occupies no memory, so the bound can sit
// far above any count the VMM reaches.
const semaphoreDepth = 1 << 30

// NewSemaphore returns a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, semaphoreDepth)}
	for i := 0; i < count; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Up posts to the semaphore. Lock-free: this is the only allowed
// out-of-band signal into a suspended IRQ forwarder or I/O consumer.
func (s *Semaphore) Up() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Already holding semaphoreDepth posts; coalesce this one.
	}
}

// Down blocks until a post is available.
func (s *Semaphore) Down() {
	<-s.ch
}
