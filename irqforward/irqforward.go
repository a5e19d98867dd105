// Package irqforward runs one worker goroutine per attached host IRQ,
// translating a host-level interrupt wakeup into a guest-visible IRQ line
// assertion on bus_hostirq, per spec.md §4.8. The teacher has no analogue
// of this (jamlee-t-gokvm's virtio TxThreadEntry/RxThreadEntry are the
// closest shape: a long-lived goroutine parked on a channel, forwarding
// into shared state under a lock), so the loop structure below follows
// that goroutine-plus-channel idiom rather than a condvar.
package irqforward

import (
	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// Worker forwards wakeups on one host IRQ line onto bus_hostirq.
type Worker struct {
	line     uint
	wakeup   *vmlock.Semaphore
	release  *vmlock.Semaphore // nil unless the IRQ is shared
	shared   bool
	lock     *vmlock.Lock
	busIrq   *bus.Bus[messages.MessageIrq]
	notify   bool // true: send ASSERT_NOTIFY, false: ASSERT_IRQ
	stopCh   chan struct{}
}

// New constructs a Worker for one host IRQ line. release is nil unless the
// IRQ is shared with other guest sources, per spec.md §4.8 ("when the IRQ
// is shared, a second release semaphore").
func New(line uint, wakeup *vmlock.Semaphore, release *vmlock.Semaphore,
	lock *vmlock.Lock, busIrq *bus.Bus[messages.MessageIrq], notify bool) *Worker {

	return &Worker{
		line:    line,
		wakeup:  wakeup,
		release: release,
		shared:  release != nil,
		lock:    lock,
		busIrq:  busIrq,
		notify:  notify,
		stopCh:  make(chan struct{}),
	}
}

// Run executes the forwarder loop: down(wakeup) -> lock -> send -> unlock
// -> if shared, down(release). It never returns on its own; per spec.md
// §4.8, "threads are long-lived." Stop forcibly ends the loop, which this
// package only exposes for orderly test teardown — production startup
// never calls it.
func (w *Worker) Run() {
	for {
		w.wakeup.Down()

		select {
		case <-w.stopCh:
			return
		default:
		}

		w.lock.Acquire()
		msgType := messages.IrqAssertIRQ
		if w.notify {
			msgType = messages.IrqAssertNotify
		}
		msg := messages.MessageIrq{Type: msgType, Line: w.line}
		w.busIrq.SendFifo(&msg)
		w.lock.Release()

		if w.shared {
			w.release.Down()
		}
	}
}

// Stop ends the worker's loop after its next wakeup. Only used by tests;
// production IRQ forwarders run for the lifetime of the process.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wakeup.Up()
}
