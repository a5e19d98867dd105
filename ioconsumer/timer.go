package ioconsumer

import (
	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/clock"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/timeoutwheel"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// PITTick is the subset of devices/pit.Timer the timer consumer drives
// directly, kept as an interface so ioconsumer never imports devices/pit.
type PITTick interface {
	Tick()
}

// TimerTick is the timer-tick async I/O consumer: each host timer
// interrupt pops every expired timeout wheel handle (posting
// MessageTimeout for each) and ticks the PIT's counter 0, per spec.md
// §4.9 ("timer tick: calls timeout_trigger").
type TimerTick struct {
	queue       *Queue[struct{}]
	clock       *clock.Clock
	wheel       *timeoutwheel.Wheel
	busTimeout  *bus.Bus[messages.MessageTimeout]
	pit         PITTick
	lock        *vmlock.Lock
}

// NewTimerTick constructs a TimerTick consumer. pit may be nil if no PIT
// is attached.
func NewTimerTick(queue *Queue[struct{}], clk *clock.Clock, wheel *timeoutwheel.Wheel,
	busTimeout *bus.Bus[messages.MessageTimeout], pit PITTick, lock *vmlock.Lock) *TimerTick {

	return &TimerTick{queue: queue, clock: clk, wheel: wheel, busTimeout: busTimeout, pit: pit, lock: lock}
}

// Run drains the queue forever; every wakeup triggers one pass over the
// wheel and one PIT tick, both under the global lock.
func (t *TimerTick) Run() {
	for {
		if _, ok := t.queue.GetBuffer(); !ok {
			continue
		}
		t.lock.Acquire()
		now := t.clock.Time()
		for {
			h, ok := t.wheel.Trigger(now)
			if !ok {
				break
			}
			msg := messages.MessageTimeout{Handle: uint32(h)}
			t.busTimeout.SendFifo(&msg)
		}
		if t.pit != nil {
			t.pit.Tick()
		}
		t.lock.Release()
	}
}
