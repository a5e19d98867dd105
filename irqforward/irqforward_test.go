package irqforward_test

import (
	"testing"
	"time"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/irqforward"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

func TestRunForwardsAssertIRQ(t *testing.T) {
	wakeup := vmlock.NewSemaphore(0)
	lock := vmlock.New()
	b := bus.New[messages.MessageIrq]()

	got := make(chan messages.MessageIrq, 1)
	b.Add(func(msg *messages.MessageIrq) bool {
		got <- *msg
		return true
	})

	w := irqforward.New(7, wakeup, nil, lock, b, false)
	go w.Run()
	defer w.Stop()

	wakeup.Up()

	select {
	case msg := <-got:
		if msg.Type != messages.IrqAssertIRQ || msg.Line != 7 {
			t.Fatalf("got %+v, want Type=IrqAssertIRQ Line=7", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not forward a wakeup onto the bus within 1s")
	}
}

func TestRunForwardsAssertNotifyWhenNotifySet(t *testing.T) {
	wakeup := vmlock.NewSemaphore(0)
	lock := vmlock.New()
	b := bus.New[messages.MessageIrq]()

	got := make(chan messages.MessageIrq, 1)
	b.Add(func(msg *messages.MessageIrq) bool {
		got <- *msg
		return true
	})

	w := irqforward.New(3, wakeup, nil, lock, b, true)
	go w.Run()
	defer w.Stop()

	wakeup.Up()

	select {
	case msg := <-got:
		if msg.Type != messages.IrqAssertNotify {
			t.Fatalf("msg.Type = %v, want IrqAssertNotify", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not forward a wakeup onto the bus within 1s")
	}
}

func TestRunSharedWaitsOnRelease(t *testing.T) {
	wakeup := vmlock.NewSemaphore(0)
	release := vmlock.NewSemaphore(0)
	lock := vmlock.New()
	b := bus.New[messages.MessageIrq]()

	sent := make(chan struct{}, 2)
	b.Add(func(msg *messages.MessageIrq) bool {
		sent <- struct{}{}
		return true
	})

	w := irqforward.New(1, wakeup, release, lock, b, false)
	go w.Run()
	defer w.Stop()

	wakeup.Up()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("shared worker never sent after the first wakeup")
	}

	wakeup.Up()
	select {
	case <-sent:
		t.Fatal("shared worker sent a second time before its release semaphore was posted")
	case <-time.After(20 * time.Millisecond):
	}

	release.Up()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("shared worker did not resume after release was posted")
	}
}

func TestRunUnsharedDoesNotWaitOnRelease(t *testing.T) {
	wakeup := vmlock.NewSemaphore(0)
	lock := vmlock.New()
	b := bus.New[messages.MessageIrq]()

	sent := make(chan struct{}, 4)
	b.Add(func(msg *messages.MessageIrq) bool {
		sent <- struct{}{}
		return true
	})

	w := irqforward.New(1, wakeup, nil, lock, b, false)
	go w.Run()
	defer w.Stop()

	wakeup.Up()
	wakeup.Up()

	for i := 0; i < 2; i++ {
		select {
		case <-sent:
		case <-time.After(time.Second):
			t.Fatalf("unshared worker only sent %d of 2 expected messages", i)
		}
	}
}

func TestStopEndsLoopAfterNextWakeup(t *testing.T) {
	wakeup := vmlock.NewSemaphore(0)
	lock := vmlock.New()
	b := bus.New[messages.MessageIrq]()
	b.Add(func(msg *messages.MessageIrq) bool { return true })

	w := irqforward.New(2, wakeup, nil, lock, b, false)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
