package ioconsumer_test

import (
	"testing"
	"time"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/clock"
	"github.com/vancouver-project/vancouvervmm/ioconsumer"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/timeoutwheel"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

func TestQueuePushThenGetBuffer(t *testing.T) {
	q := ioconsumer.NewQueue[int](4)
	q.Push(1)
	q.Push(2)

	v, ok := q.GetBuffer()
	if !ok || v != 1 {
		t.Fatalf("GetBuffer = (%d, %v), want (1, true)", v, ok)
	}
	v, ok = q.GetBuffer()
	if !ok || v != 2 {
		t.Fatalf("GetBuffer = (%d, %v), want (2, true)", v, ok)
	}
}

func TestQueueDropsPushesBeyondCapacity(t *testing.T) {
	q := ioconsumer.NewQueue[int](1)
	q.Push(1)
	q.Push(2)

	v, ok := q.GetBuffer()
	if !ok || v != 1 {
		t.Fatalf("GetBuffer = (%d, %v), want (1, true)", v, ok)
	}
}

func TestQueueGetBufferBlocksUntilPush(t *testing.T) {
	q := ioconsumer.NewQueue[int](1)
	done := make(chan int, 1)
	go func() {
		v, _ := q.GetBuffer()
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("GetBuffer returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(42)
	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("GetBuffer returned %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("GetBuffer never returned after Push")
	}
}

func TestStdinForwardsOrdinaryBytes(t *testing.T) {
	queue := ioconsumer.NewQueue[byte](4)
	busInput := bus.New[messages.MessageInput]()
	lock := vmlock.New()

	got := make(chan byte, 1)
	busInput.Add(func(msg *messages.MessageInput) bool {
		got <- msg.Value
		return true
	})

	s := ioconsumer.NewStdin(queue, busInput, lock, ioconsumer.StdinHooks{})
	go s.Run()

	queue.Push('x')
	select {
	case v := <-got:
		if v != 'x' {
			t.Fatalf("forwarded byte %q, want 'x'", v)
		}
	case <-time.After(time.Second):
		t.Fatal("ordinary byte was never forwarded")
	}
}

func TestStdinDumpChord(t *testing.T) {
	queue := ioconsumer.NewQueue[byte](4)
	busInput := bus.New[messages.MessageInput]()
	lock := vmlock.New()

	called := make(chan struct{}, 1)
	s := ioconsumer.NewStdin(queue, busInput, lock, ioconsumer.StdinHooks{
		Dump: func() { called <- struct{}{} },
	})
	go s.Run()

	queue.Push(0x01)
	queue.Push('d')

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("Ctrl-A d never invoked the Dump hook")
	}
}

func TestStdinDoubleChordPrefixForwardsLiteralCtrlA(t *testing.T) {
	queue := ioconsumer.NewQueue[byte](4)
	busInput := bus.New[messages.MessageInput]()
	lock := vmlock.New()

	got := make(chan byte, 1)
	busInput.Add(func(msg *messages.MessageInput) bool {
		got <- msg.Value
		return true
	})

	s := ioconsumer.NewStdin(queue, busInput, lock, ioconsumer.StdinHooks{})
	go s.Run()

	queue.Push(0x01)
	queue.Push(0x01)

	select {
	case v := <-got:
		if v != 0x01 {
			t.Fatalf("forwarded byte 0x%x, want 0x01", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Ctrl-A Ctrl-A never forwarded a literal Ctrl-A")
	}
}

func TestStdinUnrecognizedChordForwardsBothBytes(t *testing.T) {
	queue := ioconsumer.NewQueue[byte](4)
	busInput := bus.New[messages.MessageInput]()
	lock := vmlock.New()

	got := make(chan byte, 2)
	busInput.Add(func(msg *messages.MessageInput) bool {
		got <- msg.Value
		return true
	})

	s := ioconsumer.NewStdin(queue, busInput, lock, ioconsumer.StdinHooks{})
	go s.Run()

	queue.Push(0x01)
	queue.Push('z')

	var seen []byte
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			seen = append(seen, v)
		case <-time.After(time.Second):
			t.Fatalf("only saw %d of 2 expected forwarded bytes: %v", i, seen)
		}
	}
	if len(seen) != 2 || seen[0] != 0x01 || seen[1] != 'z' {
		t.Fatalf("forwarded bytes %v, want [0x01 'z']", seen)
	}
}

func TestDiskCommitForwardsUnderLock(t *testing.T) {
	queue := ioconsumer.NewQueue[messages.MessageDiskCommit](4)
	busDiskCommit := bus.New[messages.MessageDiskCommit]()
	lock := vmlock.New()

	got := make(chan uint32, 1)
	busDiskCommit.Add(func(msg *messages.MessageDiskCommit) bool {
		got <- msg.Tag
		return true
	})

	d := ioconsumer.NewDiskCommit(queue, busDiskCommit, lock)
	go d.Run()

	queue.Push(messages.MessageDiskCommit{Tag: 99})
	select {
	case tag := <-got:
		if tag != 99 {
			t.Fatalf("forwarded Tag=%d, want 99", tag)
		}
	case <-time.After(time.Second):
		t.Fatal("DiskCommit never forwarded the completion")
	}
}

type fakePIT struct {
	ticked chan struct{}
}

func (f *fakePIT) Tick() { f.ticked <- struct{}{} }

func TestTimerTickTriggersWheelAndPIT(t *testing.T) {
	queue := ioconsumer.NewQueue[struct{}](4)
	clk := clock.New()
	wheel := timeoutwheel.New(4)
	busTimeout := bus.New[messages.MessageTimeout]()
	lock := vmlock.New()
	pit := &fakePIT{ticked: make(chan struct{}, 1)}

	h := wheel.Alloc()
	wheel.Request(h, 0)

	gotTimeout := make(chan uint32, 1)
	busTimeout.Add(func(msg *messages.MessageTimeout) bool {
		gotTimeout <- msg.Handle
		return true
	})

	tt := ioconsumer.NewTimerTick(queue, clk, wheel, busTimeout, pit, lock)
	go tt.Run()

	queue.Push(struct{}{})

	select {
	case handle := <-gotTimeout:
		if handle != uint32(h) {
			t.Fatalf("MessageTimeout.Handle = %d, want %d", handle, h)
		}
	case <-time.After(time.Second):
		t.Fatal("expired wheel handle was never forwarded as MessageTimeout")
	}
	select {
	case <-pit.ticked:
	case <-time.After(time.Second):
		t.Fatal("PIT.Tick was never called")
	}
}

func TestTimerTickToleratesNilPIT(t *testing.T) {
	queue := ioconsumer.NewQueue[struct{}](4)
	clk := clock.New()
	wheel := timeoutwheel.New(4)
	busTimeout := bus.New[messages.MessageTimeout]()
	lock := vmlock.New()

	tt := ioconsumer.NewTimerTick(queue, clk, wheel, busTimeout, nil, lock)
	go tt.Run()

	queue.Push(struct{}{})
	lock.Acquire()
	lock.Release()
}

func TestNetworkStagesForwardsAndClearsForwardPkt(t *testing.T) {
	queue := ioconsumer.NewQueue[[]byte](4)
	busNetwork := bus.New[messages.MessageNetwork]()
	lock := vmlock.New()

	var observedDuringSend []byte
	busNetwork.Add(func(msg *messages.MessageNetwork) bool {
		observedDuringSend = msg.Buffer
		return true
	})

	n := ioconsumer.NewNetwork(queue, busNetwork, lock)
	go n.Run()

	pkt := []byte{1, 2, 3}
	queue.Push(pkt)

	deadline := time.After(time.Second)
	for observedDuringSend == nil {
		select {
		case <-deadline:
			t.Fatal("Network never forwarded the packet")
		case <-time.After(time.Millisecond):
		}
	}
	if len(observedDuringSend) != 3 || observedDuringSend[0] != 1 {
		t.Fatalf("forwarded buffer = %v, want [1 2 3]", observedDuringSend)
	}

	deadline = time.After(time.Second)
	for n.ForwardPkt() != nil {
		select {
		case <-deadline:
			t.Fatal("ForwardPkt was never cleared after the send completed")
		case <-time.After(time.Millisecond):
		}
	}
}
