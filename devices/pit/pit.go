// Package pit emulates the 8254 Programmable Interval Timer's register
// interface: three counters behind ports 0x40-0x42, a command register
// at 0x43, and the PC-speaker/gate-A20 status byte at 0x61. Counter 0's
// IRQ0 is driven externally by Tick, called from the timer-tick async
// I/O consumer once per host timer interrupt.
package pit

import (
	"sync"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

const (
	portCounter0 uint16 = 0x40
	portCounter1 uint16 = 0x41
	portCounter2 uint16 = 0x42
	portCommand  uint16 = 0x43
	portStatus   uint16 = 0x61
)

const (
	rwLatch byte = 0x00
	rwLSB   byte = 0x01
	rwMSB   byte = 0x02
	rwLOHI  byte = 0x03
)

type counterState struct {
	value, latch, reload uint16
	mode, rwMode         byte
	bcdMode              bool
}

// Timer is an 8254 PIT instance with three counters.
type Timer struct {
	mu             sync.Mutex
	counters       [3]counterState
	readWriteLatch [3]byte

	busIrq *bus.Bus[messages.MessageIrq]
	irqLine uint
}

// New constructs a Timer with the standard power-on defaults (mode 3,
// LOHI, binary) and subscribes it to the ioin/ioout buses. irqLine is
// the IRQ line Tick raises for counter 0 (conventionally 0).
func New(busIOIn *bus.Bus[messages.MessageIOIn], busIOOut *bus.Bus[messages.MessageIOOut],
	busIrq *bus.Bus[messages.MessageIrq], irqLine uint) *Timer {

	t := &Timer{busIrq: busIrq, irqLine: irqLine}
	for i := range t.counters {
		t.counters[i].mode = 3
		t.counters[i].rwMode = rwLOHI
	}
	busIOIn.Add(t.receiveIOIn)
	busIOOut.Add(t.receiveIOOut)
	return t
}

// Tick fires counter 0's IRQ; called once per host timer interrupt by
// the timer async consumer.
func (t *Timer) Tick() {
	msg := messages.MessageIrq{Type: messages.IrqAssertIRQ, Line: t.irqLine}
	t.busIrq.Send(&msg)
}

func (t *Timer) receiveIOIn(msg *messages.MessageIOIn) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch msg.Port {
	case portCounter0, portCounter1, portCounter2:
		idx := int(msg.Port - portCounter0)
		msg.Value = uint32(t.readCounterPort(idx))
	case portStatus:
		msg.Value = 0x20
	default:
		return false
	}
	return true
}

func (t *Timer) receiveIOOut(msg *messages.MessageIOOut) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	val := byte(msg.Value)
	switch msg.Port {
	case portCounter0, portCounter1, portCounter2:
		idx := int(msg.Port - portCounter0)
		t.writeCounterPort(idx, val)
	case portCommand:
		t.writeCommandPort(val)
	case portStatus:
		// Speaker gate / NMI status writes are accepted and otherwise ignored.
	default:
		return false
	}
	return true
}

func (t *Timer) writeCounterPort(index int, val byte) {
	c := &t.counters[index]
	switch c.rwMode {
	case rwLatch:
		return
	case rwLSB:
		c.reload = uint16(val)
		c.value = c.reload
	case rwMSB:
		c.reload = uint16(val) << 8
		c.value = c.reload
	case rwLOHI:
		if t.readWriteLatch[index] == 0 {
			c.reload = uint16(val)
			t.readWriteLatch[index] = 1
		} else {
			c.reload |= uint16(val) << 8
			c.value = c.reload
			t.readWriteLatch[index] = 0
		}
	}
}

func (t *Timer) readCounterPort(index int) byte {
	c := &t.counters[index]
	if c.rwMode == rwLatch {
		if t.readWriteLatch[index] == 0 {
			t.readWriteLatch[index] = 1
			return byte(c.latch)
		}
		t.readWriteLatch[index] = 0
		return byte(c.latch >> 8)
	}
	switch c.rwMode {
	case rwLSB:
		return byte(c.value)
	case rwMSB:
		return byte(c.value >> 8)
	case rwLOHI:
		if t.readWriteLatch[index] == 0 {
			t.readWriteLatch[index] = 1
			return byte(c.value)
		}
		t.readWriteLatch[index] = 0
		return byte(c.value >> 8)
	default:
		return byte(c.value)
	}
}

func (t *Timer) writeCommandPort(val byte) {
	counterIndex := int((val >> 6) & 0x3)
	rw := (val >> 4) & 0x3
	opMode := (val >> 1) & 0x7
	bcd := val&0x1 != 0

	if counterIndex == 0x3 {
		// Read-back command: not modeled, accepted as a no-op.
		return
	}
	c := &t.counters[counterIndex]
	if rw == rwLatch {
		c.latch = c.value
		c.rwMode = rwLatch
		t.readWriteLatch[counterIndex] = 0
		return
	}
	c.rwMode = rw
	c.mode = opMode
	c.bcdMode = bcd
	t.readWriteLatch[counterIndex] = 0
}
