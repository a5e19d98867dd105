// Package pic emulates a pair of cascaded 8259A programmable interrupt
// controllers and the legacy IRQ-line plumbing that feeds them: it
// subscribes to the IRQ bus so an irqforward worker's MessageIrq becomes
// a pending IRR bit, and answers port I/O on the standard master/slave
// command and data ports.
package pic

import (
	"sync"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

const (
	masterCmdPort  uint16 = 0x20
	masterDataPort uint16 = 0x21
	slaveCmdPort   uint16 = 0xA0
	slaveDataPort  uint16 = 0xA1
	masterSlaveIRQ uint8  = 2
)

const (
	icw1IC4  byte = 0x01
	icw1SNGL byte = 0x02
	icw1LTIM byte = 0x08
	icw1INIT byte = 0x10

	icw4AEOI byte = 0x02
	icw4SFNM byte = 0x10

	ocw2EOI byte = 0x20
	ocw2SL  byte = 0x40

	ocw3RIS  byte = 0x01
	ocw3RR   byte = 0x02
	ocw3POLL byte = 0x04
)

// controller is one 8259A (master or slave half of the cascade).
type controller struct {
	isMaster bool
	offset   uint8
	imr      uint8
	irr      uint8
	isr      uint8

	icwCount      int
	expectOCW     bool
	modeFlags     byte
	autoEOI       bool
	sfnm          bool
	readRegSelect byte
}

// Pair is a cascaded master/slave 8259A pair, reachable over the
// platform's ioin/ioout buses and the irq bus.
type Pair struct {
	master controller
	slave  controller
	mu     sync.Mutex
}

// New constructs a Pair and subscribes it to the given buses.
func New(busIOIn *bus.Bus[messages.MessageIOIn], busIOOut *bus.Bus[messages.MessageIOOut],
	busIrq *bus.Bus[messages.MessageIrq]) *Pair {

	p := &Pair{
		master: controller{isMaster: true, imr: 0xff, modeFlags: icw1IC4},
		slave:  controller{isMaster: false, imr: 0xff, modeFlags: icw1IC4},
	}
	busIOIn.Add(p.receiveIOIn)
	busIOOut.Add(p.receiveIOOut)
	busIrq.Add(p.receiveIrq)
	return p
}

func (p *Pair) receiveIrq(msg *messages.MessageIrq) bool {
	if msg.Type == messages.IrqDeassertIRQ {
		return false
	}
	p.raiseIRQ(uint8(msg.Line))
	return true
}

func (p *Pair) receiveIOIn(msg *messages.MessageIOIn) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Port {
	case masterCmdPort:
		msg.Value = uint32(p.master.read(masterCmdPort))
	case masterDataPort:
		msg.Value = uint32(p.master.read(masterDataPort))
	case slaveCmdPort:
		msg.Value = uint32(p.slave.read(slaveCmdPort))
	case slaveDataPort:
		msg.Value = uint32(p.slave.read(slaveDataPort))
	default:
		return false
	}
	return true
}

func (p *Pair) receiveIOOut(msg *messages.MessageIOOut) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	val := byte(msg.Value)
	switch msg.Port {
	case masterCmdPort:
		p.master.write(masterCmdPort, val, &p.slave)
	case masterDataPort:
		p.master.write(masterDataPort, val, &p.slave)
	case slaveCmdPort:
		p.slave.write(slaveCmdPort, val, nil)
	case slaveDataPort:
		p.slave.write(slaveDataPort, val, nil)
	default:
		return false
	}
	return true
}

func (pc *controller) write(port uint16, val byte, slave *controller) {
	cmdPort := masterCmdPort
	if !pc.isMaster {
		cmdPort = slaveCmdPort
	}
	if port == cmdPort {
		pc.writeCommandPort(val, slave)
	} else {
		pc.writeDataPort(val)
	}
}

func (pc *controller) read(port uint16) byte {
	cmdPort := masterCmdPort
	if !pc.isMaster {
		cmdPort = slaveCmdPort
	}
	if port == cmdPort {
		return pc.readSelectedRegister()
	}
	return pc.imr
}

func (pc *controller) writeCommandPort(val byte, slave *controller) {
	if val&icw1INIT != 0 {
		pc.icwCount = 1
		pc.expectOCW = false
		pc.imr = 0
		pc.irr = 0
		pc.isr = 0
		pc.modeFlags = val & (icw1LTIM | icw1SNGL | icw1IC4)
		pc.autoEOI = false
		pc.sfnm = false
		return
	}
	if val&0x18 == 0x08 {
		pc.processOCW3(val)
	} else {
		pc.processOCW2(val, slave)
	}
	pc.expectOCW = true
}

func (pc *controller) writeDataPort(val byte) {
	if pc.icwCount == 0 || pc.expectOCW {
		pc.imr = val
		return
	}
	switch pc.icwCount {
	case 1:
		pc.offset = val
		if pc.modeFlags&icw1SNGL != 0 {
			if pc.modeFlags&icw1IC4 == 0 {
				pc.icwCount = 0
			} else {
				pc.icwCount = 3
			}
		} else {
			pc.icwCount++
		}
	case 2:
		if pc.modeFlags&icw1IC4 == 0 {
			pc.icwCount = 0
		} else {
			pc.icwCount++
		}
	case 3:
		pc.modeFlags |= val
		pc.autoEOI = val&icw4AEOI != 0
		pc.sfnm = val&icw4SFNM != 0
		pc.icwCount = 0
	}
}

func (pc *controller) readSelectedRegister() byte {
	if pc.readRegSelect == 0 {
		return pc.irr
	}
	return pc.isr
}

func (pc *controller) processOCW2(val byte, slave *controller) {
	if val&ocw2EOI == 0 {
		return
	}
	if val&ocw2SL != 0 {
		irqLine := val & 0x07
		if pc.isr&(1<<irqLine) != 0 {
			pc.isr &^= 1 << irqLine
		}
		return
	}
	for i := uint8(0); i < 8; i++ {
		if (pc.isr>>i)&1 != 0 {
			pc.isr &^= 1 << i
			if pc.isMaster && i == masterSlaveIRQ && slave != nil {
				slave.processOCW2(ocw2EOI, nil)
			}
			break
		}
	}
}

func (pc *controller) processOCW3(val byte) {
	if val&ocw3POLL != 0 {
		return
	}
	if val&ocw3RR != 0 {
		pc.readRegSelect = val & ocw3RIS
	}
}

// raiseIRQ sets the pending bit for irqLine (0-15), cascading through
// the master's line 2 for slave IRQs 8-15.
func (p *Pair) raiseIRQ(irqLine uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case irqLine < 8:
		if (p.master.imr>>irqLine)&1 == 0 {
			p.master.irr |= 1 << irqLine
		}
	case irqLine < 16:
		slaveIrq := irqLine - 8
		if (p.slave.imr>>slaveIrq)&1 == 0 {
			p.slave.irr |= 1 << slaveIrq
			if (p.master.imr>>masterSlaveIRQ)&1 == 0 {
				p.master.irr |= 1 << masterSlaveIRQ
			}
		}
	}
}

// HasPendingInterrupts reports whether any unmasked, unserviced
// interrupt is outstanding; the VM-exit dispatcher's CHECK_IRQ path
// polls this before deciding whether to inject.
func (p *Pair) HasPendingInterrupts() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slaveActive := p.slave.irr &^ p.slave.imr
	if slaveActive != 0 && (p.master.imr>>masterSlaveIRQ)&1 == 0 && (p.master.isr>>masterSlaveIRQ)&1 == 0 {
		for i := uint8(0); i < 8; i++ {
			if (slaveActive>>i)&1 != 0 && (p.slave.isr>>i)&1 == 0 {
				return true
			}
		}
	}
	masterActive := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if (masterActive>>i)&1 != 0 && (p.master.isr>>i)&1 == 0 {
			return true
		}
	}
	return false
}

// GetInterruptVector picks the highest-priority pending interrupt,
// marks it in-service, and returns its vector; 0 if none is pending.
func (p *Pair) GetInterruptVector() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	masterPending := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if i == masterSlaveIRQ {
			continue
		}
		if (masterPending>>i)&1 != 0 && (p.master.isr>>i)&1 == 0 {
			if !p.master.autoEOI {
				p.master.isr |= 1 << i
			}
			p.master.irr &^= 1 << i
			return p.master.offset + i
		}
	}

	if (masterPending>>masterSlaveIRQ)&1 != 0 && (p.master.isr>>masterSlaveIRQ)&1 == 0 {
		slavePending := p.slave.irr &^ p.slave.imr
		for i := uint8(0); i < 8; i++ {
			if (slavePending>>i)&1 == 0 || (p.slave.isr>>i)&1 != 0 {
				continue
			}
			if !p.master.autoEOI {
				p.master.isr |= 1 << masterSlaveIRQ
			}
			if !p.slave.autoEOI {
				p.slave.isr |= 1 << i
			}
			p.slave.irr &^= 1 << i
			if p.slave.irr&^p.slave.imr == 0 {
				p.master.irr &^= 1 << masterSlaveIRQ
			}
			return p.slave.offset + i
		}
	}
	return 0
}
