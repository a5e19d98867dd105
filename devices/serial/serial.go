// Package serial emulates a 16550A UART: guest writes to the
// transmit-holding register go to the io.Writer passed to New. Nothing in
// the host facade binds that writer to the developer console's PTY.
package serial

import (
	"io"
	"sync"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

const (
	COM1Base uint16 = 0x3f8

	offThrDll uint16 = 0
	offIerDlh uint16 = 1
	offIirFcr uint16 = 2
	offLCR    uint16 = 3
	offMCR    uint16 = 4
	offLSR    uint16 = 5
	offMSR    uint16 = 6
	offSCR    uint16 = 7
)

const (
	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending byte = 0x01

	ierTHREEnable byte = 0x02
)

// Port is a single 16550A UART at a fixed port base.
type Port struct {
	base   uint16
	output io.Writer
	mu     sync.Mutex

	busIrq  *bus.Bus[messages.MessageIrq]
	irqLine uint

	thrDll byte
	ierDlh byte
	iirFcr byte
	lcr    byte
	mcr    byte
	lsr    byte
	msr    byte
	scr    byte

	dlabActive bool
}

// New constructs a Port writing guest output to w and raising irqLine
// on the given bus when the guest enables THRE interrupts, then
// subscribes it to the ioin/ioout buses.
func New(busIOIn *bus.Bus[messages.MessageIOIn], busIOOut *bus.Bus[messages.MessageIOOut],
	busIrq *bus.Bus[messages.MessageIrq], base uint16, irqLine uint, w io.Writer) *Port {

	p := &Port{
		base:    base,
		output:  w,
		busIrq:  busIrq,
		irqLine: irqLine,
		lsr:     lsrTHRE | lsrTEMT,
		iirFcr:  iirNoIntPending,
	}
	busIOIn.Add(p.receiveIOIn)
	busIOOut.Add(p.receiveIOOut)
	return p
}

func (p *Port) receiveIOIn(msg *messages.MessageIOIn) bool {
	if msg.Size != messages.IOSizeByte || msg.Port < p.base || msg.Port > p.base+7 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	offset := msg.Port - p.base
	var val byte
	switch offset {
	case offThrDll:
		if p.dlabActive {
			val = p.thrDll
		} else {
			p.lsr &^= lsrDR
		}
	case offIerDlh:
		if p.dlabActive {
			val = p.ierDlh
		} else {
			val = p.ierDlh
		}
	case offIirFcr:
		val = p.iirFcr
		p.iirFcr = iirNoIntPending
	case offLCR:
		val = p.lcr
	case offMCR:
		val = p.mcr
	case offLSR:
		val = p.lsr
	case offMSR:
		val = p.msr
	case offSCR:
		val = p.scr
	default:
		return false
	}
	msg.Value = uint32(val)
	return true
}

func (p *Port) receiveIOOut(msg *messages.MessageIOOut) bool {
	if msg.Size != messages.IOSizeByte || msg.Port < p.base || msg.Port > p.base+7 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	offset := msg.Port - p.base
	val := byte(msg.Value)
	switch offset {
	case offThrDll:
		if p.dlabActive {
			p.thrDll = val
		} else {
			p.output.Write([]byte{val})
			p.lsr |= lsrTHRE | lsrTEMT
			if p.ierDlh&ierTHREEnable != 0 {
				msg := messages.MessageIrq{Type: messages.IrqAssertIRQ, Line: p.irqLine}
				p.busIrq.Send(&msg)
			}
		}
	case offIerDlh:
		p.ierDlh = val
	case offIirFcr:
		p.iirFcr = val
	case offLCR:
		p.lcr = val
		p.dlabActive = val&lcrDLAB != 0
	case offMCR:
		p.mcr = val
	case offSCR:
		p.scr = val
	default:
		return false
	}
	return true
}
