// Package kbc implements the PS/2 keyboard controller: an 8042-style
// device multiplexing a keyboard and auxiliary (mouse) port behind a
// single pair of I/O ports, including the historical password-lockout
// feature and its preserved quirk (see checkPwd).
package kbc

import (
	"fmt"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

// Status/command bits, named after the RAM_STATUS and CMDBYTE fields of
// the controller this models.
const (
	statusOBF     = 1 << 0
	statusSys     = 1 << 2
	statusCmd     = 1 << 3
	statusNoInhb  = 1 << 4
	statusAux     = 1 << 5
	statusAuxOBF  = statusAux | statusOBF
	cmdIrqKbd     = 1 << 0
	cmdIrqAux     = 1 << 1
	cmdSys        = statusSys
	cmdDisKbd     = 1 << 4
	cmdDisAux     = 1 << 5
	cmdTranslate  = 1 << 6
	outportReset  = 1 << 0
	outportA20    = 1 << 1
	outportIrqKbd = 1 << 4
	outportIrqAux = 1 << 5
)

// RAM slot offsets, named after RAM_* in the source.
const (
	ramCmdByte    = 0x00
	ramStatus     = 0x01
	ramOBF        = 0x02
	ramLastCmd    = 0x03
	ramGotRelease = 0x04
	ramOutport    = 0x05
	ramPwdCount   = 0x06
	ramPwdCmp     = 0x07
	ramPwdFirst   = 0x08
	ramPwdLast    = 0x0e
	ramSecOn      = 0x13
	ramSecOff     = 0x14
	ramMake1      = 0x16
	ramMake2      = 0x17
	ramLock       = 0x18
	ramSize       = 32
)

// scanSet2To1 translates a PC/AT set-2 make code into its set-1
// equivalent for the top 128 codes; the controller's CMD_TRANSLATE bit
// selects whether this table runs at all.
var scanSet2To1 = [128]byte{
	0x00: 0xff, 0x01: 0x43, 0x02: 0x41, 0x03: 0x3f, 0x04: 0x3d, 0x05: 0x3b,
	0x06: 0x3c, 0x07: 0x58, 0x08: 0x64, 0x09: 0x44, 0x0a: 0x42, 0x0b: 0x40,
	0x0c: 0x3e, 0x0d: 0x0f, 0x0e: 0x29, 0x0f: 0x59, 0x10: 0x65, 0x11: 0x38,
	0x12: 0x2a, 0x13: 0x70, 0x14: 0x1d, 0x15: 0x10, 0x16: 0x02, 0x17: 0x5a,
	0x18: 0x5b, 0x19: 0x5c, 0x1a: 0x5d, 0x1b: 0x5e, 0x1c: 0x1e, 0x1d: 0x1f,
	0x1e: 0x11, 0x1f: 0x2c, 0x20: 0x1b, 0x21: 0x21, 0x22: 0x20, 0x23: 0x12,
	0x24: 0x22, 0x25: 0x23, 0x26: 0x17, 0x27: 0x24, 0x28: 0x25, 0x29: 0x16,
	0x2a: 0x26, 0x2b: 0x32, 0x2c: 0x31, 0x2d: 0x18, 0x2e: 0x33, 0x2f: 0x34,
	0x30: 0x35, 0x31: 0x13, 0x32: 0x14, 0x33: 0x30, 0x34: 0x0d, 0x35: 0x04,
	0x36: 0x19, 0x37: 0x05, 0x38: 0x06, 0x39: 0x39, 0x3a: 0x07, 0x3b: 0x08,
	0x3c: 0x0a, 0x3d: 0x09, 0x3e: 0x0e, 0x3f: 0x0b,
}

func translateScanCode(v byte) byte {
	if int(v) < len(scanSet2To1) {
		return scanSet2To1[v]
	}
	return v
}

// Controller is a single PS/2 keyboard controller instance. Config
// fields (base, irqKbd, irqAux, ps2Ports) are fixed at construction,
// per the original's constructor.
type Controller struct {
	busIOIn   *bus.Bus[messages.MessageIOIn]
	busIOOut  *bus.Bus[messages.MessageIOOut]
	busPS2    *bus.Bus[messages.MessagePS2]
	busLegacy *bus.Bus[messages.MessageLegacy]
	busIrq    *bus.Bus[messages.MessageIrq]

	base     uint16
	irqKbd   uint
	irqAux   uint
	ps2Ports uint

	ram [ramSize]byte
}

// New constructs a Controller and subscribes it to the given buses, in
// the order the original's PARAM(kbc,...) macro wires it: ioin, ioout,
// ps2, legacy. base is the I/O port base (B); B+4 is the command/status
// port. ps2Ports is the base of this controller's 2-port PS/2 range
// (keyboard at ps2Ports, aux at ps2Ports+1).
func New(busIOIn *bus.Bus[messages.MessageIOIn], busIOOut *bus.Bus[messages.MessageIOOut],
	busPS2 *bus.Bus[messages.MessagePS2], busLegacy *bus.Bus[messages.MessageLegacy],
	busIrq *bus.Bus[messages.MessageIrq],
	base uint16, irqKbd, irqAux, ps2Ports uint) *Controller {

	c := &Controller{
		busIOIn:   busIOIn,
		busIOOut:  busIOOut,
		busPS2:    busPS2,
		busLegacy: busLegacy,
		busIrq:    busIrq,
		base:      base,
		irqKbd:    irqKbd,
		irqAux:    irqAux,
		ps2Ports:  ps2Ports,
	}
	c.resetRAM()

	busIOIn.Add(c.receiveIOIn)
	busIOOut.Add(c.receiveIOOut)
	busPS2.Add(c.receivePS2)
	busLegacy.Add(c.receiveLegacy)
	return c
}

func (c *Controller) resetRAM() {
	c.ram = [ramSize]byte{}
	c.ram[ramCmdByte] = cmdIrqKbd | cmdTranslate
	c.ram[ramStatus] = statusNoInhb
	c.ram[ramOutport] = outportReset | outportA20
}

// legacyWrite broadcasts a legacy-bus event; the original does this via
// send_fifo so every device observing RESET/GATE_A20 sees it.
func (c *Controller) legacyWrite(t messages.MessageLegacyType, value uint) {
	msg := messages.MessageLegacy{Type: t, Value: value}
	c.busLegacy.SendFifo(&msg)
}

func (c *Controller) raiseIrq(line uint) {
	msg := messages.MessageIrq{Type: messages.IrqAssertIRQ, Line: line}
	c.busIrq.Send(&msg)
}

// checkPwd validates an incoming byte against the password ring before
// it reaches OBF. The suppression condition below (`ram[ramSecOff] ==
// 0`) is preserved exactly as found in the original: the paired
// assignment in the same branch reads the byte it just tested, which
// suggests the intended condition was inverted (suppress when SECOFF
// != 0). Left unchanged per the decision this is a known, preserved bug.
func (c *Controller) checkPwd(value *byte, fromAux bool) bool {
	if c.ram[ramStatus]&statusNoInhb != 0 {
		return true
	}
	if *value >= 0x80 || *value == c.ram[ramMake1] || *value == c.ram[ramMake2] || fromAux {
		return true
	}
	cmp := int(c.ram[ramPwdCmp])
	pos := ramPwdFirst + cmp
	if pos <= ramPwdLast && c.ram[pos] == *value {
		c.ram[ramPwdCmp]++
	} else {
		c.ram[ramPwdCmp] = 0
	}
	full := int(c.ram[ramPwdCmp])
	next := ramPwdFirst + full
	complete := next > ramPwdLast || c.ram[next] == 0
	if complete {
		c.ram[ramStatus] |= statusNoInhb
		// Preserved bug: the condition and assignment below read the
		// same byte, which suggests the intended check was SECOFF != 0.
		// Left as found.
		if c.ram[ramSecOff] == 0 {
			*value = c.ram[ramSecOff]
			return false
		}
		return true
	}
	return false
}

// gotData feeds one byte into the controller as if read from the
// keyboard (fromAux=false) or aux (fromAux=true) port.
func (c *Controller) gotData(value byte, fromAux bool) {
	if !fromAux && c.ram[ramCmdByte]&cmdTranslate != 0 {
		if value == 0xf0 {
			c.ram[ramGotRelease] = 1
			return
		}
		value = translateScanCode(value)
		if c.ram[ramGotRelease] != 0 {
			value |= 0x80
			c.ram[ramGotRelease] = 0
		}
	}

	if !c.checkPwd(&value, fromAux) {
		return
	}

	c.ram[ramOBF] = value
	c.ram[ramStatus] &^= statusAuxOBF
	c.ram[ramStatus] |= statusOBF
	if fromAux {
		c.ram[ramStatus] |= statusAux
	}

	c.ram[ramOutport] &^= outportIrqKbd | outportIrqAux
	if fromAux {
		if c.ram[ramCmdByte]&cmdIrqAux != 0 {
			c.raiseIrq(c.irqAux)
			c.ram[ramOutport] |= outportIrqAux
		}
	} else {
		if c.ram[ramCmdByte]&cmdIrqKbd != 0 {
			c.raiseIrq(c.irqKbd)
			c.ram[ramOutport] |= outportIrqKbd
		}
	}
}

// readFromDevice asks the PS/2 port at the given port number (keyboard
// or aux) for its next byte, blocking (in the sense of "no OBF update
// if none available") if the port has nothing buffered.
func (c *Controller) readFromDevice(port uint) {
	if c.ram[ramStatus]&statusOBF != 0 {
		return
	}
	msg := messages.MessagePS2{Port: port, Type: messages.PS2ReadKey}
	if !c.busPS2.Send(&msg) {
		return
	}
	c.gotData(msg.Value, port != c.ps2Ports)
}

// readAllDevices polls aux then keyboard PS/2 ports as long as OBF is
// clear and the source is enabled, guarded against re-entrance via
// RAM_LOCK because a PS2Notify can arrive while this is already running.
func (c *Controller) readAllDevices() {
	if c.ram[ramLock] != 0 {
		return
	}
	c.ram[ramLock] = 1
	defer func() { c.ram[ramLock] = 0 }()

	if c.ram[ramCmdByte]&cmdDisAux == 0 && c.ram[ramStatus]&statusOBF == 0 {
		c.readFromDevice(c.ps2Ports + 1)
	}
	if c.ram[ramCmdByte]&cmdDisKbd == 0 && c.ram[ramStatus]&statusOBF == 0 {
		c.readFromDevice(c.ps2Ports)
	}
}

func (c *Controller) receiveIOIn(msg *messages.MessageIOIn) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	switch msg.Port {
	case c.base:
		msg.Value = uint32(c.ram[ramOBF])
		c.ram[ramStatus] &^= statusAuxOBF
		c.ram[ramOutport] &^= outportIrqKbd | outportIrqAux
		c.readAllDevices()
		return true
	case c.base + 4:
		msg.Value = uint32((c.ram[ramStatus] &^ statusSys) | (c.ram[ramCmdByte] & cmdSys))
		return true
	}
	return false
}

func (c *Controller) receiveIOOut(msg *messages.MessageIOOut) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	value := byte(msg.Value)
	switch msg.Port {
	case c.base:
		c.writeData(value)
		return true
	case c.base + 4:
		c.writeCommand(value)
		return true
	}
	return false
}

func (c *Controller) writeData(value byte) {
	if c.ram[ramStatus]&statusNoInhb == 0 {
		return
	}
	if c.ram[ramStatus]&statusCmd != 0 {
		last := c.ram[ramLastCmd]
		switch {
		case last >= 0x60 && last <= 0x7f:
			idx := int(last) - 0x60
			if idx < 0 || idx >= ramSize {
				panic(fmt.Sprintf("kbc: RAM write command out of bounds: %#x", last))
			}
			c.ram[idx] = value
		case last == 0xa5:
			c.loadPassword(value)
		case last == 0xd1:
			if value&outportA20 != 0 {
				c.ram[ramOutport] |= outportA20
			} else {
				c.ram[ramOutport] &^= outportA20
			}
			a20 := uint(0)
			if c.ram[ramOutport]&outportA20 != 0 {
				a20 = 1
			}
			c.legacyWrite(messages.LegacyGateA20, a20)
			if c.ram[ramOutport]&outportReset == 0 {
				c.legacyWrite(messages.LegacyReset, 0)
			}
		case last == 0xd2:
			c.gotData(value, false)
		case last == 0xd3:
			c.gotData(value, true)
		case last == 0xd4:
			msg := messages.MessagePS2{Port: c.ps2Ports + 1, Type: messages.PS2SendCommand, Value: value}
			c.busPS2.Send(&msg)
		case last == 0xdd:
			c.ram[ramOutport] &^= outportA20
			c.legacyWrite(messages.LegacyGateA20, 0)
		case last == 0xdf:
			c.ram[ramOutport] |= outportA20
			c.legacyWrite(messages.LegacyGateA20, 1)
		default:
			msg := messages.MessagePS2{Port: c.ps2Ports, Type: messages.PS2SendCommand, Value: value}
			c.busPS2.Send(&msg)
		}
	}
	c.ram[ramStatus] &^= statusCmd
}

func (c *Controller) loadPassword(value byte) {
	count := int(c.ram[ramPwdCount])
	if value == 0 {
		c.ram[ramPwdCount] = byte(ramPwdLast - ramPwdFirst + 1)
		return
	}
	idx := ramPwdFirst + count
	if idx <= ramPwdLast {
		c.ram[idx] = value
		c.ram[ramPwdCount]++
	}
}

func (c *Controller) writeCommand(cmd byte) {
	c.ram[ramLastCmd] = cmd
	c.ram[ramStatus] |= statusCmd

	switch {
	case cmd >= 0x20 && cmd <= 0x3f:
		c.gotData(c.ram[cmd-0x20], false)
	case cmd == 0xa4:
		if c.ram[ramPwdCount] != 0 {
			c.gotData(0xfa, false)
		} else {
			c.gotData(0xf1, false)
		}
	case cmd == 0xa5:
		c.ram[ramPwdCount] = 0
	case cmd == 0xa6:
		c.ram[ramStatus] &^= statusNoInhb
		c.ram[ramPwdCmp] = 0
		if c.ram[ramSecOn] != 0 {
			c.ram[ramOBF] = c.ram[ramSecOn]
			c.ram[ramStatus] |= statusOBF
			if c.ram[ramCmdByte]&cmdIrqKbd != 0 {
				c.raiseIrq(c.irqKbd)
			}
		}
	case cmd == 0xa7:
		c.ram[ramCmdByte] |= cmdDisAux
	case cmd == 0xa8:
		c.ram[ramCmdByte] &^= cmdDisAux
	case cmd == 0xa9 || cmd == 0xab:
		c.gotData(0, false)
	case cmd == 0xaa:
		c.gotData(0x55, false)
	case cmd == 0xad:
		c.ram[ramCmdByte] |= cmdDisKbd
	case cmd == 0xae:
		c.ram[ramCmdByte] &^= cmdDisKbd
	case cmd == 0xc0 || cmd == 0xe0:
		c.gotData(0, false)
	case cmd == 0xd0:
		c.gotData(c.ram[ramOutport], false)
	case cmd >= 0xf0 && cmd <= 0xff:
		if cmd&1 == 0 {
			c.legacyWrite(messages.LegacyReset, 0)
		}
	}
}

func (c *Controller) receivePS2(msg *messages.MessagePS2) bool {
	if msg.Type != messages.PS2Notify {
		return false
	}
	if msg.Port != c.ps2Ports && msg.Port != c.ps2Ports+1 {
		return false
	}
	c.readAllDevices()
	return true
}

func (c *Controller) receiveLegacy(msg *messages.MessageLegacy) bool {
	if msg.Type != messages.LegacyReset {
		return false
	}
	c.resetRAM()
	return false
}
