// Package rtc emulates an MC146818-style CMOS real-time clock: an
// index register at 0x70 selects one of 128 CMOS bytes exposed through
// the data register at 0x71, with the time/date registers computed
// live from the host clock rather than stored state.
package rtc

import (
	"sync"
	"time"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

const (
	portIndex uint16 = 0x70
	portData  uint16 = 0x71

	regSeconds    = 0x00
	regMinutes    = 0x02
	regHours      = 0x04
	regDayOfWeek  = 0x06
	regDayOfMonth = 0x07
	regMonth      = 0x08
	regYear       = 0x09
	regA          = 0x0a
	regB          = 0x0b
	regC          = 0x0c
	regD          = 0x0d

	aUIP byte = 0x80
	bDM  byte = 0x04
	b2412 byte = 0x02
	dVRT byte = 0x80
)

// Clock is a CMOS RTC instance.
type Clock struct {
	mu         sync.Mutex
	registers  [128]byte
	index      byte
	bcdMode    bool
	hour24Mode bool

	busIrq  *bus.Bus[messages.MessageIrq]
	irqLine uint
}

// New constructs a Clock with power-on register defaults and
// subscribes it to the ioin/ioout buses.
func New(busIOIn *bus.Bus[messages.MessageIOIn], busIOOut *bus.Bus[messages.MessageIOOut],
	busIrq *bus.Bus[messages.MessageIrq], irqLine uint) *Clock {

	c := &Clock{busIrq: busIrq, irqLine: irqLine}
	c.registers[regA] = 0x26
	c.registers[regB] = 0x02
	c.registers[regD] = 0x80
	c.updateConfigFlags()
	busIOIn.Add(c.receiveIOIn)
	busIOOut.Add(c.receiveIOOut)
	return c
}

func (c *Clock) receiveIOIn(msg *messages.MessageIOIn) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Port {
	case portIndex:
		msg.Value = uint32(c.index)
	case portData:
		if int(c.index) >= len(c.registers) {
			msg.Value = 0xff
			return true
		}
		msg.Value = uint32(c.readDataRegister())
	default:
		return false
	}
	return true
}

func (c *Clock) receiveIOOut(msg *messages.MessageIOOut) bool {
	if msg.Size != messages.IOSizeByte {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	val := byte(msg.Value)
	switch msg.Port {
	case portIndex:
		c.index = val & 0x7f
	case portData:
		if int(c.index) < len(c.registers) {
			c.writeDataRegister(val)
		}
	default:
		return false
	}
	return true
}

func (c *Clock) writeDataRegister(val byte) {
	switch c.index {
	case regA:
		c.registers[regA] = val &^ aUIP
	case regB:
		c.registers[regB] = val
		c.updateConfigFlags()
	case regC, regD:
		// Read-only; writes ignored.
	default:
		c.registers[c.index] = val
	}
}

func (c *Clock) readDataRegister() byte {
	now := time.Now()
	switch c.index {
	case regSeconds:
		return c.bcd(now.Second())
	case regMinutes:
		return c.bcd(now.Minute())
	case regHours:
		hour := now.Hour()
		if c.hour24Mode {
			return c.bcd(hour)
		}
		isPM := hour >= 12
		if hour >= 12 {
			hour -= 12
		}
		if hour == 0 {
			hour = 12
		}
		v := c.bcd(hour)
		if isPM {
			v |= 0x80
		}
		return v
	case regDayOfWeek:
		return c.bcd(int(now.Weekday()) + 1)
	case regDayOfMonth:
		return c.bcd(now.Day())
	case regMonth:
		return c.bcd(int(now.Month()))
	case regYear:
		return c.bcd(now.Year() % 100)
	case regA:
		return c.registers[regA] &^ aUIP
	case regB:
		return c.registers[regB]
	case regC:
		v := c.registers[regC]
		c.registers[regC] = 0
		return v
	case regD:
		return c.registers[regD] | dVRT
	default:
		return c.registers[c.index]
	}
}

func (c *Clock) bcd(val int) byte {
	if c.bcdMode {
		return byte(((val / 10) << 4) | (val % 10))
	}
	return byte(val)
}

func (c *Clock) updateConfigFlags() {
	c.bcdMode = c.registers[regB]&bDM == 0
	c.hour24Mode = c.registers[regB]&b2412 != 0
}
