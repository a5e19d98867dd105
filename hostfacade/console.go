package hostfacade

import (
	"fmt"
	"sync"

	serial "github.com/daedaluz/goserial"
)

// Console is the headless stand-in for the developer console named
// abstractly in spec.md §6.6 and given a concrete shape in
// SPEC_FULL.md §10: an 80x25 cell buffer passed to KVMHost.Console is
// written out through Render (no guest VGA-text device model exists in
// this repo to produce one), and keystrokes arrive over a PTY instead of an
// X11 event loop (original_source/unix/vgaconsole.cc's X11 window is not
// ported; goserial's OpenPTY stands in for it).
type Console struct {
	mu     sync.Mutex
	master *serial.Port
	slave  *serial.Port

	onKey func(scanCode uint8)
}

// NewConsole opens a PTY pair and returns a Console whose slave side a
// terminal emulator (or a test harness) can attach to. onKey is invoked
// for every byte read off the master side, mirroring vgaconsole.cc's
// "forwards key events as scan codes via a callback" contract.
func NewConsole(onKey func(scanCode uint8)) (*Console, error) {
	master, slave, err := serial.OpenPTY(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("hostfacade: open console pty: %w", err)
	}
	c := &Console{master: master, slave: slave, onKey: onKey}
	go c.pumpKeys()
	return c, nil
}

// SlaveName reports the PTY path a terminal should attach to.
func (c *Console) SlaveName() string {
	return fmt.Sprintf("/proc/self/fd/%d", c.slave.Fd())
}

func (c *Console) pumpKeys() {
	buf := make([]byte, 64)
	for {
		n, err := c.master.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if c.onKey != nil {
				c.onKey(buf[i])
			}
		}
	}
}

// Render writes the guest's 80x25 VGA-text buffer out to the PTY as a
// plain-text redraw; a full terminal-graphics rendering is out of scope
// (no Non-goal bars this, but nothing in spec.md or SPEC_FULL.md asks
// for more than a text sink a headless test run can ignore).
func (c *Console) Render(cells []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, 0, len(cells))
	for _, cell := range cells {
		out = append(out, byte(cell&0xff))
	}
	_, err := c.master.Write(out)
	return err
}

// Close releases both sides of the PTY.
func (c *Console) Close() error {
	c.slave.Close()
	return c.master.Close()
}
