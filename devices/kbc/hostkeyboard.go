package kbc

import (
	"sync"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
)

// HostKeyboard is the PS/2 device living behind Controller's keyboard
// port: it turns a host keystroke delivered as MessageInput into a
// buffered scan code, answers the controller's PS2ReadKey queries from
// that buffer, and posts PS2Notify so Controller.receivePS2 re-polls
// promptly instead of waiting for the next OBF read to drain it. The
// .cc source this repo ports (keyboardcontroller.cc) only implements the
// controller side of this exchange — the host-relay device this type
// models is new code following the same MessagePS2 contract.
type HostKeyboard struct {
	mu      sync.Mutex
	port    uint
	pending []byte

	busPS2 *bus.Bus[messages.MessagePS2]
}

// NewHostKeyboard constructs a keyboard-side PS/2 device at the given
// port (the controller's ps2Ports value) and subscribes it to busInput
// and busPS2.
func NewHostKeyboard(busInput *bus.Bus[messages.MessageInput], busPS2 *bus.Bus[messages.MessagePS2], port uint) *HostKeyboard {
	k := &HostKeyboard{port: port, busPS2: busPS2}
	busInput.Add(k.receiveInput)
	busPS2.Add(k.receivePS2)
	return k
}

func (k *HostKeyboard) receiveInput(msg *messages.MessageInput) bool {
	if msg.FromAux {
		return false
	}
	k.mu.Lock()
	k.pending = append(k.pending, msg.Value)
	k.mu.Unlock()

	notify := messages.MessagePS2{Port: k.port, Type: messages.PS2Notify}
	k.busPS2.SendFifo(&notify)
	return true
}

func (k *HostKeyboard) receivePS2(msg *messages.MessagePS2) bool {
	if msg.Type != messages.PS2ReadKey || msg.Port != k.port {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pending) == 0 {
		return false
	}
	msg.Value = k.pending[0]
	k.pending = k.pending[1:]
	return true
}
