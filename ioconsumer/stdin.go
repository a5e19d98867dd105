package ioconsumer

import (
	"log"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

const chordPrefix byte = 0x01 // Ctrl-A

// StdinHooks bundles the side effects a chord triggers. BreakDebugger is a
// logging no-op: this repo ships no interactive debugger (SPEC_FULL.md §10).
type StdinHooks struct {
	Dump            func()
	ResetVM         func()
	BreakDebugger   func()
	RevokeAllMemory func()
}

// Stdin is the stdin async I/O consumer: it drains a byte Queue, intercepts
// the Ctrl-A d/r/b/m chords (dump/reset/break/revoke-memory), and forwards
// everything else as a MessageInput onto bus_input.
type Stdin struct {
	queue    *Queue[byte]
	busInput *bus.Bus[messages.MessageInput]
	lock     *vmlock.Lock
	hooks    StdinHooks

	pendingChord bool
}

// NewStdin constructs a Stdin consumer over queue, forwarding uninterpreted
// bytes onto busInput under lock.
func NewStdin(queue *Queue[byte], busInput *bus.Bus[messages.MessageInput], lock *vmlock.Lock, hooks StdinHooks) *Stdin {
	return &Stdin{queue: queue, busInput: busInput, lock: lock, hooks: hooks}
}

// Run drains the queue until it's told to stop by the caller's context
// being cancelled is not modeled here (spec.md §4.9: these threads are
// long-lived); callers run this in its own goroutine for the VMM's
// lifetime.
func (s *Stdin) Run() {
	for {
		b, ok := s.queue.GetBuffer()
		if !ok {
			continue
		}
		s.deliver(b)
	}
}

func (s *Stdin) deliver(b byte) {
	if s.pendingChord {
		s.pendingChord = false
		switch b {
		case 'd':
			s.lock.Acquire()
			if s.hooks.Dump != nil {
				s.hooks.Dump()
			}
			s.lock.Release()
			return
		case 'r':
			s.lock.Acquire()
			if s.hooks.ResetVM != nil {
				s.hooks.ResetVM()
			}
			s.lock.Release()
			return
		case 'b':
			log.Println("ioconsumer/stdin: break-into-debugger chord received (no debugger attached)")
			if s.hooks.BreakDebugger != nil {
				s.hooks.BreakDebugger()
			}
			return
		case 'm':
			s.lock.Acquire()
			if s.hooks.RevokeAllMemory != nil {
				s.hooks.RevokeAllMemory()
			}
			s.lock.Release()
			return
		case chordPrefix:
			// Ctrl-A Ctrl-A: forward a literal Ctrl-A.
			s.forward(chordPrefix)
			return
		default:
			// Unrecognized chord letter: forward both bytes as ordinary
			// keystrokes rather than silently swallowing the prefix.
			s.forward(chordPrefix)
		}
	}
	if b == chordPrefix {
		s.pendingChord = true
		return
	}
	s.forward(b)
}

func (s *Stdin) forward(b byte) {
	s.lock.Acquire()
	msg := messages.MessageInput{Value: b}
	s.busInput.SendFifo(&msg)
	s.lock.Release()
}
