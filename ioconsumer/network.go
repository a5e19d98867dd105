package ioconsumer

import (
	"sync"

	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// Network is the network-packet async I/O consumer: it drains inbound
// packets from the host, stages each in ForwardPkt (the single-writer/
// single-reader field spec.md §5 names), forwards it onto bus_network,
// then clears the field so the NIC device model can tell its own egress
// apart from a packet it's being handed. Grounded on
// core_engine/network/tap_device.go's read-and-forward loop, adapted from
// a direct NIC-model call into the bus-and-staged-field contract spec.md
// §4.9 and §5 describe.
type Network struct {
	queue      *Queue[[]byte]
	busNetwork *bus.Bus[messages.MessageNetwork]
	lock       *vmlock.Lock

	mu         sync.Mutex
	forwardPkt []byte
}

// NewNetwork constructs a Network consumer over queue.
func NewNetwork(queue *Queue[[]byte], busNetwork *bus.Bus[messages.MessageNetwork], lock *vmlock.Lock) *Network {
	return &Network{queue: queue, busNetwork: busNetwork, lock: lock}
}

// ForwardPkt returns the packet currently being forwarded, or nil between
// deliveries. Only the NIC device model should call this, and only while
// holding the global lock (the same lock Run's send is bracketed by).
func (n *Network) ForwardPkt() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.forwardPkt
}

// Run drains the queue forever: stage, forward, clear, all under lock.
func (n *Network) Run() {
	for {
		buf, ok := n.queue.GetBuffer()
		if !ok {
			continue
		}
		n.lock.Acquire()
		n.mu.Lock()
		n.forwardPkt = buf
		n.mu.Unlock()

		msg := messages.MessageNetwork{Buffer: buf}
		n.busNetwork.SendFifo(&msg)

		n.mu.Lock()
		n.forwardPkt = nil
		n.mu.Unlock()
		n.lock.Release()
	}
}
