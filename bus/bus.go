// Package bus implements the typed publish-subscribe fabric that the
// Motherboard uses to route messages between devices. It generalizes the
// port-keyed dispatch table the platform's I/O bus used to use (see
// devices.IOBus) into a message-kind-polymorphic ordered receiver list, per
// the rewrite note that bus dispatch should be "one bus type per message
// kind with a uniform add/send interface" rather than a templated receiver.
package bus

// Handler reacts to a message of type M. It returns true if it claimed
// (fully handled) the message.
type Handler[M any] func(msg *M) bool

// Bus is an ordered list of subscribers to one message kind. No receiver
// may call Send on the same bus from within its own handler for the same
// message; the bus does not detect such re-entrance, by design.
type Bus[M any] struct {
	receivers []Handler[M]
}

// New returns an empty bus for message kind M.
func New[M any]() *Bus[M] {
	return &Bus[M]{}
}

// Add appends a handler. Order is stable and significant: Send stops at
// the first handler that claims the message, and SendFifo visits handlers
// in this order.
func (b *Bus[M]) Add(h Handler[M]) {
	b.receivers = append(b.receivers, h)
}

// Send walks the receiver list and stops at the first handler that returns
// true. It returns false if no handler claimed the message.
func (b *Bus[M]) Send(msg *M) bool {
	for _, h := range b.receivers {
		if h(msg) {
			return true
		}
	}
	return false
}

// SendFifo delivers msg to every receiver in registration order,
// regardless of return value. Used for broadcasts such as RESET or
// GATE_A20 where every subscriber must observe the event.
func (b *Bus[M]) SendFifo(msg *M) {
	for _, h := range b.receivers {
		h(msg)
	}
}

// Len reports the number of registered receivers, chiefly useful in tests
// asserting fanout order.
func (b *Bus[M]) Len() int {
	return len(b.receivers)
}
