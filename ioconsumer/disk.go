package ioconsumer

import (
	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// DiskCommit is the disk-commit async I/O consumer: it drains completed
// disk requests and forwards each as a MessageDiskCommit onto
// bus_diskcommit under the global lock.
type DiskCommit struct {
	queue        *Queue[messages.MessageDiskCommit]
	busDiskCommit *bus.Bus[messages.MessageDiskCommit]
	lock         *vmlock.Lock
}

// NewDiskCommit constructs a DiskCommit consumer over queue.
func NewDiskCommit(queue *Queue[messages.MessageDiskCommit], busDiskCommit *bus.Bus[messages.MessageDiskCommit], lock *vmlock.Lock) *DiskCommit {
	return &DiskCommit{queue: queue, busDiskCommit: busDiskCommit, lock: lock}
}

// Run drains the queue forever, forwarding each completion under lock.
func (d *DiskCommit) Run() {
	for {
		commit, ok := d.queue.GetBuffer()
		if !ok {
			continue
		}
		d.lock.Acquire()
		d.busDiskCommit.SendFifo(&commit)
		d.lock.Release()
	}
}
