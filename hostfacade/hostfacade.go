// Package hostfacade abstracts the collaborator behind every
// Sigma0Base::* call in the source (spec.md §6.1): the privileged
// operations a VCPU or device needs but cannot perform itself --
// capability allocation, disk/timer/network/console/PCI-config/ACPI
// requests, and the bounded-queue attach points ioconsumer drains.
// Grounded on core_engine/hypervisor/kvm.go's ioctl wrappers (same
// CreateVM/CreateVCPU/SetUserMemoryRegion/Run/GetRegs/SetRegs shape, with
// hand-rolled ioctl numbers issued through syscall.Syscall and
// golang.org/x/sys/unix used for mmap and the clock) cross-referenced
// against jamlee-t-gokvm/kvm/kvm.go for the more complete constant set.
package hostfacade

import (
	"fmt"

	"github.com/vancouver-project/vancouvervmm/ioconsumer"
	"github.com/vancouver-project/vancouvervmm/messages"
)

// HostOpKind enumerates the complete set of privileged operations spec.md
// §6.1 names. Kinds this facade doesn't implement panic with a clear
// diagnostic -- per spec.md §7 class 2, an unimplemented HostOp is a
// programming error, never a runtime condition.
type HostOpKind int

const (
	OpAllocIOIORegion HostOpKind = iota
	OpAllocIOMem
	OpGuestMem
	OpAllocFromGuest
	OpNotifyIRQ
	OpAssignPCI
	OpGetModule
	OpGetMAC
	OpAttachMSI
	OpAttachIRQ
	OpVCPUCreateBackend
	OpVCPUBlock
	OpVCPURelease
	OpAllocSemaphore
	OpAllocServiceThread
	OpVirtToPhys
	OpReraiseIRQ
)

func (k HostOpKind) String() string {
	switch k {
	case OpAllocIOIORegion:
		return "ALLOC_IOIO_REGION"
	case OpAllocIOMem:
		return "ALLOC_IOMEM"
	case OpGuestMem:
		return "GUEST_MEM"
	case OpAllocFromGuest:
		return "ALLOC_FROM_GUEST"
	case OpNotifyIRQ:
		return "NOTIFY_IRQ"
	case OpAssignPCI:
		return "ASSIGN_PCI"
	case OpGetModule:
		return "GET_MODULE"
	case OpGetMAC:
		return "GET_MAC"
	case OpAttachMSI:
		return "ATTACH_MSI"
	case OpAttachIRQ:
		return "ATTACH_IRQ"
	case OpVCPUCreateBackend:
		return "VCPU_CREATE_BACKEND"
	case OpVCPUBlock:
		return "VCPU_BLOCK"
	case OpVCPURelease:
		return "VCPU_RELEASE"
	case OpAllocSemaphore:
		return "ALLOC_SEMAPHORE"
	case OpAllocServiceThread:
		return "ALLOC_SERVICE_THREAD"
	case OpVirtToPhys:
		return "VIRT_TO_PHYS"
	case OpReraiseIRQ:
		return "RERAISE_IRQ"
	default:
		return "UNKNOWN"
	}
}

// HostOpRequest/Result carry the per-kind argument and return payloads.
// Only the fields relevant to Kind are meaningful, the same convention
// messages.CpuMessage uses for its payload fields.
type HostOpRequest struct {
	Kind HostOpKind

	Size    uint64
	Addr    uint64
	PCIBDF  uint32
	Module  string
	Vector  uint32
}

type HostOpResult struct {
	Addr uint64
	Cap  uint32
	MAC  [6]byte
}

// DiskReq / TimerReq / TimeReq / NetReq / ConsoleReq / PciReq / AcpiReq are
// the per-resource request envelopes named in spec.md §6.1.
type DiskReq struct {
	Sector uint64
	Buffer []byte
	Write  bool
}

type TimerReq struct {
	AbsoluteDeadline uint64
}

type TimeReq struct{}

type NetReq struct {
	Buffer []byte
}

type ConsoleReq struct {
	TextBuffer []uint16 // 80x25 VGA text-mode cells
}

type PciReq struct {
	Address uint32
	Value   uint32
	Write   bool
}

type AcpiReq struct {
	Table string
}

// Host is the full capability surface spec.md §6.1 requires: one method
// per request kind plus the per-resource attach points that bind a
// bounded queue (ioconsumer.Queue) to an upstream notify point.
type Host interface {
	HostOp(req HostOpRequest) (HostOpResult, error)
	Disk(req DiskReq) error
	Timer(req TimerReq) error
	Time(req TimeReq) uint64
	Network(req NetReq) error
	Console(req ConsoleReq) error
	PciCfg(req PciReq) (uint32, error)
	Acpi(req AcpiReq) ([]byte, error)

	AttachStdin(q *ioconsumer.Queue[byte])
	AttachDiskCommit(q *ioconsumer.Queue[messages.MessageDiskCommit])
	AttachTimer(q *ioconsumer.Queue[struct{}])
	AttachNetwork(q *ioconsumer.Queue[[]byte])
}

// unimplemented panics with a message naming the HostOp kind, the shared
// helper every Host implementation's HostOp switch falls through to for a
// kind it doesn't serve.
func unimplemented(kind HostOpKind) error {
	panic(fmt.Sprintf("hostfacade: unimplemented HostOp %s", kind))
}
