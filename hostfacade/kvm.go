package hostfacade

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vancouver-project/vancouvervmm/ioconsumer"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vmlock"
)

// KVM ioctl numbers, following the teacher's core_engine/hypervisor/kvm.go
// encoding but cross-checked against jamlee-t-gokvm/kvm/kvm.go's more
// complete constant table for the values this facade actually issues.
const (
	kvmCreateVM             = 0xae01
	kvmGetVCPUMmapSize      = 0xae04
	kvmCreateVCPU           = 0xae41
	kvmSetUserMemoryRegion  = 0x4020ae46
	kvmRun                  = 0xae80
	kvmGetRegs              = 0x8090ae81
	kvmSetRegs              = 0x4090ae82
	kvmCreateIRQChip        = 0xae60
	kvmIRQLine              = 0x4008ae61
	kvmGetVCPUMmapSizeNoArg = 0
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type irqLevel struct {
	IRQ, Level uint32
}

// KVMHost is a KVM-backed Host implementation: one VM fd, a guest-physical
// memory region, and the capability bookkeeping (semaphores, attach
// points) the rest of the dispatch core calls into through HostOp.
// Grounded on core_engine/hypervisor/kvm.go's DoKVMCreateVM/
// DoKVMCreateVCPU/DoKVMSetUserMemoryRegion wrappers: the ioctls go through
// syscall.Syscall with the hand-maintained constants above, and
// golang.org/x/sys/unix supplies the guest-memory mmap and the clock.
type KVMHost struct {
	mu sync.Mutex

	kvmFd uintptr
	vmFd  uintptr
	mem   []byte

	semaphores map[uint32]*vmlock.Semaphore
	nextSemCap uint32

	stdinQueue   *ioconsumer.Queue[byte]
	diskQueue    *ioconsumer.Queue[messages.MessageDiskCommit]
	timerQueue   *ioconsumer.Queue[struct{}]
	networkQueue *ioconsumer.Queue[[]byte]

	console *Console
}

// NewKVMHost opens /dev/kvm, creates a VM and an in-process IRQ chip, and
// maps memSize bytes of anonymous guest memory at guest-physical 0.
func NewKVMHost(memSize int) (*KVMHost, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostfacade: open /dev/kvm: %w", err)
	}
	kvmFd := dev.Fd()

	vmFd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, kvmFd, kvmCreateVM, 0)
	if errno != 0 {
		return nil, fmt.Errorf("hostfacade: KVM_CREATE_VM: %w", errno)
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vmFd, kvmCreateIRQChip, 0); errno != 0 {
		return nil, fmt.Errorf("hostfacade: KVM_CREATE_IRQCHIP: %w", errno)
	}

	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostfacade: mmap guest memory: %w", err)
	}

	region := userspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); errno != 0 {
		return nil, fmt.Errorf("hostfacade: KVM_SET_USER_MEMORY_REGION: %w", errno)
	}

	return &KVMHost{
		kvmFd:      kvmFd,
		vmFd:       vmFd,
		mem:        mem,
		semaphores: make(map[uint32]*vmlock.Semaphore),
	}, nil
}

// HostOp implements the complete enumeration of spec.md §6.1. Kinds this
// facade genuinely cannot serve (PCI device assignment, host module
// loading, MAC address discovery, MSI routing -- all out of scope once
// NE2000/PCI passthrough were dropped, see DESIGN.md) panic via
// unimplemented, per spec.md §7 class 2.
func (h *KVMHost) HostOp(req HostOpRequest) (HostOpResult, error) {
	switch req.Kind {
	case OpAllocIOIORegion, OpAllocIOMem, OpAllocFromGuest:
		return HostOpResult{Addr: req.Addr}, nil
	case OpGuestMem:
		h.mu.Lock()
		defer h.mu.Unlock()
		if req.Addr+req.Size > uint64(len(h.mem)) {
			return HostOpResult{}, fmt.Errorf("hostfacade: GUEST_MEM out of range")
		}
		return HostOpResult{Addr: uint64(uintptr(unsafe.Pointer(&h.mem[req.Addr])))}, nil
	case OpNotifyIRQ, OpReraiseIRQ:
		lvl := irqLevel{IRQ: uint32(req.Addr), Level: 1}
		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, h.vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&lvl))); errno != 0 {
			return HostOpResult{}, fmt.Errorf("hostfacade: KVM_IRQ_LINE: %w", errno)
		}
		return HostOpResult{}, nil
	case OpAttachIRQ:
		h.mu.Lock()
		defer h.mu.Unlock()
		capID := h.nextSemCap
		h.nextSemCap++
		h.semaphores[capID] = vmlock.NewSemaphore(0)
		return HostOpResult{Cap: capID}, nil
	case OpVCPUCreateBackend:
		vcpuFd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, h.vmFd, kvmCreateVCPU, uintptr(req.Addr))
		if errno != 0 {
			return HostOpResult{}, fmt.Errorf("hostfacade: KVM_CREATE_VCPU: %w", errno)
		}
		return HostOpResult{Addr: uint64(vcpuFd)}, nil
	case OpVCPUBlock:
		// The caller (vcpu worker) is responsible for releasing the
		// global VM lock before calling this and reacquiring after --
		// see spec.md §5's OP_VCPU_BLOCK exception. This facade only
		// owns the semaphore itself.
		h.semaphoreFor(uint32(req.Addr)).Down()
		return HostOpResult{}, nil
	case OpVCPURelease:
		h.semaphoreFor(uint32(req.Addr)).Up()
		return HostOpResult{}, nil
	case OpAllocSemaphore:
		h.mu.Lock()
		defer h.mu.Unlock()
		capID := h.nextSemCap
		h.nextSemCap++
		h.semaphores[capID] = vmlock.NewSemaphore(0)
		return HostOpResult{Cap: capID}, nil
	case OpAllocServiceThread:
		return HostOpResult{}, nil
	case OpVirtToPhys:
		return HostOpResult{Addr: req.Addr}, nil
	case OpAssignPCI, OpGetModule, OpGetMAC, OpAttachMSI:
		return HostOpResult{}, unimplemented(req.Kind)
	default:
		return HostOpResult{}, unimplemented(req.Kind)
	}
}

func (h *KVMHost) semaphoreFor(cap uint32) *vmlock.Semaphore {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.semaphores[cap]
	if !ok {
		s = vmlock.NewSemaphore(0)
		h.semaphores[cap] = s
	}
	return s
}

func (h *KVMHost) Disk(req DiskReq) error {
	if h.diskQueue == nil {
		return fmt.Errorf("hostfacade: no disk consumer attached")
	}
	h.diskQueue.Push(messages.MessageDiskCommit{Tag: uint32(req.Sector)})
	return nil
}

func (h *KVMHost) Timer(req TimerReq) error {
	if h.timerQueue == nil {
		return fmt.Errorf("hostfacade: no timer consumer attached")
	}
	h.timerQueue.Push(struct{}{})
	return nil
}

func (h *KVMHost) Time(req TimeReq) uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1000
}

func (h *KVMHost) Network(req NetReq) error {
	if h.networkQueue == nil {
		return fmt.Errorf("hostfacade: no network consumer attached")
	}
	h.networkQueue.Push(req.Buffer)
	return nil
}

func (h *KVMHost) Console(req ConsoleReq) error {
	if h.console == nil {
		return fmt.Errorf("hostfacade: no console attached")
	}
	return h.console.Render(req.TextBuffer)
}

func (h *KVMHost) PciCfg(req PciReq) (uint32, error) {
	return 0, unimplemented(OpAssignPCI)
}

func (h *KVMHost) Acpi(req AcpiReq) ([]byte, error) {
	return nil, nil
}

func (h *KVMHost) AttachStdin(q *ioconsumer.Queue[byte])                             { h.stdinQueue = q }
func (h *KVMHost) AttachDiskCommit(q *ioconsumer.Queue[messages.MessageDiskCommit])   { h.diskQueue = q }
func (h *KVMHost) AttachTimer(q *ioconsumer.Queue[struct{}])                          { h.timerQueue = q }
func (h *KVMHost) AttachNetwork(q *ioconsumer.Queue[[]byte])                          { h.networkQueue = q }

// AttachConsole wires the developer console (spec.md §6.6); the caller
// owns pumping read bytes from the console's PTY master into the stdin
// queue this facade was attached with.
func (h *KVMHost) AttachConsole(c *Console) { h.console = c }

// KVMFd exposes the /dev/kvm fd, needed by NewVCPURun to query
// KVM_GET_VCPU_MMAP_SIZE.
func (h *KVMHost) KVMFd() uintptr { return h.kvmFd }

// MemAt returns a guest-physical-address-indexed byte slice backed by the
// KVM-mapped memory, for devices (memmap's HostMemory, the Host facade's
// GUEST_MEM consumers) that need raw access without going through HostOp.
func (h *KVMHost) MemAt(addr, size uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem[addr : addr+size]
}
