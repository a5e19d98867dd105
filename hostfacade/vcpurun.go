package hostfacade

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vancouver-project/vancouvervmm/vcpu"
)

// kvmRegs mirrors struct kvm_regs' layout, grounded on
// jamlee-t-gokvm/kvm/kvm.go's Regs type.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmRunData mirrors the head of struct kvm_run far enough to read the
// exit reason and the IO/MMIO exit payload, grounded on the same file's
// RunData type.
type kvmRunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *kvmRunData) io() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	offset = r.Data[1]
	return
}

// VCPURun is the per-VCPU KVM_RUN loop handle: the vcpu fd plus its
// mmap'd kvm_run page. One is created per vcpu.VCPU after
// HostOp(VCPU_CREATE_BACKEND).
type VCPURun struct {
	fd  uintptr
	run []byte
}

// NewVCPURun queries KVM_GET_VCPU_MMAP_SIZE and mmaps the kvm_run
// structure for vcpuFd.
func NewVCPURun(kvmFd, vcpuFd uintptr) (*VCPURun, error) {
	size, _, errno := syscall.Syscall(syscall.SYS_IOCTL, kvmFd, kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return nil, fmt.Errorf("hostfacade: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	run, err := unix.Mmap(int(vcpuFd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostfacade: mmap kvm_run: %w", err)
	}
	return &VCPURun{fd: vcpuFd, run: run}, nil
}

func (r *VCPURun) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&r.run[0]))
}

// GetRegs loads the vcpu's general-purpose registers into snap, the
// subset vcpu.Snapshot models.
func (r *VCPURun) GetRegs(snap *vcpu.Snapshot) error {
	var regs kvmRegs
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, r.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); errno != 0 {
		return fmt.Errorf("hostfacade: KVM_GET_REGS: %w", errno)
	}
	snap.RAX, snap.RBX, snap.RCX, snap.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	snap.RSI, snap.RDI, snap.RSP, snap.RBP = regs.RSI, regs.RDI, regs.RSP, regs.RBP
	snap.RIP, snap.RFLAGS = regs.RIP, regs.RFLAGS
	return nil
}

// SetRegs writes snap's general-purpose registers back to the vcpu.
func (r *VCPURun) SetRegs(snap *vcpu.Snapshot) error {
	regs := kvmRegs{
		RAX: snap.RAX, RBX: snap.RBX, RCX: snap.RCX, RDX: snap.RDX,
		RSI: snap.RSI, RDI: snap.RDI, RSP: snap.RSP, RBP: snap.RBP,
		RIP: snap.RIP, RFLAGS: snap.RFLAGS,
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, r.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs))); errno != 0 {
		return fmt.Errorf("hostfacade: KVM_SET_REGS: %w", errno)
	}
	return nil
}

// Run issues KVM_RUN and returns the raw exit reason, retrying on the
// benign EAGAIN/EINTR exits the way jamlee-t-gokvm/kvm/kvm.go's Run does.
func (r *VCPURun) Run() (uint32, error) {
	for {
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, r.fd, kvmRun, 0)
		if errno != 0 {
			if errno == syscall.EAGAIN || errno == syscall.EINTR {
				continue
			}
			return 0, fmt.Errorf("hostfacade: KVM_RUN: %w", errno)
		}
		return r.runData().ExitReason, nil
	}
}

// IOExit decodes the current kvm_run's IO exit payload into the fields
// dispatch.Fault needs, valid only immediately after Run returns an IO
// exit reason.
func (r *VCPURun) IOExit() (in bool, sizeOrder uint8, port uint16, count uint64) {
	direction, size, p, c, _ := r.runData().io()
	in = direction == 0
	switch size {
	case 1:
		sizeOrder = 0
	case 2:
		sizeOrder = 1
	default:
		sizeOrder = 2
	}
	return in, sizeOrder, uint16(p), c
}

// Close unmaps the kvm_run page.
func (r *VCPURun) Close() error {
	return unix.Munmap(r.run)
}
