// Package vcpu models a single virtual CPU as a register snapshot plus an
// ordered CpuMessage receiver chain, replacing the teacher's direct
// KVM_RUN/exit-reason switch (core_engine/vcpu.go) with the MTD-gated
// handler-chain model the platform uses to let multiple devices and policy
// layers observe the same exit.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/vancouver-project/vancouvervmm/messages"
)

// Snapshot is the guest register state visible to CpuMessage receivers. Only
// the fields whose MTD bit is set in MtrIn are valid to read; only fields a
// receiver actually changed should have their MTD bit folded into MtrOut.
type Snapshot struct {
	RAX, RCX, RDX, RBX uint64
	RBP, RSI, RDI      uint64
	RSP                uint64
	RIP                uint64
	InstLen            uint64
	RFLAGS             uint64

	CR0, CR2, CR3, CR4 uint64
	DR0, DR6, DR7      uint64

	// InterruptState holds the sti/mov-ss shadow bits in its low 2 bits.
	InterruptState uint32

	// InjectInfo is the vendor inject-info field; bit31 marks a fault that
	// occurred while vectoring through the IDT ("nested").
	InjectInfo uint32

	// ControlWords is the vendor-specific intercept/control word (VMCS
	// execution controls for VMX, VMCB control area for SVM).
	ControlWords uint64

	TSCOffset uint64
}

// Nested reports whether InjectInfo marks this exit as occurring during IDT
// vectoring (bit31), per the memory mapper's extra CALC_IRQWINDOW rule.
func (s *Snapshot) Nested() bool {
	return s.InjectInfo&(1<<31) != 0
}

// Receiver observes (and may mutate) a CpuMessage against a VCPU's snapshot.
// It returns true if it fully handled the message, stopping the chain.
type Receiver func(v *VCPU, msg *messages.CpuMessage) bool

// VCPU is one virtual CPU: its register snapshot, the current MTD state,
// and the ordered chain of receivers the dispatcher threads CpuMessages
// through. Unlike the teacher's VCPU (which owns a raw KVM fd and mmap'd
// kvm_run region directly), memory/fd ownership lives in hostfacade; this
// type is pure dispatch-and-state.
type VCPU struct {
	mu sync.Mutex

	ID int

	Regs Snapshot

	// MtrIn is the set of Snapshot fields valid for the message currently
	// being dispatched. MtrOut accumulates the fields a receiver changed;
	// the dispatcher folds it into the hypervisor resume request.
	MtrIn  messages.MTD
	MtrOut messages.MTD

	receivers []Receiver
}

// New constructs a VCPU with an empty receiver chain.
func New(id int) *VCPU {
	return &VCPU{ID: id}
}

// AddReceiver appends r to the end of the CpuMessage chain. Order is
// significant: Dispatch stops at the first receiver that returns true.
func (v *VCPU) AddReceiver(r Receiver) {
	v.receivers = append(v.receivers, r)
}

// Dispatch threads msg through the receiver chain under the VCPU's own
// lock (distinct from the global VM lock, which the caller already holds),
// then performs the re-send orchestration spec.md §4.5 requires:
//
//  1. If MtrIn has INJ set and msg isn't already CHECK_IRQ, re-dispatch the
//     same snapshot as CHECK_IRQ so a newly-valid inject-info field gets a
//     chance to drive an injection decision.
//  2. If MtrOut ends up with INJ set, dispatch CALC_IRQWINDOW so a receiver
//     can decide whether to leave an interrupt window open on resume.
//
// Dispatch panics if no receiver claims msg; per spec.md §7, an unhandled
// CpuMessage on the VM-exit path is a programming error, not a runtime
// condition.
func (v *VCPU) Dispatch(msg *messages.CpuMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.runChain(msg)

	if v.MtrIn&messages.MTD_INJ != 0 && msg.Type != messages.CpuCheckIRQ {
		checkIRQ := messages.CpuMessage{Type: messages.CpuCheckIRQ}
		v.runChain(&checkIRQ)
	}
	if v.MtrOut&messages.MTD_INJ != 0 {
		calcWindow := messages.CpuMessage{Type: messages.CpuCalcIRQWindow}
		v.runChain(&calcWindow)
	}
}

func (v *VCPU) runChain(msg *messages.CpuMessage) {
	for _, r := range v.receivers {
		if r(v, msg) {
			return
		}
	}
	panic(fmt.Sprintf("vcpu %d: no receiver claimed CpuMessage %s", v.ID, msg.Type))
}

// SkipInstruction advances RIP past the faulting instruction. It requires
// RIP_LEN already valid in MtrIn, sets RIP_LEN in MtrOut, clears the low 2
// bits of interrupt-state (the sti / mov-ss shadow window), and if those
// bits were actually cleared, folds STATE into MtrOut as well.
func (v *VCPU) SkipInstruction(msg *messages.CpuMessage) {
	if v.MtrIn&messages.MTD_RIP_LEN == 0 {
		panic(fmt.Sprintf("vcpu %d: skip_instruction without RIP_LEN in mtr_in", v.ID))
	}
	v.Regs.RIP += v.Regs.InstLen
	v.MtrOut |= messages.MTD_RIP_LEN

	if v.Regs.InterruptState&0x3 != 0 {
		v.Regs.InterruptState &^= 0x3
		v.MtrOut |= messages.MTD_STATE
	}
	msg.Skip = false
}

// Reset clears MtrOut ahead of dispatching a new exit; MtrIn is set by the
// caller from the fields the hypervisor actually handed back.
func (v *VCPU) Reset(mtrIn messages.MTD) {
	v.MtrIn = mtrIn
	v.MtrOut = 0
}
