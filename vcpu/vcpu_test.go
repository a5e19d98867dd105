package vcpu_test

import (
	"testing"

	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vcpu"
)

func TestDispatchPanicsWhenUnclaimed(t *testing.T) {
	v := vcpu.New(0)
	defer func() {
		if recover() == nil {
			t.Fatal("Dispatch did not panic on an unclaimed CpuMessage")
		}
	}()
	v.Dispatch(&messages.CpuMessage{Type: messages.CpuHlt})
}

func TestDispatchStopsAtFirstClaimer(t *testing.T) {
	v := vcpu.New(0)
	var order []int
	v.AddReceiver(func(v *vcpu.VCPU, msg *messages.CpuMessage) bool {
		order = append(order, 1)
		return false
	})
	v.AddReceiver(func(v *vcpu.VCPU, msg *messages.CpuMessage) bool {
		order = append(order, 2)
		return true
	})
	v.AddReceiver(func(v *vcpu.VCPU, msg *messages.CpuMessage) bool {
		order = append(order, 3)
		return true
	})

	v.Dispatch(&messages.CpuMessage{Type: messages.CpuHlt})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected receiver visit order %v", order)
	}
}

// TestDispatchInjResendOrchestration exercises spec.md §4.5's two extra
// re-send rules: MTD_INJ in MtrIn re-dispatches as CpuCheckIRQ, and MTD_INJ
// ending up in MtrOut triggers a CpuCalcIRQWindow pass.
func TestDispatchInjResendOrchestration(t *testing.T) {
	v := vcpu.New(0)
	var seen []messages.CpuMessageType

	v.AddReceiver(func(v *vcpu.VCPU, msg *messages.CpuMessage) bool {
		seen = append(seen, msg.Type)
		if msg.Type == messages.CpuHlt {
			v.MtrOut |= messages.MTD_INJ
		}
		return true
	})

	v.Reset(messages.MTD_INJ)
	v.Dispatch(&messages.CpuMessage{Type: messages.CpuHlt})

	want := []messages.CpuMessageType{messages.CpuHlt, messages.CpuCheckIRQ, messages.CpuCalcIRQWindow}
	if len(seen) != len(want) {
		t.Fatalf("receiver saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("receiver saw %v, want %v", seen, want)
		}
	}
}

func TestDispatchNoResendWithoutInj(t *testing.T) {
	v := vcpu.New(0)
	var seen []messages.CpuMessageType
	v.AddReceiver(func(v *vcpu.VCPU, msg *messages.CpuMessage) bool {
		seen = append(seen, msg.Type)
		return true
	})

	v.Reset(0)
	v.Dispatch(&messages.CpuMessage{Type: messages.CpuHlt})

	if len(seen) != 1 || seen[0] != messages.CpuHlt {
		t.Fatalf("receiver saw %v, want exactly [CpuHlt]", seen)
	}
}

func TestSkipInstructionRequiresRIPLen(t *testing.T) {
	v := vcpu.New(0)
	defer func() {
		if recover() == nil {
			t.Fatal("SkipInstruction did not panic without MTD_RIP_LEN in MtrIn")
		}
	}()
	v.Reset(0)
	v.SkipInstruction(&messages.CpuMessage{})
}

func TestSkipInstructionAdvancesRIPAndFoldsState(t *testing.T) {
	v := vcpu.New(0)
	v.Reset(messages.MTD_RIP_LEN)
	v.Regs.RIP = 0x1000
	v.Regs.InstLen = 3
	v.Regs.InterruptState = 0x3

	msg := messages.CpuMessage{Skip: true}
	v.SkipInstruction(&msg)

	if v.Regs.RIP != 0x1003 {
		t.Fatalf("RIP = 0x%x, want 0x1003", v.Regs.RIP)
	}
	if v.MtrOut&messages.MTD_RIP_LEN == 0 {
		t.Fatal("MtrOut missing MTD_RIP_LEN after SkipInstruction")
	}
	if v.MtrOut&messages.MTD_STATE == 0 {
		t.Fatal("MtrOut missing MTD_STATE after clearing the sti/mov-ss shadow bits")
	}
	if v.Regs.InterruptState&0x3 != 0 {
		t.Fatal("InterruptState shadow bits were not cleared")
	}
	if msg.Skip {
		t.Fatal("msg.Skip was not cleared")
	}
}

func TestSkipInstructionLeavesStateUnfoldedWhenAlreadyClear(t *testing.T) {
	v := vcpu.New(0)
	v.Reset(messages.MTD_RIP_LEN)
	v.Regs.InterruptState = 0

	v.SkipInstruction(&messages.CpuMessage{})

	if v.MtrOut&messages.MTD_STATE != 0 {
		t.Fatal("MtrOut gained MTD_STATE though the shadow bits were already clear")
	}
}

func TestNestedChecksInjectInfoBit31(t *testing.T) {
	s := vcpu.Snapshot{InjectInfo: 1 << 31}
	if !s.Nested() {
		t.Fatal("Nested() = false with bit31 set")
	}
	s.InjectInfo = 0
	if s.Nested() {
		t.Fatal("Nested() = true with bit31 clear")
	}
}
