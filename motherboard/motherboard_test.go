package motherboard_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vancouver-project/vancouvervmm/config"
	"github.com/vancouver-project/vancouvervmm/hostfacade"
	"github.com/vancouver-project/vancouvervmm/ioconsumer"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/motherboard"
)

// fakeHost is a minimal hostfacade.Host stand-in that records attach
// calls instead of talking to /dev/kvm.
type fakeHost struct {
	attachedStdin      *ioconsumer.Queue[byte]
	attachedDiskCommit *ioconsumer.Queue[messages.MessageDiskCommit]
	attachedTimer      *ioconsumer.Queue[struct{}]
	attachedNetwork    *ioconsumer.Queue[[]byte]
}

func (f *fakeHost) HostOp(req hostfacade.HostOpRequest) (hostfacade.HostOpResult, error) {
	return hostfacade.HostOpResult{}, nil
}
func (f *fakeHost) Disk(req hostfacade.DiskReq) error       { return nil }
func (f *fakeHost) Timer(req hostfacade.TimerReq) error     { return nil }
func (f *fakeHost) Time(req hostfacade.TimeReq) uint64      { return 0 }
func (f *fakeHost) Network(req hostfacade.NetReq) error     { return nil }
func (f *fakeHost) Console(req hostfacade.ConsoleReq) error { return nil }
func (f *fakeHost) PciCfg(req hostfacade.PciReq) (uint32, error) {
	return 0, nil
}
func (f *fakeHost) Acpi(req hostfacade.AcpiReq) ([]byte, error) { return nil, nil }

func (f *fakeHost) AttachStdin(q *ioconsumer.Queue[byte])                          { f.attachedStdin = q }
func (f *fakeHost) AttachDiskCommit(q *ioconsumer.Queue[messages.MessageDiskCommit]) {
	f.attachedDiskCommit = q
}
func (f *fakeHost) AttachTimer(q *ioconsumer.Queue[struct{}])      { f.attachedTimer = q }
func (f *fakeHost) AttachNetwork(q *ioconsumer.Queue[[]byte])      { f.attachedNetwork = q }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestNewWiresFixedBaselineDevicesAndVCPUs(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 2, testLogger())

	if len(m.VCPUs) != 2 {
		t.Fatalf("len(VCPUs) = %d, want 2", len(m.VCPUs))
	}
	if h.attachedDiskCommit == nil || h.attachedTimer == nil || h.attachedNetwork == nil {
		t.Fatal("New did not attach the disk/timer/network queues to the host facade")
	}
	if m.Dispatch() == nil {
		t.Fatal("Dispatch() returned nil")
	}
	if m.Mapper() == nil {
		t.Fatal("Mapper() returned nil")
	}
}

// TestEveryVCPUHasACpuMessageReceiver guards the integration dispatch
// depends on: a VCPU with an empty receiver chain panics the instant any
// handler (handleTriple, handleHLT, ...) calls vcpu.VCPU.Dispatch. New
// must wire a receiver into every VCPU it constructs, not leave that for
// some other, unreachable code path.
func TestEveryVCPUHasACpuMessageReceiver(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 3, testLogger())

	for _, v := range m.VCPUs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("vcpu %d: Dispatch(TRIPLE) panicked: %v", v.ID, r)
				}
			}()
			v.Reset(0)
			v.Dispatch(&messages.CpuMessage{Type: messages.CpuTriple})
		}()
	}
}

// TestCpuMessageBridgeRoutesIOIOToDeviceBus exercises the actual guest
// I/O path: a CpuIOIO message reaching a VCPU's receiver chain must
// reach bus_ioin/bus_ioout, where devices/pic is always subscribed,
// rather than dead-ending before any device ever sees it.
func TestCpuMessageBridgeRoutesIOIOToDeviceBus(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())
	v := m.VCPUs[0]

	// The master PIC's data port (0x21) reads back its IMR, which
	// pic.New initializes to 0xff (all lines masked).
	eax := uint32(0)
	v.Reset(messages.CpuIOIO.RequiredMTD())
	v.Dispatch(&messages.CpuMessage{
		Type: messages.CpuIOIO, IOIn: true, IOSize: messages.IOSizeByte,
		IOPort: 0x21, IOValue: &eax,
	})
	if eax != 0xff {
		t.Fatalf("IN(0x21) via the vcpu dispatch chain = %#x, want 0xff (PIC IMR)", eax)
	}

	// An unclaimed port must read as all-ones rather than panicking or
	// leaving IOValue untouched, per spec.md §7.
	eax = 0
	v.Reset(messages.CpuIOIO.RequiredMTD())
	v.Dispatch(&messages.CpuMessage{
		Type: messages.CpuIOIO, IOIn: true, IOSize: messages.IOSizeByte,
		IOPort: 0x9999, IOValue: &eax,
	})
	if eax != 0xff {
		t.Fatalf("IN on an unclaimed port = %#x, want 0xff", eax)
	}
}

// TestCpuMessageBridgeInjectsPendingInterrupt exercises the CHECK_IRQ /
// CALC_IRQWINDOW path: with the guest's interrupt flag set and a line
// raised on the irq bus (the same path an irqforward.Worker drives),
// CpuCheckIRQ must fold a vector into InjectInfo/MTD_INJ so the
// dispatcher's automatic CALC_IRQWINDOW re-send (vcpu.VCPU.Dispatch) has
// something to act on.
func TestCpuMessageBridgeInjectsPendingInterrupt(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())
	v := m.VCPUs[0]

	// Unmask IRQ1 on the master PIC (it boots with every line masked),
	// then raise it the same way an irqforward.Worker would.
	m.Buses.IOOut.Send(&messages.MessageIOOut{Port: 0x21, Size: messages.IOSizeByte, Value: 0xfd})
	m.Buses.Irq.SendFifo(&messages.MessageIrq{Type: messages.IrqAssertIRQ, Line: 1})

	v.Reset(messages.CpuCheckIRQ.RequiredMTD())
	v.Regs.RFLAGS = 1 << 9 // IF set
	v.Dispatch(&messages.CpuMessage{Type: messages.CpuCheckIRQ})

	if v.MtrOut&messages.MTD_INJ == 0 {
		t.Fatal("CpuCheckIRQ with a pending unmasked IRQ did not set MTD_INJ")
	}
	if v.Regs.InjectInfo&0xff == 0 {
		t.Fatal("CpuCheckIRQ did not fold a vector into InjectInfo")
	}
}

func TestRegisterDirectivesAutoAssignsPS2PortPairs(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())

	registry := config.NewRegistry()
	m.RegisterDirectives(registry)
	if err := registry.Parse("kbc:96,1,12 kbc:100,2,13"); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestRegisterDirectivesRejectsUnknownDirective(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())
	registry := config.NewRegistry()
	m.RegisterDirectives(registry)
	if err := registry.Parse("nonsense:1,2,3"); err == nil {
		t.Fatal("Parse accepted an unregistered directive")
	}
}

func TestRegisterDirectivesValidatesKbcArgCount(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())
	registry := config.NewRegistry()
	m.RegisterDirectives(registry)
	if err := registry.Parse("kbc:96,1"); err == nil {
		t.Fatal("Parse accepted a kbc directive missing an argument")
	}
}

func TestBootRunsSynchronousResetBeforeReturning(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())

	seenReset := false
	m.Buses.Legacy.Add(func(msg *messages.MessageLegacy) bool {
		if msg.Type == messages.LegacyReset {
			seenReset = true
		}
		return false
	})

	if err := m.Boot(""); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !seenReset {
		t.Fatal("Boot did not broadcast a LegacyReset before returning")
	}
}

func TestBootPanicsOnPanicDirective(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())

	defer func() {
		if recover() == nil {
			t.Fatal("Boot did not panic for the panic directive")
		}
	}()
	_ = m.Boot("panic")
}

func TestBootPropagatesConfigParseError(t *testing.T) {
	h := &fakeHost{}
	m := motherboard.New(h, 1, testLogger())
	if err := m.Boot("nonsense:1"); err == nil {
		t.Fatal("Boot did not propagate a config parse error")
	}
}
