// Command vancouvervmm boots one guest: parse flags, construct a
// motherboard.Motherboard over a KVM-backed hostfacade.Host, load a
// kernel image into guest memory, run the startup sequencing
// SPEC_FULL.md §10 describes, then drive each VCPU's KVM_RUN loop until
// the host process is interrupted. A VCPU's loop stops on a triple fault
// or a KVM error; a guest HLT does not end it. Grounded on
// jamlee-t-gokvm/main.go's flag-parse/construct/run-loop/stdin-forward
// shape, using github.com/spf13/pflag and github.com/rs/zerolog in place
// of that example's hand-rolled flag package and bare log.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vancouver-project/vancouvervmm/dispatch"
	"github.com/vancouver-project/vancouvervmm/hostfacade"
	"github.com/vancouver-project/vancouvervmm/ioconsumer"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/motherboard"
	"github.com/vancouver-project/vancouvervmm/vcpu"
)

const (
	kvmExitIO       = 2
	kvmExitHLT      = 5
	kvmExitShutdown = 8
)

func main() {
	memMB := pflag.Uint64("mem", 128, "guest memory size, in megabytes")
	numVCPUs := pflag.Int("vcpus", 1, "number of virtual CPUs")
	kernelPath := pflag.String("kernel", "", "path to a raw kernel/bootloader image loaded at guest-physical 0")
	configStr := pflag.String("config", "kbc:0x60,1,12", "parse_args directive string (spec.md §6.5)")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	pflag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if err := run(*memMB, *numVCPUs, *kernelPath, *configStr, log); err != nil {
		log.Fatal().Err(err).Msg("vancouvervmm: fatal setup error")
	}
}

func run(memMB uint64, numVCPUs int, kernelPath, configStr string, log zerolog.Logger) error {
	host, err := hostfacade.NewKVMHost(int(memMB * 1024 * 1024))
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}

	if kernelPath != "" {
		image, err := os.ReadFile(kernelPath)
		if err != nil {
			return fmt.Errorf("read kernel image: %w", err)
		}
		copy(host.MemAt(0, uint64(len(image))), image)
		log.Info().Str("path", kernelPath).Int("bytes", len(image)).Msg("loaded kernel image")
	}

	mb := motherboard.New(host, numVCPUs, log)

	stdinQueue := ioconsumer.NewQueue[byte](256)
	mb.AttachStdin(stdinQueue, ioconsumer.StdinHooks{
		Dump:            func() { log.Info().Msg("dump chord received (no state dump implemented)") },
		ResetVM:         func() { log.Warn().Msg("reset-vm chord received (no-op: reset wiring not exposed to cmd layer yet)") },
		BreakDebugger:   func() { log.Debug().Msg("break-into-debugger chord received") },
		RevokeAllMemory: func() { log.Warn().Msg("revoke-all-memory chord received (no-op: no guest memory revocation path yet)") },
	})

	if err := mb.Boot(configStr); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	go pumpStdin(stdinQueue, log)

	for _, v := range mb.VCPUs {
		res, err := host.HostOp(hostfacade.HostOpRequest{Kind: hostfacade.OpVCPUCreateBackend, Addr: uint64(v.ID)})
		if err != nil {
			return fmt.Errorf("create vcpu %d backend: %w", v.ID, err)
		}
		vcpuFd := uintptr(res.Addr)

		run, err := hostfacade.NewVCPURun(host.KVMFd(), vcpuFd)
		if err != nil {
			return fmt.Errorf("map vcpu %d kvm_run: %w", v.ID, err)
		}

		go vcpuLoop(v, run, mb, log)
	}

	select {}
}

// vcpuLoop drives one VCPU's KVM_RUN/exit/dispatch cycle forever. Guest
// execution itself runs without the global VM lock held; the lock is
// acquired only around dispatch, matching spec.md §5's "guest execution
// and non-VCPU-block host work never overlap" rule.
func vcpuLoop(v *vcpu.VCPU, run *hostfacade.VCPURun, mb *motherboard.Motherboard, log zerolog.Logger) {
	for {
		if err := run.SetRegs(&v.Regs); err != nil {
			log.Error().Err(err).Int("vcpu", v.ID).Msg("set regs failed")
			return
		}

		exitReason, err := run.Run()
		if err != nil {
			log.Error().Err(err).Int("vcpu", v.ID).Msg("KVM_RUN failed")
			return
		}

		if err := run.GetRegs(&v.Regs); err != nil {
			log.Error().Err(err).Int("vcpu", v.ID).Msg("get regs failed")
			return
		}

		reason, ok := translateExit(exitReason, run)
		if !ok {
			log.Warn().Int("vcpu", v.ID).Uint32("raw_reason", exitReason).Msg("unhandled raw KVM exit reason, ignoring")
			continue
		}

		mb.Lock.Acquire()
		mb.Dispatch().Dispatch(v, &reason, mb.Mapper())
		mb.Lock.Release()

		if reason.Reason == dispatch.VMXReasonTriple() {
			log.Warn().Int("vcpu", v.ID).Msg("triple fault, stopping vcpu")
			return
		}
	}
}

func translateExit(raw uint32, run *hostfacade.VCPURun) (dispatch.Fault, bool) {
	switch raw {
	case kvmExitIO:
		in, sizeOrder, port, _ := run.IOExit()
		return dispatch.Fault{
			Reason:      dispatch.VMXReasonIOIO(),
			MtrIn:       messages.MTD_RIP_LEN | messages.MTD_GPR_ACDB,
			IOIn:        in,
			IOSizeOrder: sizeOrder,
			IOPort:      port,
		}, true
	case kvmExitHLT:
		return dispatch.Fault{Reason: dispatch.VMXReasonHLT(), MtrIn: messages.CpuHlt.RequiredMTD()}, true
	case kvmExitShutdown:
		return dispatch.Fault{Reason: dispatch.VMXReasonTriple()}, true
	default:
		return dispatch.Fault{}, false
	}
}

// pumpStdin puts the terminal in raw mode (so Ctrl-A chords reach the
// guest instead of the line discipline) and forwards every byte read
// into queue, the same shape jamlee-t-gokvm/main.go's stdin-forwarding
// goroutine uses.
func pumpStdin(queue *ioconsumer.Queue[byte], log zerolog.Logger) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Warn().Msg("stdin is not a terminal, console input disabled")
		return
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Error().Err(err).Msg("failed to set raw terminal mode")
		return
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		queue.Push(buf[0])
	}
}
