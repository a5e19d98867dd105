// Package memmap implements the EPT/NPT fault handler (spec.md §4.7): on a
// nested-page-table fault it queries the memregion bus for the backing
// device region, asks the host-memory provider for a mapping, and folds the
// result into the VCPU's resume MTD. The teacher has no equivalent of this
// (core_engine/virtual_machine.go's HandleMMIO is an unfilled stub), so this
// package is new code following the bus-query/host-facade shape the rest of
// the platform uses.
package memmap

import (
	"github.com/vancouver-project/vancouvervmm/bus"
	"github.com/vancouver-project/vancouvervmm/messages"
	"github.com/vancouver-project/vancouvervmm/vcpu"
)

// HostMemory is the subset of the host facade the mapper needs: grant a
// mapping capability over a guest-physical page range, and revoke one.
type HostMemory interface {
	// Map requests a host mapping for [startPage, startPage+pageCount) and
	// returns the aligned capability range actually granted.
	Map(startPage, pageCount uint64, hostPtr uintptr) (grantedStart, grantedCount uint64, hostAddr uintptr)
	// Unmap revokes a previously granted mapping over the same range.
	Unmap(startPage, pageCount uint64)
}

// Mapping is the resume-MTD mapping descriptor folded in on a successful
// map, carrying the EPT (and, if assigned, device-PT) attributes.
type Mapping struct {
	GuestStartPage uint64
	PageCount      uint64
	HostAddr       uintptr
	DevicePT       bool
}

// Mapper answers EPT/NPT faults by consulting the memregion bus and a host
// memory provider.
type Mapper struct {
	busMemRegion *bus.Bus[messages.MessageMemRegion]
	host         HostMemory
	devicePT     bool

	// LastMapping records the most recent successful mapping, mirroring
	// what a real implementation would fold into the hypervisor's resume
	// request; tests inspect it directly rather than reaching into the
	// hypervisor primitive layer.
	LastMapping Mapping
}

// New constructs a Mapper over the given memregion bus and host memory
// provider. devicePT marks whether a PCI device is assigned and its
// device page table must be updated alongside EPT/NPT.
func New(busMemRegion *bus.Bus[messages.MessageMemRegion], host HostMemory, devicePT bool) *Mapper {
	return &Mapper{busMemRegion: busMemRegion, host: host, devicePT: devicePT}
}

// HandleFault implements spec.md §4.7's algorithm. It returns true iff a
// mapping was installed; the caller (dispatch.handleMemFault) falls back to
// instruction emulation on false.
func (m *Mapper) HandleFault(v *vcpu.VCPU, addr uint64, needUnmap bool) bool {
	query := messages.MessageMemRegion{Addr: addr}
	if !m.busMemRegion.Send(&query) {
		return false
	}

	grantedStart, grantedCount, hostAddr := m.host.Map(query.StartPage, query.PageCount, query.HostPtr)

	if needUnmap {
		m.host.Unmap(grantedStart, grantedCount)
	}

	m.LastMapping = Mapping{
		GuestStartPage: grantedStart,
		PageCount:      grantedCount,
		HostAddr:       hostAddr,
		DevicePT:       m.devicePT,
	}

	if v.Regs.Nested() {
		v.Dispatch(&messages.CpuMessage{Type: messages.CpuCalcIRQWindow})
	}

	return true
}
