package xen

import "fmt"

// MonitorClass names the monitor event classes toggled with a single
// enable flag.
type MonitorClass int

const (
	MonitorSinglestep MonitorClass = iota
	MonitorSoftwareBreakpoint
	MonitorDescriptorAccess
	MonitorCpuid
	MonitorPrivilegedCall
	MonitorEmulUnimplemented
	MonitorIO
	MonitorEmulateEachRep
)

var monitorClassNames = [...]string{
	"singlestep",
	"software_breakpoint",
	"descriptor_access",
	"cpuid",
	"privileged_call",
	"emul_unimplemented",
	"io",
	"emulate_each_rep",
}

func (c MonitorClass) String() string {
	if c >= 0 && int(c) < len(monitorClassNames) {
		return monitorClassNames[c]
	}
	return fmt.Sprintf("monitor_class(%d)", int(c))
}

// MonitorControl is the hypervisor's monitor subsystem for any domain.
type MonitorControl interface {
	// MonitorEnable allocates the ring page and the remote event channel
	// port. The page is mapped into this process.
	MonitorEnable(dom DomainID) (page []byte, port uint32, err error)
	MonitorDisable(dom DomainID) error
	MonitorResume(dom DomainID) error
	MonitorCapabilities(dom DomainID) (uint32, error)

	MonitorWriteCtrlReg(dom DomainID, reg CtrlReg, enable, sync bool, bitmask uint64, onChangeOnly bool) error
	MonitorMovToMsr(dom DomainID, msr uint32, enable, onChangeOnly bool) error
	MonitorGuestRequest(dom DomainID, enable, sync, allowUserspace bool) error
	MonitorInguestPagefault(dom DomainID, disable bool) error
	MonitorDebugExceptions(dom DomainID, enable, sync bool) error
	MonitorVMExit(dom DomainID, enable, sync bool) error
	MonitorToggle(dom DomainID, class MonitorClass, enable bool) error

	// ReleaseRingPage unmaps a page returned by MonitorEnable.
	ReleaseRingPage(page []byte) error
	OpenEventChannel() (EventChannel, error)
}

// AltP2MControl manages alternate p2m views.
type AltP2MControl interface {
	AltP2MSetDomainState(dom DomainID, enabled bool) error
	AltP2MCreateView(dom DomainID, defaultAccess MemoryAccess) (uint16, error)
	AltP2MDestroyView(dom DomainID, view uint16) error
	AltP2MSwitchToView(dom DomainID, view uint16) error
	AltP2MGetMemAccess(dom DomainID, view uint16, gfn uint64) (MemoryAccess, error)
	AltP2MSetMemAccess(dom DomainID, view uint16, gfn uint64, access MemoryAccess) error
	// AltP2MSetMemAccessMulti applies access[i] to gfns[i]; both slices
	// have the same length.
	AltP2MSetMemAccessMulti(dom DomainID, view uint16, access []MemoryAccess, gfns []uint64) error
	AltP2MChangeGFN(dom DomainID, view uint16, oldGFN, newGFN uint64) error
}

// DomainControl pauses and unpauses whole domains.
type DomainControl interface {
	PauseDomain(dom DomainID) error
	UnpauseDomain(dom DomainID) error
}

// DeviceModel is the device model's event injection entry point.
type DeviceModel interface {
	InjectEvent(dom DomainID, vcpu VcpuID, vector uint8, typ X86EventType, errorCode uint32, insnLen uint8, extra uint64) error
}

// Control is every hypervisor entry point the pipeline uses. The platform
// package implements it on libxenctrl; the simulator package implements it
// in memory.
type Control interface {
	MonitorControl
	AltP2MControl
	DomainControl
	DeviceModel
	Close() error
}
