package simulator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jnesss/vmi-recorder/xen"
)

var (
	// ErrNotSubscribed is returned when an event is raised for a class the
	// agent has not enabled.
	ErrNotSubscribed = errors.New("event class not monitored")

	// ErrVcpuPaused is returned when a vCPU waiting for a response raises
	// another event.
	ErrVcpuPaused = errors.New("vcpu paused awaiting response")
)

// Capabilities is what MonitorCapabilities reports: every reason except
// the paging and sharing ones, which have no monitor toggle.
const Capabilities uint32 = 1<<xen.ReasonMemAccess |
	1<<xen.ReasonWriteCtrlReg | 1<<xen.ReasonMovToMsr |
	1<<xen.ReasonSoftwareBreakpoint | 1<<xen.ReasonSinglestep |
	1<<xen.ReasonGuestRequest | 1<<xen.ReasonDebugException |
	1<<xen.ReasonCpuid | 1<<xen.ReasonPrivilegedCall |
	1<<xen.ReasonInterrupt | 1<<xen.ReasonDescriptorAccess |
	1<<xen.ReasonEmulUnimplemented | 1<<xen.ReasonVMExit |
	1<<xen.ReasonIOInstruction

type ctrlRegSub struct {
	sync         bool
	bitmask      uint64
	onChangeOnly bool
}

type monitorState struct {
	page       []byte
	front      *xen.FrontRing
	remotePort uint32
	localPort  uint32

	ctrlregs                 map[xen.CtrlReg]ctrlRegSub
	msrs                     map[uint32]bool
	classes                  map[xen.MonitorClass]bool
	guestRequest             bool
	guestRequestSync         bool
	guestRequestUser         bool
	inguestPagefaultDisabled bool
	debugExceptions          bool
	debugExceptionsSync      bool
	vmexit                   bool
	vmexitSync               bool
}

// pendingWrite is a register write held back until the response arrives.
type pendingWrite struct {
	reason xen.Reason
}

type vcpuState struct {
	regs       xen.RegsX86
	msrs       map[uint32]uint64
	paused     bool
	singlestep bool
	// view is the altp2m view this vCPU runs in.
	view    uint16
	pending *pendingWrite
}

type view struct {
	defaultAccess xen.MemoryAccess
	access        map[uint64]xen.MemoryAccess
	remap         map[uint64]uint64
}

// Domain is one simulated guest.
type Domain struct {
	ID   xen.DomainID
	Name string

	mu         sync.Mutex
	paused     bool
	vcpus      []*vcpuState
	monitor    *monitorState
	mapped     [][]byte
	altp2m     bool
	views      map[uint16]*view
	// activeView is the view of the last domain-wide switch. Responses move
	// single vCPUs away from it.
	activeView uint16
	responses  []*xen.Event
	injected   []xen.Injection
}

func newDomain(id xen.DomainID, name string, n int) *Domain {
	d := &Domain{
		ID:    id,
		Name:  name,
		views: map[uint16]*view{xen.DefaultView: newView(xen.AccessRWX)},
	}
	for i := 0; i < n; i++ {
		v := &vcpuState{msrs: make(map[uint32]uint64)}
		v.regs.CR0 = 0x80050033
		v.regs.CR4 = 0x3506f8
		v.regs.MsrEFER = 0xd01
		v.regs.VMTracePos = ^uint64(0)
		d.vcpus = append(d.vcpus, v)
	}
	return d
}

func newView(def xen.MemoryAccess) *view {
	return &view{
		defaultAccess: def,
		access:        make(map[uint64]xen.MemoryAccess),
		remap:         make(map[uint64]uint64),
	}
}

func (d *Domain) enableMonitor(port uint32) ([]byte, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor != nil {
		return nil, 0, xcErr("monitor_enable", unix.EBUSY)
	}
	page := make([]byte, xen.PageSize)
	front, err := xen.AttachFrontRing(page)
	if err != nil {
		return nil, 0, err
	}
	d.monitor = &monitorState{
		page:       page,
		front:      front,
		remotePort: port,
		ctrlregs:   make(map[xen.CtrlReg]ctrlRegSub),
		msrs:       make(map[uint32]bool),
		classes:    make(map[xen.MonitorClass]bool),
	}
	d.mapped = append(d.mapped, page)
	return page, port, nil
}

// disableMonitor tears down the session and releases every vCPU still
// waiting for a response.
func (d *Domain) disableMonitor() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil {
		return xcErr("monitor_disable", unix.EINVAL)
	}
	d.monitor = nil
	for _, v := range d.vcpus {
		v.paused = false
		v.pending = nil
	}
	return nil
}

func (d *Domain) releasePage(page []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.mapped {
		if len(p) > 0 && len(page) > 0 && &p[0] == &page[0] {
			d.mapped = append(d.mapped[:i], d.mapped[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Domain) bindMonitorPort(remote, local uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil || d.monitor.remotePort != remote {
		return xcErr("evtchn_bind_interdomain", unix.EINVAL)
	}
	if d.monitor.localPort != 0 {
		return xcErr("evtchn_bind_interdomain", unix.EBUSY)
	}
	d.monitor.localPort = local
	return nil
}

func (d *Domain) unbindMonitorPort(local uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor != nil && d.monitor.localPort == local {
		d.monitor.localPort = 0
	}
}

func (d *Domain) subscribe(fn func(*monitorState)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil {
		return xcErr("monitor", unix.EINVAL)
	}
	fn(d.monitor)
	return nil
}

func (d *Domain) vcpu(id xen.VcpuID) (*vcpuState, error) {
	if int(id) >= len(d.vcpus) {
		return nil, xcErr("vcpu", unix.EINVAL)
	}
	return d.vcpus[id], nil
}

// syncFor reports whether e is subscribed and whether it pauses the vCPU.
// skip is set for on-change-only writes that change nothing.
func (m *monitorState) syncFor(e *xen.Event) (sync, skip bool, err error) {
	switch r := e.Reason.(type) {
	case xen.WriteCtrlReg:
		sub, ok := m.ctrlregs[r.Index]
		if !ok {
			return false, false, ErrNotSubscribed
		}
		if sub.onChangeOnly && (r.OldValue^r.NewValue)&^sub.bitmask == 0 {
			return false, true, nil
		}
		return sub.sync, false, nil
	case xen.MovToMsr:
		onChange, ok := m.msrs[uint32(r.MSR)]
		if !ok {
			return false, false, ErrNotSubscribed
		}
		if onChange && r.OldValue == r.NewValue {
			return false, true, nil
		}
		return true, false, nil
	case xen.MemAccess:
		return true, false, nil
	case xen.Singlestep:
		return true, false, m.class(xen.MonitorSinglestep)
	case xen.SoftwareBreakpoint:
		return true, false, m.class(xen.MonitorSoftwareBreakpoint)
	case xen.DescriptorAccess:
		return true, false, m.class(xen.MonitorDescriptorAccess)
	case xen.Cpuid:
		return true, false, m.class(xen.MonitorCpuid)
	case xen.PrivilegedCall:
		return true, false, m.class(xen.MonitorPrivilegedCall)
	case xen.EmulUnimplemented:
		return true, false, m.class(xen.MonitorEmulUnimplemented)
	case xen.IOInstruction:
		return true, false, m.class(xen.MonitorIO)
	case xen.GuestRequest:
		if !m.guestRequest {
			return false, false, ErrNotSubscribed
		}
		return m.guestRequestSync, false, nil
	case xen.DebugException:
		if !m.debugExceptions {
			return false, false, ErrNotSubscribed
		}
		return m.debugExceptionsSync, false, nil
	case xen.VMExit:
		if !m.vmexit {
			return false, false, ErrNotSubscribed
		}
		return m.vmexitSync, false, nil
	}
	return true, false, nil
}

func (m *monitorState) class(c xen.MonitorClass) error {
	if m.classes[c] {
		return nil
	}
	return ErrNotSubscribed
}

// produce writes e to the ring and returns the local port to kick, or 0 if
// nothing was produced or no port is bound yet.
func (d *Domain) produce(e *xen.Event) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil {
		return 0, fmt.Errorf("domain %s: %w", d.ID, ErrNotSubscribed)
	}
	v, err := d.vcpu(e.Vcpu)
	if err != nil {
		return 0, err
	}
	if v.paused {
		return 0, fmt.Errorf("vcpu %s: %w", e.Vcpu, ErrVcpuPaused)
	}
	sync, skip, err := d.monitor.syncFor(e)
	if err != nil {
		return 0, fmt.Errorf("%s on domain %s: %w", e.Reason.Code(), d.ID, err)
	}
	if skip {
		return 0, nil
	}

	req := *e
	if sync {
		req.Flags |= xen.FlagVcpuPaused
	}
	if d.altp2m && v.view != xen.DefaultView {
		req.Flags |= xen.FlagAlternateP2M
		req.AltP2MIdx = v.view
	}
	if req.Data == nil {
		regs := v.regs
		req.Data = &regs
	}
	if err := d.monitor.front.PutRequest(&req); err != nil {
		return 0, err
	}

	switch req.Reason.(type) {
	case xen.WriteCtrlReg, xen.MovToMsr:
		if sync {
			v.pending = &pendingWrite{reason: req.Reason}
		} else {
			v.apply(req.Reason)
		}
	}
	if sync {
		v.paused = true
	}
	return d.monitor.localPort, nil
}

func (v *vcpuState) apply(r xen.Reason) {
	switch r := r.(type) {
	case xen.WriteCtrlReg:
		switch r.Index {
		case xen.CR0:
			v.regs.CR0 = r.NewValue
		case xen.CR3:
			v.regs.CR3 = r.NewValue
		case xen.CR4:
			v.regs.CR4 = r.NewValue
		}
	case xen.MovToMsr:
		v.msrs[uint32(r.MSR)] = r.NewValue
	}
}

// consumeResponses drains the ring and applies each response.
func (d *Domain) consumeResponses() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil {
		return nil
	}
	for {
		rsp, ok, err := d.monitor.front.GetResponse()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.responses = append(d.responses, rsp)
		v, err := d.vcpu(rsp.Vcpu)
		if err != nil {
			return err
		}
		if v.pending != nil {
			if !rsp.Flags.Has(xen.FlagDeny) {
				v.apply(v.pending.reason)
			}
			v.pending = nil
		}
		if rsp.Flags.Has(xen.FlagSetRegisters) {
			if regs, ok := rsp.Regs(); ok {
				v.regs = *regs
			}
		}
		if rsp.Flags.Has(xen.FlagToggleSinglestep) {
			v.singlestep = !v.singlestep
		}
		if rsp.Flags.Has(xen.FlagAlternateP2M) && d.altp2m {
			if _, ok := d.views[rsp.AltP2MIdx]; ok {
				v.view = rsp.AltP2MIdx
			}
		}
		if rsp.Flags.Has(xen.FlagVcpuPaused) {
			v.paused = false
		}
	}
}

func (d *Domain) setAltP2M(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.altp2m = enabled
	if !enabled {
		d.setView(xen.DefaultView)
		for id := range d.views {
			if id != xen.DefaultView {
				delete(d.views, id)
			}
		}
	}
}

func (d *Domain) createView(def xen.MemoryAccess) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.altp2m {
		return 0, xcErr("altp2m_create_view", unix.EOPNOTSUPP)
	}
	for id := uint16(1); id < MaxViews; id++ {
		if _, ok := d.views[id]; !ok {
			d.views[id] = newView(def)
			return id, nil
		}
	}
	return 0, xcErr("altp2m_create_view", unix.ENOSPC)
}

func (d *Domain) lookupView(op string, id uint16) (*view, error) {
	if !d.altp2m && id != xen.DefaultView {
		return nil, xcErr(op, unix.EOPNOTSUPP)
	}
	v, ok := d.views[id]
	if !ok {
		return nil, xcErr(op, unix.EINVAL)
	}
	return v, nil
}

func (d *Domain) destroyView(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookupView("altp2m_destroy_view", id); err != nil {
		return err
	}
	if id == xen.DefaultView || d.viewInUse(id) {
		return xcErr("altp2m_destroy_view", unix.EBUSY)
	}
	delete(d.views, id)
	return nil
}

func (d *Domain) switchView(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.altp2m {
		return xcErr("altp2m_switch_to_view", unix.EOPNOTSUPP)
	}
	if _, err := d.lookupView("altp2m_switch_to_view", id); err != nil {
		return err
	}
	d.setView(id)
	return nil
}

// setView moves every vCPU to view id.
func (d *Domain) setView(id uint16) {
	d.activeView = id
	for _, v := range d.vcpus {
		v.view = id
	}
}

func (d *Domain) viewInUse(id uint16) bool {
	if d.activeView == id {
		return true
	}
	for _, v := range d.vcpus {
		if v.view == id {
			return true
		}
	}
	return false
}

func (d *Domain) getAccess(id uint16, gfn uint64) (xen.MemoryAccess, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.lookupView("altp2m_get_mem_access", id)
	if err != nil {
		return 0, err
	}
	return v.get(gfn), nil
}

func (v *view) get(gfn uint64) xen.MemoryAccess {
	if a, ok := v.access[gfn]; ok {
		return a
	}
	return v.defaultAccess
}

func (d *Domain) setAccess(id uint16, gfns []uint64, access []xen.MemoryAccess) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.lookupView("altp2m_set_mem_access", id)
	if err != nil {
		return err
	}
	for i, gfn := range gfns {
		if access[i] > xen.AccessDefault {
			return xcErr("altp2m_set_mem_access", unix.EINVAL)
		}
		if access[i] == xen.AccessDefault {
			delete(v.access, gfn)
			continue
		}
		v.access[gfn] = access[i]
	}
	return nil
}

func (d *Domain) changeGFN(id uint16, oldGFN, newGFN uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == xen.DefaultView {
		return xcErr("altp2m_change_gfn", unix.EINVAL)
	}
	v, err := d.lookupView("altp2m_change_gfn", id)
	if err != nil {
		return err
	}
	if oldGFN == newGFN {
		delete(v.remap, oldGFN)
	} else {
		v.remap[oldGFN] = newGFN
	}
	return nil
}

func (d *Domain) setPaused(p bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = p
}

func (d *Domain) inject(inj xen.Injection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.vcpu(inj.Vcpu); err != nil {
		return err
	}
	d.injected = append(d.injected, inj)
	return nil
}

// Inspection helpers used by tests and the simulated workload.

// Responses returns every response the hypervisor has consumed.
func (d *Domain) Responses() []*xen.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*xen.Event(nil), d.responses...)
}

// Regs returns a copy of a vCPU's registers.
func (d *Domain) Regs(id xen.VcpuID) xen.RegsX86 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcpus[id].regs
}

// SetRegs replaces a vCPU's registers.
func (d *Domain) SetRegs(id xen.VcpuID, regs xen.RegsX86) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vcpus[id].regs = regs
}

// Msr returns the last value written to msr on a vCPU.
func (d *Domain) Msr(id xen.VcpuID, msr uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcpus[id].msrs[msr]
}

// VcpuPaused reports whether a vCPU waits for a response.
func (d *Domain) VcpuPaused(id xen.VcpuID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcpus[id].paused
}

// Singlestepping reports whether a vCPU traps after every instruction.
func (d *Domain) Singlestepping(id xen.VcpuID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcpus[id].singlestep
}

// Vcpus is the number of vCPUs.
func (d *Domain) Vcpus() int {
	return len(d.vcpus)
}

// Paused reports whether the whole domain is paused.
func (d *Domain) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// MonitorEnabled reports whether a monitor session is active.
func (d *Domain) MonitorEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitor != nil
}

// MappedPages is the number of ring pages not yet released.
func (d *Domain) MappedPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mapped)
}

// PortBound reports whether the agent holds a binding on the monitor port.
func (d *Domain) PortBound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitor != nil && d.monitor.localPort != 0
}

// AltP2MEnabled reports the domain's altp2m state.
func (d *Domain) AltP2MEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.altp2m
}

// ActiveView is the view set by the last domain-wide switch.
func (d *Domain) ActiveView() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeView
}

// VcpuView is the view a vCPU currently runs in.
func (d *Domain) VcpuView(id xen.VcpuID) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcpus[id].view
}

// MonitorClassEnabled reports whether a monitor event class is subscribed.
func (d *Domain) MonitorClassEnabled(c xen.MonitorClass) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitor != nil && d.monitor.classes[c]
}

// Views lists existing view ids, the default view included.
func (d *Domain) Views() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint16, 0, len(d.views))
	for id := range d.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remapped returns the frame gfn is redirected to in a view.
func (d *Domain) Remapped(id uint16, gfn uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.views[id]
	if !ok {
		return 0, false
	}
	n, ok := v.remap[gfn]
	return n, ok
}

// Injected returns the device-model injections made so far.
func (d *Domain) Injected() []xen.Injection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]xen.Injection(nil), d.injected...)
}

// RingStats returns the producer's view of the ring.
func (d *Domain) RingStats() (free, unconsumedResponses uint32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitor == nil {
		return 0, 0, false
	}
	return d.monitor.front.FreeRequests(), d.monitor.front.UnconsumedResponses(), true
}
