// Package simulator is an in-process stand-in for the hypervisor side of the
// vm_event pipeline. It implements xen.Control, hands out event channels
// backed by pipes, produces requests on the monitor ring and applies the
// responses it gets back.
package simulator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jnesss/vmi-recorder/xen"
)

// MaxViews is the number of altp2m views per domain, including the default
// view.
const MaxViews = 10

// Hypervisor holds simulated domains. It is safe for concurrent use.
type Hypervisor struct {
	mu       sync.Mutex
	domains  map[xen.DomainID]*Domain
	nextPort uint32
	bindings map[uint32]*channel
	log      *logrus.Entry
}

// New returns a hypervisor with no domains.
func New() *Hypervisor {
	return &Hypervisor{
		domains:  make(map[xen.DomainID]*Domain),
		nextPort: 1,
		bindings: make(map[uint32]*channel),
		log:      logrus.WithField("component", "simulator"),
	}
}

func xcErr(op string, errno unix.Errno) error {
	return &xen.XcError{Op: op, Rc: -1, Code: uint32(errno), Desc: errno.Error()}
}

// AddDomain creates a running domain with vcpus vCPUs.
func (h *Hypervisor) AddDomain(id xen.DomainID, name string, vcpus int) *Domain {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := newDomain(id, name, vcpus)
	h.domains[id] = d
	return d
}

// Domain returns a domain by id.
func (h *Hypervisor) Domain(id xen.DomainID) (*Domain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[id]
	return d, ok
}

// DomainIDFromName resolves a simulated domain name.
func (h *Hypervisor) DomainIDFromName(name string) (xen.DomainID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]xen.DomainID, 0, len(h.domains))
	for id := range h.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if h.domains[id].Name == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("domain %q: %w", name, xen.ErrNoSuchDomain)
}

func (h *Hypervisor) domain(op string, id xen.DomainID) (*Domain, error) {
	d, ok := h.Domain(id)
	if !ok {
		return nil, xcErr(op, unix.ESRCH)
	}
	return d, nil
}

func (h *Hypervisor) allocPort() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.nextPort
	h.nextPort++
	return p
}

func (h *Hypervisor) bind(c *channel, dom xen.DomainID, remotePort uint32) (uint32, error) {
	d, err := h.domain("evtchn_bind_interdomain", dom)
	if err != nil {
		return 0, err
	}
	local := h.allocPort()
	if err := d.bindMonitorPort(remotePort, local); err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.bindings[local] = c
	h.mu.Unlock()
	return local, nil
}

func (h *Hypervisor) unbind(dom xen.DomainID, local uint32) {
	h.mu.Lock()
	delete(h.bindings, local)
	d := h.domains[dom]
	h.mu.Unlock()
	if d != nil {
		d.unbindMonitorPort(local)
	}
}

// kick signals the agent's end of a domain's monitor port.
func (h *Hypervisor) kick(local uint32) {
	h.mu.Lock()
	c := h.bindings[local]
	h.mu.Unlock()
	if c != nil {
		c.signal(local)
	}
}

// notified runs when the agent notifies: the hypervisor consumes responses.
func (h *Hypervisor) notified(dom xen.DomainID) {
	d, ok := h.Domain(dom)
	if !ok {
		return
	}
	if err := d.consumeResponses(); err != nil {
		h.log.WithField("domain", dom).WithError(err).Warn("consume responses")
	}
}

// Raise produces a request on dom's monitor ring and signals the agent.
func (h *Hypervisor) Raise(dom xen.DomainID, e *xen.Event) error {
	d, err := h.domain("raise", dom)
	if err != nil {
		return err
	}
	local, err := d.produce(e)
	if err != nil {
		return err
	}
	if local != 0 {
		h.kick(local)
	}
	return nil
}

// MonitorControl.

func (h *Hypervisor) MonitorEnable(dom xen.DomainID) ([]byte, uint32, error) {
	d, err := h.domain("monitor_enable", dom)
	if err != nil {
		return nil, 0, err
	}
	return d.enableMonitor(h.allocPort())
}

func (h *Hypervisor) MonitorDisable(dom xen.DomainID) error {
	d, err := h.domain("monitor_disable", dom)
	if err != nil {
		return err
	}
	return d.disableMonitor()
}

func (h *Hypervisor) MonitorResume(dom xen.DomainID) error {
	d, err := h.domain("monitor_resume", dom)
	if err != nil {
		return err
	}
	return d.consumeResponses()
}

func (h *Hypervisor) MonitorCapabilities(dom xen.DomainID) (uint32, error) {
	if _, err := h.domain("monitor_get_capabilities", dom); err != nil {
		return 0, err
	}
	return Capabilities, nil
}

func (h *Hypervisor) MonitorWriteCtrlReg(dom xen.DomainID, reg xen.CtrlReg, enable, sync bool, bitmask uint64, onChangeOnly bool) error {
	d, err := h.domain("monitor_write_ctrlreg", dom)
	if err != nil {
		return err
	}
	if reg > xen.XCR0 {
		return xcErr("monitor_write_ctrlreg", unix.EINVAL)
	}
	return d.subscribe(func(m *monitorState) {
		if enable {
			m.ctrlregs[reg] = ctrlRegSub{sync: sync, bitmask: bitmask, onChangeOnly: onChangeOnly}
		} else {
			delete(m.ctrlregs, reg)
		}
	})
}

func (h *Hypervisor) MonitorMovToMsr(dom xen.DomainID, msr uint32, enable, onChangeOnly bool) error {
	d, err := h.domain("monitor_mov_to_msr", dom)
	if err != nil {
		return err
	}
	return d.subscribe(func(m *monitorState) {
		if enable {
			m.msrs[msr] = onChangeOnly
		} else {
			delete(m.msrs, msr)
		}
	})
}

func (h *Hypervisor) MonitorGuestRequest(dom xen.DomainID, enable, sync, allowUserspace bool) error {
	d, err := h.domain("monitor_guest_request", dom)
	if err != nil {
		return err
	}
	return d.subscribe(func(m *monitorState) {
		m.guestRequest = enable
		m.guestRequestSync = sync
		m.guestRequestUser = allowUserspace
	})
}

func (h *Hypervisor) MonitorInguestPagefault(dom xen.DomainID, disable bool) error {
	d, err := h.domain("monitor_inguest_pagefault", dom)
	if err != nil {
		return err
	}
	return d.subscribe(func(m *monitorState) { m.inguestPagefaultDisabled = disable })
}

func (h *Hypervisor) MonitorDebugExceptions(dom xen.DomainID, enable, sync bool) error {
	d, err := h.domain("monitor_debug_exceptions", dom)
	if err != nil {
		return err
	}
	return d.subscribe(func(m *monitorState) {
		m.debugExceptions = enable
		m.debugExceptionsSync = sync
	})
}

func (h *Hypervisor) MonitorVMExit(dom xen.DomainID, enable, sync bool) error {
	d, err := h.domain("monitor_vmexit", dom)
	if err != nil {
		return err
	}
	return d.subscribe(func(m *monitorState) {
		m.vmexit = enable
		m.vmexitSync = sync
	})
}

func (h *Hypervisor) MonitorToggle(dom xen.DomainID, class xen.MonitorClass, enable bool) error {
	d, err := h.domain("monitor_"+class.String(), dom)
	if err != nil {
		return err
	}
	if class < xen.MonitorSinglestep || class > xen.MonitorEmulateEachRep {
		return xcErr("monitor_"+class.String(), unix.EOPNOTSUPP)
	}
	return d.subscribe(func(m *monitorState) { m.classes[class] = enable })
}

func (h *Hypervisor) ReleaseRingPage(page []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.domains {
		if d.releasePage(page) {
			return nil
		}
	}
	return unix.EINVAL
}

func (h *Hypervisor) OpenEventChannel() (xen.EventChannel, error) {
	return newChannel(h)
}

// AltP2MControl.

func (h *Hypervisor) AltP2MSetDomainState(dom xen.DomainID, enabled bool) error {
	d, err := h.domain("altp2m_set_domain_state", dom)
	if err != nil {
		return err
	}
	d.setAltP2M(enabled)
	return nil
}

func (h *Hypervisor) AltP2MCreateView(dom xen.DomainID, def xen.MemoryAccess) (uint16, error) {
	d, err := h.domain("altp2m_create_view", dom)
	if err != nil {
		return 0, err
	}
	return d.createView(def)
}

func (h *Hypervisor) AltP2MDestroyView(dom xen.DomainID, view uint16) error {
	d, err := h.domain("altp2m_destroy_view", dom)
	if err != nil {
		return err
	}
	return d.destroyView(view)
}

func (h *Hypervisor) AltP2MSwitchToView(dom xen.DomainID, view uint16) error {
	d, err := h.domain("altp2m_switch_to_view", dom)
	if err != nil {
		return err
	}
	return d.switchView(view)
}

func (h *Hypervisor) AltP2MGetMemAccess(dom xen.DomainID, view uint16, gfn uint64) (xen.MemoryAccess, error) {
	d, err := h.domain("altp2m_get_mem_access", dom)
	if err != nil {
		return 0, err
	}
	return d.getAccess(view, gfn)
}

func (h *Hypervisor) AltP2MSetMemAccess(dom xen.DomainID, view uint16, gfn uint64, access xen.MemoryAccess) error {
	d, err := h.domain("altp2m_set_mem_access", dom)
	if err != nil {
		return err
	}
	return d.setAccess(view, []uint64{gfn}, []xen.MemoryAccess{access})
}

func (h *Hypervisor) AltP2MSetMemAccessMulti(dom xen.DomainID, view uint16, access []xen.MemoryAccess, gfns []uint64) error {
	d, err := h.domain("altp2m_set_mem_access_multi", dom)
	if err != nil {
		return err
	}
	if len(access) != len(gfns) {
		return xcErr("altp2m_set_mem_access_multi", unix.EINVAL)
	}
	return d.setAccess(view, gfns, access)
}

func (h *Hypervisor) AltP2MChangeGFN(dom xen.DomainID, view uint16, oldGFN, newGFN uint64) error {
	d, err := h.domain("altp2m_change_gfn", dom)
	if err != nil {
		return err
	}
	return d.changeGFN(view, oldGFN, newGFN)
}

// DomainControl.

func (h *Hypervisor) PauseDomain(dom xen.DomainID) error {
	d, err := h.domain("domain_pause", dom)
	if err != nil {
		return err
	}
	d.setPaused(true)
	return nil
}

func (h *Hypervisor) UnpauseDomain(dom xen.DomainID) error {
	d, err := h.domain("domain_unpause", dom)
	if err != nil {
		return err
	}
	d.setPaused(false)
	return nil
}

// DeviceModel.

func (h *Hypervisor) InjectEvent(dom xen.DomainID, vcpu xen.VcpuID, vector uint8, typ xen.X86EventType, errorCode uint32, insnLen uint8, extra uint64) error {
	d, err := h.domain("dm_inject_event", dom)
	if err != nil {
		return err
	}
	return d.inject(xen.Injection{
		Vcpu:      vcpu,
		Vector:    xen.X86ExceptionVector(vector),
		Type:      typ,
		ErrorCode: errorCode,
		InsnLen:   insnLen,
		Extra:     extra,
	})
}

func (h *Hypervisor) Close() error { return nil }

var _ xen.Control = (*Hypervisor)(nil)
