package xen

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Monitor is an enabled monitor session for one domain. It owns the ring
// page; Close disables monitoring and unmaps the page.
type Monitor struct {
	ctrl   MonitorControl
	domain DomainID
	port   uint32
	ring   *EventRing
	closed bool
	log    *logrus.Entry
}

// EnableMonitor enables monitoring of dom and returns the session and the
// back ring over its freshly initialized page.
func EnableMonitor(ctrl MonitorControl, dom DomainID) (*Monitor, *EventRing, error) {
	entry := logrus.WithField("domain", dom)
	page, port, err := ctrl.MonitorEnable(dom)
	if err != nil {
		return nil, nil, fmt.Errorf("enable monitor for domain %s: %w", dom, err)
	}
	ring, err := NewEventRing(page)
	if err != nil {
		if derr := ctrl.MonitorDisable(dom); derr != nil {
			entry.WithError(derr).Warn("disable monitor after failed ring setup")
		}
		if uerr := ctrl.ReleaseRingPage(page); uerr != nil {
			entry.WithError(uerr).Warn("unmap ring page")
		}
		return nil, nil, fmt.Errorf("attach ring for domain %s: %w", dom, err)
	}
	entry.WithFields(logrus.Fields{"port": port, "slots": ring.Size()}).Info("monitor enabled")
	return &Monitor{
		ctrl:   ctrl,
		domain: dom,
		port:   port,
		ring:   ring,
		log:    entry,
	}, ring, nil
}

// Domain is the monitored domain.
func (m *Monitor) Domain() DomainID { return m.domain }

// Port is the remote event channel port allocated by the hypervisor.
func (m *Monitor) Port() uint32 { return m.port }

// Channel opens an event channel device and binds the session's port on it.
func (m *Monitor) Channel() (*EventChannelPort, error) {
	if m.closed {
		return nil, ErrClosed
	}
	ch, err := m.ctrl.OpenEventChannel()
	if err != nil {
		return nil, fmt.Errorf("open event channel: %w", err)
	}
	return m.BindChannel(ch)
}

// BindChannel binds the monitor port on an event channel the caller already
// opened. The returned port owns ch; ch is closed if binding fails.
func (m *Monitor) BindChannel(ch EventChannel) (*EventChannelPort, error) {
	if m.closed {
		ch.Close()
		return nil, ErrClosed
	}
	return BindEventChannelPort(ch, m.domain, m.port)
}

func (m *Monitor) check(op string, err error) error {
	if err != nil {
		return fmt.Errorf("monitor %s for domain %s: %w", op, m.domain, err)
	}
	return nil
}

// Resume asks the hypervisor to process responses already on the ring.
func (m *Monitor) Resume() error {
	return m.check("resume", m.ctrl.MonitorResume(m.domain))
}

// Capabilities is the bitmap of supported monitor event reasons, indexed by
// ReasonCode.
func (m *Monitor) Capabilities() (uint32, error) {
	caps, err := m.ctrl.MonitorCapabilities(m.domain)
	return caps, m.check("get_capabilities", err)
}

// Supports reports whether caps includes reason.
func Supports(caps uint32, reason ReasonCode) bool {
	return reason < 32 && caps&(1<<reason) != 0
}

// WriteCtrlReg subscribes to writes of reg. Bits set in bitmask are ignored
// when onChangeOnly compares old and new values.
func (m *Monitor) WriteCtrlReg(reg CtrlReg, enable, sync bool, bitmask uint64, onChangeOnly bool) error {
	err := m.ctrl.MonitorWriteCtrlReg(m.domain, reg, enable, sync, bitmask, onChangeOnly)
	return m.check("write_ctrlreg "+reg.String(), err)
}

// MovToMsr subscribes to writes of msr. MSR write events are always
// synchronous.
func (m *Monitor) MovToMsr(msr uint32, enable, onChangeOnly bool) error {
	err := m.ctrl.MonitorMovToMsr(m.domain, msr, enable, onChangeOnly)
	return m.check(fmt.Sprintf("mov_to_msr %#x", msr), err)
}

func (m *Monitor) toggle(class MonitorClass, enable bool) error {
	return m.check(class.String(), m.ctrl.MonitorToggle(m.domain, class, enable))
}

func (m *Monitor) Singlestep(enable bool) error {
	return m.toggle(MonitorSinglestep, enable)
}

func (m *Monitor) SoftwareBreakpoint(enable bool) error {
	return m.toggle(MonitorSoftwareBreakpoint, enable)
}

func (m *Monitor) DescriptorAccess(enable bool) error {
	return m.toggle(MonitorDescriptorAccess, enable)
}

func (m *Monitor) Cpuid(enable bool) error {
	return m.toggle(MonitorCpuid, enable)
}

func (m *Monitor) PrivilegedCall(enable bool) error {
	return m.toggle(MonitorPrivilegedCall, enable)
}

func (m *Monitor) EmulUnimplemented(enable bool) error {
	return m.toggle(MonitorEmulUnimplemented, enable)
}

func (m *Monitor) IO(enable bool) error {
	return m.toggle(MonitorIO, enable)
}

// EmulateEachRep makes REP-prefixed instructions raise one mem_access event
// per iteration.
func (m *Monitor) EmulateEachRep(enable bool) error {
	return m.toggle(MonitorEmulateEachRep, enable)
}

// GuestRequest subscribes to HVMOP_guest_request_vm_event, optionally from
// guest user mode.
func (m *Monitor) GuestRequest(enable, sync, allowUserspace bool) error {
	return m.check("guest_request", m.ctrl.MonitorGuestRequest(m.domain, enable, sync, allowUserspace))
}

// InguestPagefault disables (or re-enables) mem_access events for faults
// raised by the guest's own page walks.
func (m *Monitor) InguestPagefault(disable bool) error {
	return m.check("inguest_pagefault", m.ctrl.MonitorInguestPagefault(m.domain, disable))
}

func (m *Monitor) DebugExceptions(enable, sync bool) error {
	return m.check("debug_exceptions", m.ctrl.MonitorDebugExceptions(m.domain, enable, sync))
}

func (m *Monitor) VMExit(enable, sync bool) error {
	return m.check("vmexit", m.ctrl.MonitorVMExit(m.domain, enable, sync))
}

// Close disables monitoring and unmaps the ring page. Both steps run even if
// the other fails; the ring returned by EnableMonitor is unusable afterwards.
// Close the event channel port before calling Close.
func (m *Monitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	page := m.ring.detach()
	var first error
	if err := m.ctrl.MonitorDisable(m.domain); err != nil {
		m.log.WithError(err).Warn("disable monitor")
		first = m.check("disable", err)
	}
	if err := m.ctrl.ReleaseRingPage(page); err != nil {
		m.log.WithError(err).Warn("unmap ring page")
		if first == nil {
			first = fmt.Errorf("unmap ring page: %w", err)
		}
	}
	m.log.Info("monitor disabled")
	return first
}
