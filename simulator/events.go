package simulator

import (
	"github.com/jnesss/vmi-recorder/xen"
)

// WriteCtrlReg has a vCPU write value to reg. The old value comes from the
// vCPU's registers.
func (h *Hypervisor) WriteCtrlReg(dom xen.DomainID, vcpu xen.VcpuID, reg xen.CtrlReg, value uint64) error {
	d, err := h.domain("write_ctrlreg", dom)
	if err != nil {
		return err
	}
	regs := d.Regs(vcpu)
	var old uint64
	switch reg {
	case xen.CR0:
		old = regs.CR0
	case xen.CR3:
		old = regs.CR3
	case xen.CR4:
		old = regs.CR4
	}
	return h.Raise(dom, &xen.Event{
		Vcpu:   vcpu,
		Reason: xen.WriteCtrlReg{Index: reg, NewValue: value, OldValue: old},
	})
}

// WriteMsr has a vCPU execute WRMSR.
func (h *Hypervisor) WriteMsr(dom xen.DomainID, vcpu xen.VcpuID, msr uint32, value uint64) error {
	d, err := h.domain("mov_to_msr", dom)
	if err != nil {
		return err
	}
	return h.Raise(dom, &xen.Event{
		Vcpu:   vcpu,
		Reason: xen.MovToMsr{MSR: uint64(msr), NewValue: value, OldValue: d.Msr(vcpu, msr)},
	})
}

// Cpuid has a vCPU execute CPUID.
func (h *Hypervisor) Cpuid(dom xen.DomainID, vcpu xen.VcpuID, leaf, subleaf uint32) error {
	return h.Raise(dom, &xen.Event{
		Vcpu:   vcpu,
		Reason: xen.Cpuid{InsnLength: 2, Leaf: leaf, Subleaf: subleaf},
	})
}

// Breakpoint has a vCPU hit an INT3 in gfn.
func (h *Hypervisor) Breakpoint(dom xen.DomainID, vcpu xen.VcpuID, gfn uint64) error {
	return h.Raise(dom, &xen.Event{
		Vcpu: vcpu,
		Reason: xen.SoftwareBreakpoint{Debug: xen.Debug{
			GFN:        gfn,
			InsnLength: 1,
			Type:       xen.EventTypeSoftwareException,
		}},
	})
}

// GuestRequest has a vCPU issue HVMOP_guest_request_vm_event.
func (h *Hypervisor) GuestRequest(dom xen.DomainID, vcpu xen.VcpuID) error {
	return h.Raise(dom, &xen.Event{Vcpu: vcpu, Reason: xen.GuestRequest{}})
}

// IO has a vCPU execute IN or OUT.
func (h *Hypervisor) IO(dom xen.DomainID, vcpu xen.VcpuID, port uint16, bytes uint32, in bool) error {
	r := xen.IOInstruction{Bytes: bytes, Port: port}
	if in {
		r.In = 1
	}
	return h.Raise(dom, &xen.Event{Vcpu: vcpu, Reason: r})
}

// Step retires one instruction on a vCPU. A singlestep event is raised only
// while singlestep monitoring is on.
func (h *Hypervisor) Step(dom xen.DomainID, vcpu xen.VcpuID, gfn uint64) error {
	return h.Raise(dom, &xen.Event{Vcpu: vcpu, Reason: xen.Singlestep{GFN: gfn}})
}

// Access has a vCPU touch gfn. If the vCPU's view denies the access a
// mem_access event is raised and raised is true.
func (h *Hypervisor) Access(dom xen.DomainID, vcpu xen.VcpuID, gfn, offset uint64, access xen.MemoryAccess) (raised bool, err error) {
	d, err := h.domain("mem_access", dom)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	state, err := d.vcpu(vcpu)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	id := state.view
	allowed := d.views[id].get(gfn)
	d.mu.Unlock()

	switch allowed {
	case xen.AccessRX2RW, xen.AccessN2RWX:
		// Converting combinators trap once and then allow.
		if err := d.setAccess(id, []uint64{gfn}, []xen.MemoryAccess{convert(allowed)}); err != nil {
			return false, err
		}
		if allowed == xen.AccessRX2RW && !access.Has(xen.AccessW) {
			return false, nil
		}
	case xen.AccessRPW:
		if !access.Has(xen.AccessW) {
			return false, nil
		}
	default:
		if allowed.Has(access) {
			return false, nil
		}
	}
	err = h.Raise(dom, &xen.Event{
		Vcpu: vcpu,
		Reason: xen.MemAccess{
			GFN:    gfn,
			Offset: offset,
			Flags:  uint32(access) & xen.MemAccessRWX,
		},
	})
	return err == nil, err
}

func convert(a xen.MemoryAccess) xen.MemoryAccess {
	if a == xen.AccessRX2RW {
		return xen.AccessRW
	}
	return xen.AccessRWX
}
