//go:build linux && cgo && xen

package platform

/*
#cgo LDFLAGS: -lxenctrl -lxendevicemodel
#include <stdlib.h>
#include <sys/mman.h>
#include <xenctrl.h>
#include <xendevicemodel.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/jnesss/vmi-recorder/xen"
)

// XenCtrl implements xen.Control on libxenctrl and libxendevicemodel.
type XenCtrl struct {
	mu   sync.Mutex
	xch  *C.xc_interface
	dmod *C.xendevicemodel_handle
}

// OpenControl opens the hypervisor control interfaces.
func OpenControl() (xen.Control, error) {
	xch := C.xc_interface_open(nil, nil, 0)
	if xch == nil {
		return nil, fmt.Errorf("failed to open xenctrl interface")
	}
	dmod := C.xendevicemodel_open(nil, 0)
	if dmod == nil {
		C.xc_interface_close(xch)
		return nil, fmt.Errorf("failed to open xendevicemodel interface")
	}
	return &XenCtrl{xch: xch, dmod: dmod}, nil
}

func (x *XenCtrl) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.xch == nil {
		return nil
	}
	C.xendevicemodel_close(x.dmod)
	rc := C.xc_interface_close(x.xch)
	x.xch, x.dmod = nil, nil
	if rc != 0 {
		return &xen.XcError{Op: "xc_interface_close", Rc: int(rc)}
	}
	return nil
}

// check turns a libxenctrl return code into an error carrying the last
// error recorded on the handle.
func (x *XenCtrl) check(op string, rc C.int) error {
	if rc >= 0 {
		return nil
	}
	e := &xen.XcError{Op: op, Rc: int(rc)}
	if last := C.xc_get_last_error(x.xch); last != nil {
		e.Code = uint32(last.code)
		e.Desc = C.GoString(&last.message[0])
		if e.Desc == "" {
			e.Desc = C.GoString(C.xc_error_code_to_desc(C.int(last.code)))
		}
	}
	return e
}

func cbool(b bool) C.bool { return C.bool(b) }

func (x *XenCtrl) MonitorEnable(dom xen.DomainID) ([]byte, uint32, error) {
	var port C.uint32_t
	p := C.xc_monitor_enable(x.xch, C.uint32_t(dom), &port)
	if p == nil {
		return nil, 0, x.check("xc_monitor_enable", -1)
	}
	return unsafe.Slice((*byte)(p), xen.PageSize), uint32(port), nil
}

func (x *XenCtrl) MonitorDisable(dom xen.DomainID) error {
	return x.check("xc_monitor_disable", C.xc_monitor_disable(x.xch, C.uint32_t(dom)))
}

func (x *XenCtrl) MonitorResume(dom xen.DomainID) error {
	return x.check("xc_monitor_resume", C.xc_monitor_resume(x.xch, C.uint32_t(dom)))
}

func (x *XenCtrl) MonitorCapabilities(dom xen.DomainID) (uint32, error) {
	var caps C.uint32_t
	if err := x.check("xc_monitor_get_capabilities", C.xc_monitor_get_capabilities(x.xch, C.uint32_t(dom), &caps)); err != nil {
		return 0, err
	}
	return uint32(caps), nil
}

func (x *XenCtrl) MonitorWriteCtrlReg(dom xen.DomainID, reg xen.CtrlReg, enable, sync bool, bitmask uint64, onChangeOnly bool) error {
	rc := C.xc_monitor_write_ctrlreg(x.xch, C.uint32_t(dom), C.uint16_t(reg), cbool(enable), cbool(sync), C.uint64_t(bitmask), cbool(onChangeOnly))
	return x.check("xc_monitor_write_ctrlreg", rc)
}

func (x *XenCtrl) MonitorMovToMsr(dom xen.DomainID, msr uint32, enable, onChangeOnly bool) error {
	rc := C.xc_monitor_mov_to_msr(x.xch, C.uint32_t(dom), C.uint32_t(msr), cbool(enable), cbool(onChangeOnly))
	return x.check("xc_monitor_mov_to_msr", rc)
}

func (x *XenCtrl) MonitorGuestRequest(dom xen.DomainID, enable, sync, allowUserspace bool) error {
	rc := C.xc_monitor_guest_request(x.xch, C.uint32_t(dom), cbool(enable), cbool(sync), cbool(allowUserspace))
	return x.check("xc_monitor_guest_request", rc)
}

func (x *XenCtrl) MonitorInguestPagefault(dom xen.DomainID, disable bool) error {
	return x.check("xc_monitor_inguest_pagefault", C.xc_monitor_inguest_pagefault(x.xch, C.uint32_t(dom), cbool(disable)))
}

func (x *XenCtrl) MonitorDebugExceptions(dom xen.DomainID, enable, sync bool) error {
	return x.check("xc_monitor_debug_exceptions", C.xc_monitor_debug_exceptions(x.xch, C.uint32_t(dom), cbool(enable), cbool(sync)))
}

func (x *XenCtrl) MonitorVMExit(dom xen.DomainID, enable, sync bool) error {
	return x.check("xc_monitor_vmexit", C.xc_monitor_vmexit(x.xch, C.uint32_t(dom), cbool(enable), cbool(sync)))
}

func (x *XenCtrl) MonitorToggle(dom xen.DomainID, class xen.MonitorClass, enable bool) error {
	d, e := C.uint32_t(dom), cbool(enable)
	var rc C.int
	switch class {
	case xen.MonitorSinglestep:
		rc = C.xc_monitor_singlestep(x.xch, d, e)
	case xen.MonitorSoftwareBreakpoint:
		rc = C.xc_monitor_software_breakpoint(x.xch, d, e)
	case xen.MonitorDescriptorAccess:
		rc = C.xc_monitor_descriptor_access(x.xch, d, e)
	case xen.MonitorCpuid:
		rc = C.xc_monitor_cpuid(x.xch, d, e)
	case xen.MonitorPrivilegedCall:
		rc = C.xc_monitor_privileged_call(x.xch, d, e)
	case xen.MonitorEmulUnimplemented:
		rc = C.xc_monitor_emul_unimplemented(x.xch, d, e)
	case xen.MonitorEmulateEachRep:
		rc = C.xc_monitor_emulate_each_rep(x.xch, d, e)
	case xen.MonitorIO:
		rc = C.xc_monitor_io(x.xch, d, e)
	default:
		return fmt.Errorf("unknown monitor class %s", class)
	}
	return x.check("xc_monitor_"+class.String(), rc)
}

func (x *XenCtrl) ReleaseRingPage(page []byte) error {
	if len(page) == 0 {
		return nil
	}
	if rc := C.munmap(unsafe.Pointer(&page[0]), C.size_t(len(page))); rc != 0 {
		return fmt.Errorf("munmap ring page: rc %d", int(rc))
	}
	return nil
}

func (x *XenCtrl) OpenEventChannel() (xen.EventChannel, error) {
	return xen.OpenEventChannel()
}

func (x *XenCtrl) AltP2MSetDomainState(dom xen.DomainID, enabled bool) error {
	return x.check("xc_altp2m_set_domain_state", C.xc_altp2m_set_domain_state(x.xch, C.uint32_t(dom), cbool(enabled)))
}

func (x *XenCtrl) AltP2MCreateView(dom xen.DomainID, defaultAccess xen.MemoryAccess) (uint16, error) {
	var id C.uint16_t
	rc := C.xc_altp2m_create_view(x.xch, C.uint32_t(dom), C.xenmem_access_t(defaultAccess), &id)
	if err := x.check("xc_altp2m_create_view", rc); err != nil {
		return 0, err
	}
	return uint16(id), nil
}

func (x *XenCtrl) AltP2MDestroyView(dom xen.DomainID, view uint16) error {
	return x.check("xc_altp2m_destroy_view", C.xc_altp2m_destroy_view(x.xch, C.uint32_t(dom), C.uint16_t(view)))
}

func (x *XenCtrl) AltP2MSwitchToView(dom xen.DomainID, view uint16) error {
	return x.check("xc_altp2m_switch_to_view", C.xc_altp2m_switch_to_view(x.xch, C.uint32_t(dom), C.uint16_t(view)))
}

func (x *XenCtrl) AltP2MGetMemAccess(dom xen.DomainID, view uint16, gfn uint64) (xen.MemoryAccess, error) {
	var access C.xenmem_access_t
	rc := C.xc_altp2m_get_mem_access(x.xch, C.uint32_t(dom), C.uint16_t(view), C.xen_pfn_t(gfn), &access)
	if err := x.check("xc_altp2m_get_mem_access", rc); err != nil {
		return 0, err
	}
	return xen.MemoryAccess(access), nil
}

func (x *XenCtrl) AltP2MSetMemAccess(dom xen.DomainID, view uint16, gfn uint64, access xen.MemoryAccess) error {
	rc := C.xc_altp2m_set_mem_access(x.xch, C.uint32_t(dom), C.uint16_t(view), C.xen_pfn_t(gfn), C.xenmem_access_t(access))
	return x.check("xc_altp2m_set_mem_access", rc)
}

func (x *XenCtrl) AltP2MSetMemAccessMulti(dom xen.DomainID, view uint16, access []xen.MemoryAccess, gfns []uint64) error {
	if len(gfns) == 0 {
		return nil
	}
	// The arrays are handed to the hypercall buffer code, so they live in C
	// memory for the duration of the call.
	cAccess := (*C.uint8_t)(C.malloc(C.size_t(len(access))))
	defer C.free(unsafe.Pointer(cAccess))
	cGfns := (*C.uint64_t)(C.malloc(C.size_t(len(gfns) * 8)))
	defer C.free(unsafe.Pointer(cGfns))

	a := unsafe.Slice((*uint8)(unsafe.Pointer(cAccess)), len(access))
	for i, v := range access {
		a[i] = uint8(v)
	}
	copy(unsafe.Slice((*uint64)(unsafe.Pointer(cGfns)), len(gfns)), gfns)

	rc := C.xc_altp2m_set_mem_access_multi(x.xch, C.uint32_t(dom), C.uint16_t(view), cAccess, cGfns, C.uint32_t(len(gfns)))
	return x.check("xc_altp2m_set_mem_access_multi", rc)
}

func (x *XenCtrl) AltP2MChangeGFN(dom xen.DomainID, view uint16, oldGFN, newGFN uint64) error {
	rc := C.xc_altp2m_change_gfn(x.xch, C.uint32_t(dom), C.uint16_t(view), C.xen_pfn_t(oldGFN), C.xen_pfn_t(newGFN))
	return x.check("xc_altp2m_change_gfn", rc)
}

func (x *XenCtrl) PauseDomain(dom xen.DomainID) error {
	return x.check("xc_domain_pause", C.xc_domain_pause(x.xch, C.uint32_t(dom)))
}

func (x *XenCtrl) UnpauseDomain(dom xen.DomainID) error {
	return x.check("xc_domain_unpause", C.xc_domain_unpause(x.xch, C.uint32_t(dom)))
}

func (x *XenCtrl) InjectEvent(dom xen.DomainID, vcpu xen.VcpuID, vector uint8, typ xen.X86EventType, errorCode uint32, insnLen uint8, extra uint64) error {
	rc := C.xendevicemodel_inject_event(x.dmod, C.domid_t(dom), C.int(vcpu), C.uint8_t(vector), C.uint8_t(typ), C.uint32_t(errorCode), C.uint8_t(insnLen), C.uint64_t(extra))
	if rc != 0 {
		return &xen.XcError{Op: "xendevicemodel_inject_event", Rc: int(rc), Desc: "device model rejected injection"}
	}
	return nil
}
