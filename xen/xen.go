// Package xen implements the Xen vm_event introspection pipeline.
//
// A Monitor enables the hypervisor's monitoring subsystem for one guest.
// The hypervisor allocates a shared ring page and an event channel port as a
// side effect; the page is wrapped by an EventRing and the port by an
// EventChannelPort. The agent then loops: wait on the port, drain requests
// from the ring, decide a disposition, put a response, notify the port.
//
// Hypervisor entry points are reached through the Control interface so the
// core can run against libxenctrl (see the platform package) or against the
// in-process simulator used by the tests.
package xen

import (
	"fmt"
	"strconv"
)

// PageSize is the size of a Xen page and of the shared monitor ring.
const PageSize = 4096

// DomainID identifies a guest domain.
type DomainID uint32

func (d DomainID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// VcpuID identifies one virtual CPU of a domain.
type VcpuID uint16

func (v VcpuID) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// MemoryAccess is a page permission as seen by the guest. The numeric values
// are Xen's xenmem_access_t enumeration and are part of the hypervisor ABI.
type MemoryAccess uint8

const (
	AccessNone MemoryAccess = 0
	AccessR    MemoryAccess = 1
	AccessW    MemoryAccess = 2
	AccessRW   MemoryAccess = 3
	AccessX    MemoryAccess = 4
	AccessRX   MemoryAccess = 5
	AccessWX   MemoryAccess = 6
	AccessRWX  MemoryAccess = 7

	// AccessRX2RW is rx, converted to rw by the hypervisor on the first write.
	AccessRX2RW MemoryAccess = 8
	// AccessN2RWX is no access, converted to rwx after the first event.
	AccessN2RWX MemoryAccess = 9
	// AccessRPW is read, with a paused vCPU on write.
	AccessRPW MemoryAccess = 10
	// AccessDefault asks the hypervisor for the domain default.
	AccessDefault MemoryAccess = 11
)

// IsCombinator reports whether m is one of the hypervisor-reserved codes
// that do not decompose into r/w/x bits.
func (m MemoryAccess) IsCombinator() bool {
	return m > AccessRWX
}

// Has reports whether every r/w/x bit of p is present in m. Combinator codes
// never contain anything.
func (m MemoryAccess) Has(p MemoryAccess) bool {
	if m.IsCombinator() || p.IsCombinator() {
		return false
	}
	return m&p == p
}

// Union combines two plain permissions.
func (m MemoryAccess) Union(p MemoryAccess) MemoryAccess {
	return (m | p) & AccessRWX
}

// Without removes the bits of p from m.
func (m MemoryAccess) Without(p MemoryAccess) MemoryAccess {
	return m &^ p & AccessRWX
}

// String formats plain permissions as "rwx"-style triplets and combinator
// codes by name.
func (m MemoryAccess) String() string {
	switch m {
	case AccessRX2RW:
		return "rx2rw"
	case AccessN2RWX:
		return "n2rwx"
	case AccessRPW:
		return "r_pw"
	case AccessDefault:
		return "default"
	}
	if m.IsCombinator() {
		return fmt.Sprintf("access(%d)", uint8(m))
	}
	b := []byte("---")
	if m&AccessR != 0 {
		b[0] = 'r'
	}
	if m&AccessW != 0 {
		b[1] = 'w'
	}
	if m&AccessX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseMemoryAccess is the inverse of MemoryAccess.String.
func ParseMemoryAccess(s string) (MemoryAccess, error) {
	switch s {
	case "rx2rw":
		return AccessRX2RW, nil
	case "n2rwx":
		return AccessN2RWX, nil
	case "r_pw":
		return AccessRPW, nil
	case "default":
		return AccessDefault, nil
	}
	if len(s) != 3 {
		return 0, fmt.Errorf("invalid memory access %q", s)
	}
	var m MemoryAccess
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			m |= 1 << i
		case '-':
		default:
			return 0, fmt.Errorf("invalid memory access %q", s)
		}
	}
	return m, nil
}
