package xen

import (
	"fmt"
)

// ReasonCode is the wire discriminator of a vm_event.
type ReasonCode uint32

const (
	ReasonUnknown            ReasonCode = 0
	ReasonMemAccess          ReasonCode = 1
	ReasonMemSharing         ReasonCode = 2
	ReasonMemPaging          ReasonCode = 3
	ReasonWriteCtrlReg       ReasonCode = 4
	ReasonMovToMsr           ReasonCode = 5
	ReasonSoftwareBreakpoint ReasonCode = 6
	ReasonSinglestep         ReasonCode = 7
	ReasonGuestRequest       ReasonCode = 8
	ReasonDebugException     ReasonCode = 9
	ReasonCpuid              ReasonCode = 10
	ReasonPrivilegedCall     ReasonCode = 11
	ReasonInterrupt          ReasonCode = 12
	ReasonDescriptorAccess   ReasonCode = 13
	ReasonEmulUnimplemented  ReasonCode = 14
	ReasonVMExit             ReasonCode = 15
	ReasonIOInstruction      ReasonCode = 16
)

var reasonNames = [...]string{
	"unknown",
	"mem_access",
	"mem_sharing",
	"mem_paging",
	"write_ctrlreg",
	"mov_to_msr",
	"software_breakpoint",
	"singlestep",
	"guest_request",
	"debug_exception",
	"cpuid",
	"privileged_call",
	"interrupt",
	"descriptor_access",
	"emul_unimplemented",
	"vmexit",
	"io_instruction",
}

func (r ReasonCode) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

// Reason is the reason-specific payload of an event. The concrete type
// identifies the reason.
type Reason interface {
	Code() ReasonCode
}

// Unknown is any reason code this package does not understand. Raw keeps the
// wire value so it survives a decode/encode cycle.
type Unknown struct {
	Raw uint32
}

// MemAccess reports a violation of a page permission.
type MemAccess struct {
	GFN    uint64
	Offset uint64
	GLA    uint64
	// Flags classifies the access (MemAccessR, ...).
	Flags uint32
}

// Access classification bits of MemAccess.Flags.
const (
	MemAccessR             uint32 = 1 << 0
	MemAccessW             uint32 = 1 << 1
	MemAccessX             uint32 = 1 << 2
	MemAccessRWX           uint32 = MemAccessR | MemAccessW | MemAccessX
	MemAccessGLAValid      uint32 = 1 << 3
	MemAccessFaultWithGLA  uint32 = 1 << 4
	MemAccessFaultInGPT    uint32 = 1 << 5
	MemAccessGLAFaultInGPT uint32 = 1 << 6
)

// Access returns the r/w/x part of the classification as a permission.
func (m MemAccess) Access() MemoryAccess {
	return MemoryAccess(m.Flags & MemAccessRWX)
}

// MemSharing reports a memory sharing event.
type MemSharing struct {
	GFN  uint64
	P2MT uint32
}

// MemPaging reports a memory paging event.
type MemPaging struct {
	GFN   uint64
	P2MT  uint32
	Flags uint32
}

// CtrlReg is a control register index of write_ctrlreg events.
type CtrlReg uint32

const (
	CR0  CtrlReg = 0
	CR3  CtrlReg = 1
	CR4  CtrlReg = 2
	XCR0 CtrlReg = 3
)

func (c CtrlReg) String() string {
	switch c {
	case CR0:
		return "cr0"
	case CR3:
		return "cr3"
	case CR4:
		return "cr4"
	case XCR0:
		return "xcr0"
	}
	return fmt.Sprintf("ctrlreg(%d)", uint32(c))
}

// ParseCtrlReg parses the lower-case register names used by String.
func ParseCtrlReg(s string) (CtrlReg, error) {
	for _, c := range []CtrlReg{CR0, CR3, CR4, XCR0} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown control register %q", s)
}

// WriteCtrlReg reports a control register write. A DENY response vetoes it.
type WriteCtrlReg struct {
	Index    CtrlReg
	NewValue uint64
	OldValue uint64
}

// MovToMsr reports an MSR write. A DENY response vetoes it.
type MovToMsr struct {
	MSR      uint64
	NewValue uint64
	OldValue uint64
}

// Debug is the payload of software breakpoint and debug exception events.
type Debug struct {
	GFN uint64
	// PendingDbg behaves like the VT-x PENDING_DBG field.
	PendingDbg uint64
	InsnLength uint32
	Type       X86EventType
}

// SoftwareBreakpoint reports an INT3.
type SoftwareBreakpoint struct{ Debug }

// DebugException reports a debug exception.
type DebugException struct{ Debug }

// Singlestep reports a singlestep trap (e.g. MTF).
type Singlestep struct {
	GFN uint64
}

// GuestRequest is raised by HVMOP_guest_request_vm_event.
type GuestRequest struct{}

// Cpuid reports a CPUID instruction.
type Cpuid struct {
	InsnLength uint32
	Leaf       uint32
	Subleaf    uint32
}

// PrivilegedCall reports a privileged call such as SMC.
type PrivilegedCall struct{}

// Interrupt reports a delivered interrupt.
type Interrupt struct {
	Vector    uint32
	Type      uint32
	ErrorCode uint32
	CR2       uint64
}

// Descriptor table selectors of DescriptorAccess.Descriptor.
const (
	DescIDTR uint8 = 1
	DescGDTR uint8 = 2
	DescLDTR uint8 = 3
	DescTR   uint8 = 4
)

// DescriptorAccess reports an access to a descriptor table register.
type DescriptorAccess struct {
	// InstrInfo is the VMX instruction-information field.
	InstrInfo uint32
	// ExitQualification is the VMX exit qualification.
	ExitQualification uint64
	Descriptor        uint8
	IsWrite           uint8
}

// EmulUnimplemented reports an instruction the emulator cannot handle.
type EmulUnimplemented struct{}

// VMExit reports a raw VM exit.
type VMExit struct {
	Reason        uint64
	Qualification uint64
}

// IOInstruction reports an IN/OUT instruction.
type IOInstruction struct {
	// Bytes is the access width.
	Bytes uint32
	Port  uint16
	// In is 1 for IN, 0 for OUT.
	In uint8
	// Str is 1 for string instructions.
	Str uint8
}

func (Unknown) Code() ReasonCode            { return ReasonUnknown }
func (MemAccess) Code() ReasonCode          { return ReasonMemAccess }
func (MemSharing) Code() ReasonCode         { return ReasonMemSharing }
func (MemPaging) Code() ReasonCode          { return ReasonMemPaging }
func (WriteCtrlReg) Code() ReasonCode       { return ReasonWriteCtrlReg }
func (MovToMsr) Code() ReasonCode           { return ReasonMovToMsr }
func (SoftwareBreakpoint) Code() ReasonCode { return ReasonSoftwareBreakpoint }
func (Singlestep) Code() ReasonCode         { return ReasonSinglestep }
func (GuestRequest) Code() ReasonCode       { return ReasonGuestRequest }
func (DebugException) Code() ReasonCode     { return ReasonDebugException }
func (Cpuid) Code() ReasonCode              { return ReasonCpuid }
func (PrivilegedCall) Code() ReasonCode     { return ReasonPrivilegedCall }
func (Interrupt) Code() ReasonCode          { return ReasonInterrupt }
func (DescriptorAccess) Code() ReasonCode   { return ReasonDescriptorAccess }
func (EmulUnimplemented) Code() ReasonCode  { return ReasonEmulUnimplemented }
func (VMExit) Code() ReasonCode             { return ReasonVMExit }
func (IOInstruction) Code() ReasonCode      { return ReasonIOInstruction }

// FastSinglestep names the view the vCPU switches to after one step.
type FastSinglestep struct {
	P2MIdx uint16
}

// FlagOptions carries response-only auxiliary data.
type FlagOptions struct {
	FastSinglestep *FastSinglestep
}

// Event is one vm_event request or response.
type Event struct {
	Flags  EventFlag
	Reason Reason
	Vcpu   VcpuID
	// AltP2MIdx is the view the event occurred in (request) or should
	// resume in (response), when FlagAlternateP2M is set.
	AltP2MIdx uint16
	Options   *FlagOptions
	// Data is one of *RegsX86, *EmulReadData or *EmulInsnData.
	Data EventData
}

// Regs returns the register snapshot, if Data holds one.
func (e *Event) Regs() (*RegsX86, bool) {
	r, ok := e.Data.(*RegsX86)
	return r, ok
}

// Response builds the default response to a request: same vCPU, reason
// and view, with the vCPU unpaused if the request paused it.
func (e *Event) Response() *Event {
	return &Event{
		Flags:     e.Flags & FlagVcpuPaused,
		Reason:    e.Reason,
		Vcpu:      e.Vcpu,
		AltP2MIdx: e.AltP2MIdx,
	}
}

func (e *Event) String() string {
	code := ReasonUnknown
	if e.Reason != nil {
		code = e.Reason.Code()
	}
	return fmt.Sprintf("%s vcpu=%d flags=%s altp2m=%d", code, e.Vcpu, e.Flags, e.AltP2MIdx)
}
