package xen

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86EventType classifies x86 events as in VMX interruption information
// bits 10:8 and SVM eventinj bits 10:8.
type X86EventType uint8

const (
	EventTypeExternalInterrupt           X86EventType = 0
	EventTypeReserved                    X86EventType = 1
	EventTypeNMI                         X86EventType = 2
	EventTypeHardwareException           X86EventType = 3
	EventTypeSoftwareInterrupt           X86EventType = 4
	EventTypePrivilegedSoftwareException X86EventType = 5
	EventTypeSoftwareException           X86EventType = 6
)

var x86EventTypeNames = [...]string{
	"external_interrupt",
	"reserved",
	"nmi",
	"hardware_exception",
	"software_interrupt",
	"privileged_software_exception",
	"software_exception",
}

// Valid reports whether t is a defined event type.
func (t X86EventType) Valid() bool {
	return int(t) < len(x86EventTypeNames)
}

func (t X86EventType) String() string {
	if t.Valid() {
		return x86EventTypeNames[t]
	}
	return fmt.Sprintf("event_type(%d)", uint8(t))
}

// X86ExceptionVector is an x86 exception vector number.
type X86ExceptionVector uint8

const (
	VectorDivideError         X86ExceptionVector = 0
	VectorDebug               X86ExceptionVector = 1
	VectorNMI                 X86ExceptionVector = 2
	VectorBreakpoint          X86ExceptionVector = 3
	VectorOverflow            X86ExceptionVector = 4
	VectorBoundRange          X86ExceptionVector = 5
	VectorInvalidOpcode       X86ExceptionVector = 6
	VectorDeviceNotAvailable  X86ExceptionVector = 7
	VectorDoubleFault         X86ExceptionVector = 8
	VectorInvalidTSS          X86ExceptionVector = 10
	VectorSegmentNotPresent   X86ExceptionVector = 11
	VectorStackSegmentFault   X86ExceptionVector = 12
	VectorGeneralProtection   X86ExceptionVector = 13
	VectorPageFault           X86ExceptionVector = 14
	VectorMathsFault          X86ExceptionVector = 16
	VectorAlignmentCheck      X86ExceptionVector = 17
	VectorMachineCheck        X86ExceptionVector = 18
	VectorSIMDException       X86ExceptionVector = 19
	VectorVirtualisation      X86ExceptionVector = 20
	VectorControlFlow         X86ExceptionVector = 21
	VectorHypervisorInjection X86ExceptionVector = 28
	VectorVMMCommunication    X86ExceptionVector = 29
	VectorSecurityException   X86ExceptionVector = 30
)

// EventData is the auxiliary payload of an event: *RegsX86, *EmulReadData
// or *EmulInsnData.
type EventData interface {
	dataKind() string
}

// SelectorReg is a segment's packed limit and access rights.
type SelectorReg struct {
	// Limit holds 20 bits. It is right-shifted by 12 when the granularity
	// bit of AR is set; see ByteLimit.
	Limit uint32
	// AR holds 12 bits of access rights in Xen's compressed layout.
	AR uint32
}

const (
	selectorLimitBits = 20
	selectorLimitMask = 1<<selectorLimitBits - 1
	selectorARMask    = 1<<12 - 1

	// arGranularity is the G bit inside the compressed access rights.
	arGranularity = 1 << 11
)

func unpackSelectorReg(v uint32) SelectorReg {
	return SelectorReg{
		Limit: v & selectorLimitMask,
		AR:    v >> selectorLimitBits & selectorARMask,
	}
}

func (s SelectorReg) pack() uint32 {
	return s.Limit&selectorLimitMask | (s.AR&selectorARMask)<<selectorLimitBits
}

// Granularity reports whether the limit is expressed in 4K units.
func (s SelectorReg) Granularity() bool {
	return s.AR&arGranularity != 0
}

// ByteLimit is the segment limit in bytes, undoing the 12-bit shift applied
// when Granularity is set.
func (s SelectorReg) ByteLimit() uint64 {
	if s.Granularity() {
		return uint64(s.Limit)<<12 | 0xfff
	}
	return uint64(s.Limit)
}

// RegsX86 is the x86 register snapshot exchanged with a paused vCPU.
type RegsX86 struct {
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64

	RFlags, DR6, DR7, RIP   uint64
	CR0, CR2, CR3, CR4      uint64
	SysenterCS              uint64
	SysenterESP             uint64
	SysenterEIP             uint64
	MsrEFER, MsrSTAR        uint64
	MsrLSTAR                uint64
	GDTRBase                uint64

	// NptBase is the guest physical address of the L1 hypervisor's EPT/NPT
	// tables when FlagNestedP2M is set.
	NptBase uint64
	// VMTracePos is the position in the vmtrace buffer, or ^0 when vmtrace
	// is inactive.
	VMTracePos uint64

	CSBase, SSBase, DSBase, ESBase uint32
	FSBase, GSBase                 uint64

	CS, SS, DS, ES, FS, GS SelectorReg

	ShadowGS  uint64
	GDTRLimit uint16

	CSSel, SSSel, DSSel, ESSel, FSSel, GSSel uint16
}

func (*RegsX86) dataKind() string { return "registers" }

// EmulReadDataMax is the capacity of the emulation read buffer. It shares
// storage with the register snapshot.
const EmulReadDataMax = regsX86Size - 4

// EmulReadData is returned to the emulator for reads of the emulated
// instruction. Only the first EmulReadDataMax bytes are encoded.
type EmulReadData struct {
	Data []byte
}

func (*EmulReadData) dataKind() string { return "emul_read" }

// EmulInsnDataSize is the size of the instruction buffer.
const EmulInsnDataSize = 16

// EmulInsnData is the instruction the emulator should execute. The buffer
// has to be completely filled.
type EmulInsnData struct {
	Data [EmulInsnDataSize]byte
}

func (*EmulInsnData) dataKind() string { return "emul_insn" }

// Disassemble decodes the first instruction in the buffer as 64-bit code.
func (d *EmulInsnData) Disassemble() (string, error) {
	inst, err := x86asm.Decode(d.Data[:], 64)
	if err != nil {
		return "", fmt.Errorf("decode instruction: %w", err)
	}
	return strings.ToLower(x86asm.IntelSyntax(inst, 0, nil)), nil
}

// DataKind names the payload carried by d, or "none".
func DataKind(d EventData) string {
	if d == nil {
		return "none"
	}
	return d.dataKind()
}
