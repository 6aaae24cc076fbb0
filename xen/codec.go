package xen

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// InterfaceVersion is VM_EVENT_INTERFACE_VERSION. Every slot carries it.
	InterfaceVersion = 7

	// EventSize is sizeof(vm_event_request_t).
	EventSize = 400

	headerSize  = 24
	unionOffset = headerSize
	unionSize   = 32
	dataOffset  = unionOffset + unionSize
	regsX86Size = 344
)

var le = binary.LittleEndian

// wireCursor walks a fixed-layout little-endian record field by field.
type wireCursor struct {
	b   []byte
	off int
}

func (c *wireCursor) u8() uint8 {
	v := c.b[c.off]
	c.off++
	return v
}

func (c *wireCursor) u16() uint16 {
	v := le.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *wireCursor) u32() uint32 {
	v := le.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *wireCursor) u64() uint64 {
	v := le.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *wireCursor) put8(v uint8) {
	c.b[c.off] = v
	c.off++
}

func (c *wireCursor) put16(v uint16) {
	le.PutUint16(c.b[c.off:], v)
	c.off += 2
}

func (c *wireCursor) put32(v uint32) {
	le.PutUint32(c.b[c.off:], v)
	c.off += 4
}

func (c *wireCursor) put64(v uint64) {
	le.PutUint64(c.b[c.off:], v)
	c.off += 8
}

func (c *wireCursor) skip(n int) {
	c.off += n
}

// DecodeEvent parses one ring slot. Unrecognized reason codes decode to
// Unknown. Options is always nil: the fast-singlestep target is
// response-only.
func DecodeEvent(b []byte) (*Event, error) {
	if len(b) < EventSize {
		return nil, fmt.Errorf("decode vm_event: %d bytes: %w", len(b), io.ErrUnexpectedEOF)
	}
	if v := le.Uint32(b[0:]); v != InterfaceVersion {
		return nil, fmt.Errorf("decode vm_event: version %d, want %d: %w", v, InterfaceVersion, ErrInterfaceVersion)
	}
	e := &Event{
		Flags:     EventFlag(le.Uint32(b[4:])).Truncate(),
		Vcpu:      VcpuID(le.Uint32(b[12:])),
		AltP2MIdx: le.Uint16(b[16:]),
	}
	e.Reason = decodeReason(le.Uint32(b[8:]), b[unionOffset:unionOffset+unionSize])
	e.Data = decodeData(e.Flags, b[dataOffset:EventSize])
	return e, nil
}

func decodeReason(code uint32, u []byte) Reason {
	c := &wireCursor{b: u}
	switch ReasonCode(code) {
	case ReasonMemAccess:
		return MemAccess{GFN: c.u64(), Offset: c.u64(), GLA: c.u64(), Flags: c.u32()}
	case ReasonMemSharing:
		return MemSharing{GFN: c.u64(), P2MT: c.u32()}
	case ReasonMemPaging:
		return MemPaging{GFN: c.u64(), P2MT: c.u32(), Flags: c.u32()}
	case ReasonWriteCtrlReg:
		r := WriteCtrlReg{Index: CtrlReg(c.u32())}
		c.skip(4)
		r.NewValue = c.u64()
		r.OldValue = c.u64()
		return r
	case ReasonMovToMsr:
		return MovToMsr{MSR: c.u64(), NewValue: c.u64(), OldValue: c.u64()}
	case ReasonSoftwareBreakpoint:
		return SoftwareBreakpoint{decodeDebug(c)}
	case ReasonDebugException:
		return DebugException{decodeDebug(c)}
	case ReasonSinglestep:
		return Singlestep{GFN: c.u64()}
	case ReasonGuestRequest:
		return GuestRequest{}
	case ReasonCpuid:
		return Cpuid{InsnLength: c.u32(), Leaf: c.u32(), Subleaf: c.u32()}
	case ReasonPrivilegedCall:
		return PrivilegedCall{}
	case ReasonInterrupt:
		r := Interrupt{Vector: c.u32(), Type: c.u32(), ErrorCode: c.u32()}
		c.skip(4)
		r.CR2 = c.u64()
		return r
	case ReasonDescriptorAccess:
		r := DescriptorAccess{InstrInfo: c.u32()}
		c.skip(4)
		r.ExitQualification = c.u64()
		r.Descriptor = c.u8()
		r.IsWrite = c.u8()
		return r
	case ReasonEmulUnimplemented:
		return EmulUnimplemented{}
	case ReasonVMExit:
		return VMExit{Reason: c.u64(), Qualification: c.u64()}
	case ReasonIOInstruction:
		return IOInstruction{Bytes: c.u32(), Port: c.u16(), In: c.u8(), Str: c.u8()}
	}
	return Unknown{Raw: code}
}

func decodeDebug(c *wireCursor) Debug {
	d := Debug{GFN: c.u64(), PendingDbg: c.u64(), InsnLength: c.u32()}
	d.Type = X86EventType(c.u8())
	return d
}

func decodeData(flags EventFlag, b []byte) EventData {
	switch {
	case flags.Has(FlagSetEmulReadData):
		n := le.Uint32(b)
		if n > EmulReadDataMax {
			n = EmulReadDataMax
		}
		d := &EmulReadData{Data: make([]byte, n)}
		copy(d.Data, b[4:4+n])
		return d
	case flags.Has(FlagSetEmulInsnData):
		d := &EmulInsnData{}
		copy(d.Data[:], b)
		return d
	}
	return decodeRegs(b)
}

func decodeRegs(b []byte) *RegsX86 {
	c := &wireCursor{b: b}
	r := &RegsX86{}
	for _, p := range r.gprs() {
		*p = c.u64()
	}
	r.CSBase, r.SSBase, r.DSBase, r.ESBase = c.u32(), c.u32(), c.u32(), c.u32()
	r.FSBase, r.GSBase = c.u64(), c.u64()
	for _, s := range r.selectors() {
		*s = unpackSelectorReg(c.u32())
	}
	r.ShadowGS = c.u64()
	r.GDTRLimit = c.u16()
	for _, s := range r.selectorValues() {
		*s = c.u16()
	}
	return r
}

func encodeRegs(r *RegsX86, b []byte) {
	c := &wireCursor{b: b}
	for _, p := range r.gprs() {
		c.put64(*p)
	}
	for _, v := range []uint32{r.CSBase, r.SSBase, r.DSBase, r.ESBase} {
		c.put32(v)
	}
	c.put64(r.FSBase)
	c.put64(r.GSBase)
	for _, s := range r.selectors() {
		c.put32(s.pack())
	}
	c.put64(r.ShadowGS)
	c.put16(r.GDTRLimit)
	for _, s := range r.selectorValues() {
		c.put16(*s)
	}
}

// gprs lists the leading 64-bit fields of struct vm_event_regs_x86 in wire
// order.
func (r *RegsX86) gprs() []*uint64 {
	return []*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RFlags, &r.DR6, &r.DR7, &r.RIP,
		&r.CR0, &r.CR2, &r.CR3, &r.CR4,
		&r.SysenterCS, &r.SysenterESP, &r.SysenterEIP,
		&r.MsrEFER, &r.MsrSTAR, &r.MsrLSTAR,
		&r.GDTRBase, &r.NptBase, &r.VMTracePos,
	}
}

func (r *RegsX86) selectors() []*SelectorReg {
	return []*SelectorReg{&r.CS, &r.SS, &r.DS, &r.ES, &r.FS, &r.GS}
}

func (r *RegsX86) selectorValues() []*uint16 {
	return []*uint16{&r.CSSel, &r.SSSel, &r.DSSel, &r.ESSel, &r.FSSel, &r.GSSel}
}

// EncodeEvent writes e into the first EventSize bytes of b, zeroing padding.
//
// The data member is chosen from the flags, not from the dynamic type of
// e.Data: SET_EMUL_READ_DATA, then SET_EMUL_INSN_DATA, then registers. A
// Data value of another kind is replaced by an empty member of the selected
// kind.
//
// With Options.FastSinglestep present the target view is written over the
// reason payload when FAST_SINGLESTEP is set; otherwise that flag is
// cleared.
func EncodeEvent(e *Event, b []byte) error {
	if len(b) < EventSize {
		return fmt.Errorf("encode vm_event: %d bytes: %w", len(b), io.ErrShortBuffer)
	}
	b = b[:EventSize]
	clear(b)

	flags := e.Flags
	var fast *FastSinglestep
	if e.Options != nil && e.Options.FastSinglestep != nil {
		if flags.Has(FlagFastSinglestep) {
			fast = e.Options.FastSinglestep
		} else {
			flags &^= FlagFastSinglestep
		}
	}

	reason := e.Reason
	if reason == nil {
		reason = Unknown{}
	}
	code := uint32(reason.Code())
	if u, ok := reason.(Unknown); ok {
		code = u.Raw
	}

	le.PutUint32(b[0:], InterfaceVersion)
	le.PutUint32(b[4:], uint32(flags))
	le.PutUint32(b[8:], code)
	le.PutUint32(b[12:], uint32(e.Vcpu))
	le.PutUint16(b[16:], e.AltP2MIdx)

	u := b[unionOffset : unionOffset+unionSize]
	encodeReason(reason, u)
	if fast != nil {
		clear(u)
		le.PutUint16(u, fast.P2MIdx)
	}
	encodeData(flags, e.Data, b[dataOffset:])
	return nil
}

func encodeReason(reason Reason, u []byte) {
	c := &wireCursor{b: u}
	switch r := reason.(type) {
	case MemAccess:
		c.put64(r.GFN)
		c.put64(r.Offset)
		c.put64(r.GLA)
		c.put32(r.Flags)
	case MemSharing:
		c.put64(r.GFN)
		c.put32(r.P2MT)
	case MemPaging:
		c.put64(r.GFN)
		c.put32(r.P2MT)
		c.put32(r.Flags)
	case WriteCtrlReg:
		c.put32(uint32(r.Index))
		c.skip(4)
		c.put64(r.NewValue)
		c.put64(r.OldValue)
	case MovToMsr:
		c.put64(r.MSR)
		c.put64(r.NewValue)
		c.put64(r.OldValue)
	case SoftwareBreakpoint:
		encodeDebug(c, r.Debug)
	case DebugException:
		encodeDebug(c, r.Debug)
	case Singlestep:
		c.put64(r.GFN)
	case Cpuid:
		c.put32(r.InsnLength)
		c.put32(r.Leaf)
		c.put32(r.Subleaf)
	case Interrupt:
		c.put32(r.Vector)
		c.put32(r.Type)
		c.put32(r.ErrorCode)
		c.skip(4)
		c.put64(r.CR2)
	case DescriptorAccess:
		c.put32(r.InstrInfo)
		c.skip(4)
		c.put64(r.ExitQualification)
		c.put8(r.Descriptor)
		c.put8(r.IsWrite)
	case VMExit:
		c.put64(r.Reason)
		c.put64(r.Qualification)
	case IOInstruction:
		c.put32(r.Bytes)
		c.put16(r.Port)
		c.put8(r.In)
		c.put8(r.Str)
	}
}

func encodeDebug(c *wireCursor, d Debug) {
	c.put64(d.GFN)
	c.put64(d.PendingDbg)
	c.put32(d.InsnLength)
	c.put8(uint8(d.Type))
}

func encodeData(flags EventFlag, data EventData, b []byte) {
	switch {
	case flags.Has(FlagSetEmulReadData):
		d, _ := data.(*EmulReadData)
		if d == nil {
			return
		}
		n := copy(b[4:4+EmulReadDataMax], d.Data)
		le.PutUint32(b, uint32(n))
	case flags.Has(FlagSetEmulInsnData):
		if d, ok := data.(*EmulInsnData); ok && d != nil {
			copy(b, d.Data[:])
		}
	default:
		if r, ok := data.(*RegsX86); ok && r != nil {
			encodeRegs(r, b)
		}
	}
}

// MarshalBinary encodes e as one ring slot.
func (e *Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, EventSize)
	if err := EncodeEvent(e, b); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalBinary replaces e with the event decoded from b.
func (e *Event) UnmarshalBinary(b []byte) error {
	d, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	*e = *d
	return nil
}
