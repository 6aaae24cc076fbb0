package xen

import (
	"math/bits"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allReasons() []Reason {
	return []Reason{
		Unknown{},
		MemAccess{GFN: 0x1234, Offset: 0x56, GLA: 0xffff800000001056, Flags: MemAccessW | MemAccessGLAValid},
		MemSharing{GFN: 0x10, P2MT: 7},
		MemPaging{GFN: 0x20, P2MT: 3, Flags: 1},
		WriteCtrlReg{Index: CR3, NewValue: 0x1aa000, OldValue: 0x2bb000},
		MovToMsr{MSR: 0xc0000082, NewValue: 0xffffffff81a00000, OldValue: 0xffffffff81800000},
		SoftwareBreakpoint{Debug{GFN: 0x99, PendingDbg: 0x4000, InsnLength: 1, Type: EventTypeSoftwareException}},
		Singlestep{GFN: 0x77},
		GuestRequest{},
		DebugException{Debug{GFN: 0x98, PendingDbg: 0x1, InsnLength: 0, Type: EventTypeHardwareException}},
		Cpuid{InsnLength: 2, Leaf: 0x40000000, Subleaf: 1},
		PrivilegedCall{},
		Interrupt{Vector: 14, Type: uint32(EventTypeHardwareException), ErrorCode: 2, CR2: 0xdead000},
		DescriptorAccess{InstrInfo: 0x1234, ExitQualification: 0x5678, Descriptor: DescGDTR, IsWrite: 1},
		EmulUnimplemented{},
		VMExit{Reason: 48, Qualification: 0x181},
		IOInstruction{Bytes: 4, Port: 0xcf8, In: 1, Str: 0},
	}
}

func sampleRegs() *RegsX86 {
	r := &RegsX86{
		RAX: 1, RCX: 2, RDX: 3, RBX: 4, RSP: 5, RBP: 6, RSI: 7, RDI: 8,
		R8: 9, R9: 10, R10: 11, R11: 12, R12: 13, R13: 14, R14: 15, R15: 16,
		RFlags: 0x246, DR6: 0xffff0ff0, DR7: 0x400, RIP: 0xffffffff81000000,
		CR0: 0x80050033, CR2: 0x7f0000, CR3: 0x1aa000, CR4: 0x3506f8,
		SysenterCS: 0x10, SysenterESP: 0x20, SysenterEIP: 0x30,
		MsrEFER: 0xd01, MsrSTAR: 0x23001000000000, MsrLSTAR: 0xffffffff81a00000,
		GDTRBase: 0xfffffe0000001000, NptBase: 0x5000, VMTracePos: ^uint64(0),
		CSBase: 0x11, SSBase: 0x22, DSBase: 0x33, ESBase: 0x44,
		FSBase: 0x7f00deadbeef, GSBase: 0xffff888000000000,
		CS:        SelectorReg{Limit: 0xfffff, AR: 0xa9b},
		SS:        SelectorReg{Limit: 0xfffff, AR: 0xc93},
		DS:        SelectorReg{Limit: 0x1234, AR: 0x1},
		ES:        SelectorReg{Limit: 0, AR: 0xfff},
		FS:        SelectorReg{Limit: 0xabcde, AR: 0x800},
		GS:        SelectorReg{Limit: 1, AR: 0},
		ShadowGS:  0x1122334455667788,
		GDTRLimit: 0x7f,
		CSSel:     0x10, SSSel: 0x18, DSSel: 0x2b, ESSel: 0x2b, FSSel: 0x53, GSSel: 0x0,
	}
	return r
}

func dataFor(flags EventFlag) EventData {
	switch {
	case flags.Has(FlagSetEmulReadData):
		return &EmulReadData{Data: []byte("emulated read")}
	case flags.Has(FlagSetEmulInsnData):
		return &EmulInsnData{Data: [EmulInsnDataSize]byte{0x0f, 0x01, 0xd9, 0x90}}
	}
	return sampleRegs()
}

var eventCmpOpts = []cmp.Option{cmpopts.EquateEmpty()}

// TestEventRoundTrip encodes every reason with every flag combination. Each
// combination is checked for flags and data kind; a sample of them, and
// every single-flag value, is compared field by field.
func TestEventRoundTrip(t *testing.T) {
	stride := 61
	if testing.Short() {
		stride = 499
	}
	data := map[string]EventData{
		"emul_read": dataFor(FlagSetEmulReadData),
		"emul_insn": dataFor(FlagSetEmulInsnData),
		"registers": dataFor(0),
	}
	buf := make([]byte, EventSize)
	for _, reason := range allReasons() {
		for f := EventFlag(0); f <= allEventFlags; f++ {
			in := &Event{
				Flags:     f,
				Reason:    reason,
				Vcpu:      3,
				AltP2MIdx: 2,
			}
			in.Data = data[DataKind(dataFor(f))]

			require.NoError(t, EncodeEvent(in, buf))
			out, err := DecodeEvent(buf)
			require.NoError(t, err)
			if out.Flags != in.Flags || DataKind(out.Data) != DataKind(in.Data) || out.Reason.Code() != reason.Code() {
				t.Fatalf("round trip of %s with flags %s: got %s data %s", reason.Code(), in.Flags, out, DataKind(out.Data))
			}
			if int(f)%stride != 0 && bits.OnesCount32(uint32(f)) > 1 {
				continue
			}
			if diff := cmp.Diff(in, out, eventCmpOpts...); diff != "" {
				t.Fatalf("round trip of %s with flags %s (-want +got):\n%s", reason.Code(), in.Flags, diff)
			}
		}
	}
}

func TestEventRoundTripDataVariants(t *testing.T) {
	variants := []struct {
		name  string
		flags EventFlag
		data  EventData
	}{
		{"registers", FlagVcpuPaused | FlagSetRegisters, sampleRegs()},
		{"emul read", FlagVcpuPaused | FlagEmulate | FlagSetEmulReadData, &EmulReadData{Data: []byte{1, 2, 3, 4}}},
		{"emul insn", FlagVcpuPaused | FlagEmulate | FlagSetEmulInsnData, &EmulInsnData{Data: [16]byte{0xc3}}},
	}
	for _, v := range variants {
		for _, reason := range allReasons() {
			t.Run(v.name+"/"+reason.Code().String(), func(t *testing.T) {
				in := &Event{Flags: v.flags, Reason: reason, Vcpu: 1, Data: v.data}
				b, err := in.MarshalBinary()
				require.NoError(t, err)
				require.Len(t, b, EventSize)

				var out Event
				require.NoError(t, out.UnmarshalBinary(b))
				assert.Empty(t, cmp.Diff(in, &out, eventCmpOpts...))
			})
		}
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	e := &Event{
		Flags:     FlagVcpuPaused | FlagDeny,
		Reason:    WriteCtrlReg{Index: CR4, NewValue: 0x1111, OldValue: 0x2222},
		Vcpu:      5,
		AltP2MIdx: 9,
	}
	b, err := e.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, uint32(InterfaceVersion), le.Uint32(b[0:]))
	assert.Equal(t, uint32(FlagVcpuPaused|FlagDeny), le.Uint32(b[4:]))
	assert.Equal(t, uint32(ReasonWriteCtrlReg), le.Uint32(b[8:]))
	assert.Equal(t, uint32(5), le.Uint32(b[12:]))
	assert.Equal(t, uint16(9), le.Uint16(b[16:]))
	assert.Equal(t, make([]byte, 6), b[18:24], "header padding")

	assert.Equal(t, uint32(CR4), le.Uint32(b[24:]))
	assert.Equal(t, uint64(0x1111), le.Uint64(b[32:]))
	assert.Equal(t, uint64(0x2222), le.Uint64(b[40:]))
}

func TestEncodeRegsLayout(t *testing.T) {
	r := &RegsX86{RAX: 0xaa, VMTracePos: 0xbb, CSBase: 0xcc, FSBase: 0xdd, CS: SelectorReg{Limit: 0xfffff, AR: 0xc9b}, ShadowGS: 0xee, GDTRLimit: 0x7f, GSSel: 0x2b}
	b, err := (&Event{Data: r}).MarshalBinary()
	require.NoError(t, err)
	d := b[dataOffset:]

	assert.Equal(t, uint64(0xaa), le.Uint64(d[0:]))
	assert.Equal(t, uint64(0xbb), le.Uint64(d[256:]))
	assert.Equal(t, uint32(0xcc), le.Uint32(d[264:]))
	assert.Equal(t, uint64(0xdd), le.Uint64(d[280:]))
	assert.Equal(t, uint32(0xfffff|0xc9b<<20), le.Uint32(d[296:]))
	assert.Equal(t, uint64(0xee), le.Uint64(d[320:]))
	assert.Equal(t, uint16(0x7f), le.Uint16(d[328:]))
	assert.Equal(t, uint16(0x2b), le.Uint16(d[340:]))
}

func TestEmulReadDataWinsOverRegisters(t *testing.T) {
	e := &Event{
		Flags:  FlagVcpuPaused | FlagSetEmulReadData | FlagSetEmulInsnData,
		Reason: MemAccess{GFN: 1},
		Data:   sampleRegs(),
	}
	b, err := e.MarshalBinary()
	require.NoError(t, err)

	out, err := DecodeEvent(b)
	require.NoError(t, err)
	data, ok := out.Data.(*EmulReadData)
	require.True(t, ok, "data is %T", out.Data)
	assert.Empty(t, data.Data)
	assert.Equal(t, uint32(0), le.Uint32(b[dataOffset:]))
}

func TestEmulInsnDataWinsOverRegisters(t *testing.T) {
	e := &Event{Flags: FlagSetEmulInsnData, Data: &EmulInsnData{Data: [16]byte{0xcc}}}
	out, err := roundTrip(e)
	require.NoError(t, err)
	assert.IsType(t, &EmulInsnData{}, out.Data)

	e.Flags |= FlagSetEmulReadData
	out, err = roundTrip(e)
	require.NoError(t, err)
	assert.IsType(t, &EmulReadData{}, out.Data)
}

func roundTrip(e *Event) (*Event, error) {
	b, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return DecodeEvent(b)
}

func TestEmulReadDataIsCapped(t *testing.T) {
	long := make([]byte, EmulReadDataMax+50)
	for i := range long {
		long[i] = byte(i)
	}
	out, err := roundTrip(&Event{Flags: FlagSetEmulReadData, Data: &EmulReadData{Data: long}})
	require.NoError(t, err)
	data := out.Data.(*EmulReadData)
	assert.Len(t, data.Data, EmulReadDataMax)
	assert.Equal(t, long[:EmulReadDataMax], data.Data)
}

func TestDecodeCapsCorruptReadSize(t *testing.T) {
	b, err := (&Event{Flags: FlagSetEmulReadData, Data: &EmulReadData{Data: []byte{1}}}).MarshalBinary()
	require.NoError(t, err)
	le.PutUint32(b[dataOffset:], 0xffffffff)

	out, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Len(t, out.Data.(*EmulReadData).Data, EmulReadDataMax)
}

func TestDecodeUnknownReason(t *testing.T) {
	b, err := (&Event{Reason: GuestRequest{}}).MarshalBinary()
	require.NoError(t, err)
	le.PutUint32(b[8:], 42)

	out, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, Unknown{Raw: 42}, out.Reason)
	assert.Equal(t, ReasonUnknown, out.Reason.Code())

	again, err := out.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), le.Uint32(again[8:]))
}

func TestDecodeRejectsOtherVersions(t *testing.T) {
	b, err := (&Event{Reason: Cpuid{Leaf: 1}}).MarshalBinary()
	require.NoError(t, err)
	le.PutUint32(b[0:], InterfaceVersion-1)

	_, err = DecodeEvent(b)
	assert.ErrorIs(t, err, ErrInterfaceVersion)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := DecodeEvent(make([]byte, EventSize-1))
	assert.Error(t, err)
	assert.Error(t, EncodeEvent(&Event{}, make([]byte, 10)))
}

func TestDecodeDropsUndefinedFlags(t *testing.T) {
	b, err := (&Event{Reason: GuestRequest{}}).MarshalBinary()
	require.NoError(t, err)
	le.PutUint32(b[4:], uint32(FlagVcpuPaused)|1<<20)

	out, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, FlagVcpuPaused, out.Flags)
	assert.Nil(t, out.Options)
}

func TestFastSinglestepOption(t *testing.T) {
	opts := &FlagOptions{FastSinglestep: &FastSinglestep{P2MIdx: 4}}

	t.Run("written when flagged", func(t *testing.T) {
		e := &Event{
			Flags:   FlagVcpuPaused | FlagFastSinglestep,
			Reason:  MemAccess{GFN: 0xffff, Offset: 1},
			Options: opts,
		}
		b, err := e.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, uint32(FlagVcpuPaused|FlagFastSinglestep), le.Uint32(b[4:]))
		assert.Equal(t, uint16(4), le.Uint16(b[unionOffset:]))
		assert.Equal(t, make([]byte, unionSize-2), b[unionOffset+2:dataOffset])
	})

	t.Run("flag cleared otherwise", func(t *testing.T) {
		e := &Event{Flags: FlagVcpuPaused, Reason: MemAccess{GFN: 0xffff}, Options: opts}
		b, err := e.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, uint32(FlagVcpuPaused), le.Uint32(b[4:]))
		assert.Equal(t, uint64(0xffff), le.Uint64(b[unionOffset:]))
	})
}

func TestEncodeZeroesPreviousSlot(t *testing.T) {
	b := make([]byte, EventSize)
	for i := range b {
		b[i] = 0xff
	}
	require.NoError(t, EncodeEvent(&Event{Reason: Singlestep{GFN: 1}}, b))
	assert.Equal(t, make([]byte, unionSize-8), b[unionOffset+8:dataOffset])
	assert.Equal(t, make([]byte, regsX86Size), b[dataOffset:])
}
