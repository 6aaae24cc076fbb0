package xen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccessString(t *testing.T) {
	tests := []struct {
		access MemoryAccess
		want   string
	}{
		{AccessNone, "---"},
		{AccessR, "r--"},
		{AccessW, "-w-"},
		{AccessRW, "rw-"},
		{AccessX, "--x"},
		{AccessRX, "r-x"},
		{AccessWX, "-wx"},
		{AccessRWX, "rwx"},
		{AccessRX2RW, "rx2rw"},
		{AccessN2RWX, "n2rwx"},
		{AccessRPW, "r_pw"},
		{AccessDefault, "default"},
		{MemoryAccess(42), "access(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.access.String())
			if tt.access <= AccessDefault {
				got, err := ParseMemoryAccess(tt.want)
				require.NoError(t, err)
				assert.Equal(t, tt.access, got)
			}
		})
	}
}

func TestMemoryAccessABIValues(t *testing.T) {
	// xenmem_access_t
	assert.EqualValues(t, 0, AccessNone)
	assert.EqualValues(t, 3, AccessRW)
	assert.EqualValues(t, 7, AccessRWX)
	assert.EqualValues(t, 8, AccessRX2RW)
	assert.EqualValues(t, 9, AccessN2RWX)
	assert.EqualValues(t, 10, AccessRPW)
	assert.EqualValues(t, 11, AccessDefault)
}

func TestMemoryAccessBits(t *testing.T) {
	assert.Equal(t, AccessRW, AccessR.Union(AccessW))
	assert.Equal(t, AccessRX, AccessRWX.Without(AccessW))
	assert.True(t, AccessRWX.Has(AccessRX))
	assert.False(t, AccessR.Has(AccessW))
	assert.True(t, AccessR.Has(AccessNone))
	assert.False(t, AccessRX2RW.Has(AccessR))
	assert.True(t, AccessRPW.IsCombinator())
	assert.False(t, AccessRWX.IsCombinator())
}

func TestParseMemoryAccessErrors(t *testing.T) {
	for _, s := range []string{"", "rw", "wrx", "rwxx", "abc"} {
		_, err := ParseMemoryAccess(s)
		assert.Error(t, err, s)
	}
}

func TestEventFlagString(t *testing.T) {
	assert.Equal(t, "0", EventFlag(0).String())
	assert.Equal(t, "VCPU_PAUSED|DENY", (FlagVcpuPaused | FlagDeny).String())
	assert.Equal(t, "RESET_FORK_MEMORY", FlagResetForkMemory.String())
	assert.Equal(t, FlagVcpuPaused, (FlagVcpuPaused | 1<<31).Truncate())
}

func TestReasonNames(t *testing.T) {
	assert.Equal(t, "write_ctrlreg", ReasonWriteCtrlReg.String())
	assert.Equal(t, "io_instruction", ReasonIOInstruction.String())
	assert.Equal(t, "reason(99)", ReasonCode(99).String())
	for i, r := range allReasons() {
		assert.Equal(t, ReasonCode(i), r.Code())
	}
}

func TestCtrlRegParse(t *testing.T) {
	for _, c := range []CtrlReg{CR0, CR3, CR4, XCR0} {
		got, err := ParseCtrlReg(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCtrlReg("cr2")
	assert.Error(t, err)
}

func TestEventResponse(t *testing.T) {
	req := &Event{
		Flags:     FlagVcpuPaused | FlagAlternateP2M | FlagNestedP2M,
		Reason:    WriteCtrlReg{Index: CR3, NewValue: 1, OldValue: 2},
		Vcpu:      4,
		AltP2MIdx: 3,
		Data:      &RegsX86{RIP: 0x1000},
	}
	rsp := req.Response()
	assert.Equal(t, FlagVcpuPaused, rsp.Flags)
	assert.Equal(t, req.Reason, rsp.Reason)
	assert.Equal(t, req.Vcpu, rsp.Vcpu)
	assert.Equal(t, req.AltP2MIdx, rsp.AltP2MIdx)
	assert.Nil(t, rsp.Data)

	regs, ok := req.Regs()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), regs.RIP)
	assert.Equal(t, "write_ctrlreg vcpu=4 flags=VCPU_PAUSED|ALTERNATE_P2M|NESTED_P2M altp2m=3", req.String())
}

func TestMemAccessClassification(t *testing.T) {
	m := MemAccess{Flags: MemAccessW | MemAccessX | MemAccessGLAValid}
	assert.Equal(t, AccessWX, m.Access())
}
