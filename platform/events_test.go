package platform

import (
	"testing"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/jnesss/vmi-recorder/sigma"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

func TestEventFieldsMovToMsr(t *testing.T) {
	e := &xen.Event{
		Flags:  xen.FlagVcpuPaused,
		Vcpu:   1,
		Reason: xen.MovToMsr{MSR: 0xc0000082, NewValue: 0xffffffff81001000, OldValue: 0xffffffff81000000},
		Data:   &xen.RegsX86{RIP: 0xffffffff81000010, CR3: 0x1aa000},
	}
	want := map[string]interface{}{
		"Domain":   "7",
		"Vcpu":     "1",
		"Reason":   "mov_to_msr",
		"Flags":    "VCPU_PAUSED",
		"View":     "0",
		"MSR":      "0xc0000082",
		"NewValue": "0xffffffff81001000",
		"OldValue": "0xffffffff81000000",
		"RIP":      "0xffffffff81000010",
		"CR3":      "0x1aa000",
	}
	if diff := cmp.Diff(want, EventFields(7, e)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestEventFieldsMemAccess(t *testing.T) {
	e := &xen.Event{
		Flags:     xen.FlagVcpuPaused | xen.FlagAlternateP2M,
		AltP2MIdx: 2,
		Reason: xen.MemAccess{
			GFN:   0x100,
			GLA:   0x7fff0000,
			Flags: xen.MemAccessW | xen.MemAccessGLAValid,
		},
	}
	f := EventFields(3, e)
	assert.Equal(t, "mem_access", f["Reason"])
	assert.Equal(t, "2", f["View"])
	assert.Equal(t, "0x100", f["GFN"])
	assert.Equal(t, "-w-", f["Access"])
	assert.Equal(t, "0x7fff0000", f["GLA"])
	assert.NotContains(t, f, "RIP")

	e.Reason = xen.MemAccess{GFN: 0x100, Flags: xen.MemAccessR}
	assert.NotContains(t, EventFields(3, e), "GLA")
}

func TestEventFieldsIO(t *testing.T) {
	f := EventFields(1, &xen.Event{Reason: xen.IOInstruction{Port: 0x3f8, Bytes: 1}})
	assert.Equal(t, "0x3f8", f["Port"])
	assert.Equal(t, "out", f["Direction"])

	f = EventFields(1, &xen.Event{Reason: xen.IOInstruction{Port: 0x60, In: 1}})
	assert.Equal(t, "in", f["Direction"])
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		reason xen.Reason
		want   string
	}{
		{xen.WriteCtrlReg{Index: xen.CR3, OldValue: 0x1000, NewValue: 0x2000}, "cr3 0x1000 -> 0x2000"},
		{xen.Cpuid{Leaf: 0x40000000}, "cpuid leaf 0x40000000 subleaf 0x0"},
		{xen.MemAccess{GFN: 0x10, Offset: 0x8, Flags: xen.MemAccessX}, "--x gfn 0x10 offset 0x8"},
		{xen.IOInstruction{Port: 0x60, Bytes: 4, In: 1}, "in port 0x60 size 4"},
		{xen.GuestRequest{}, "guest_request"},
		{xen.Unknown{Raw: 99}, "reason 99"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Summarize(&xen.Event{Reason: tt.reason}))
	}
}

func TestNewEventRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := &xen.Event{
		Flags:     xen.FlagVcpuPaused | xen.FlagAlternateP2M,
		AltP2MIdx: 1,
		Vcpu:      2,
		Reason:    xen.MemAccess{GFN: 0x100, Flags: xen.MemAccessW},
		Data:      &xen.RegsX86{RIP: 0x401000, CR3: 0x5000},
	}
	rsp := req.Response()
	rsp.Flags |= xen.FlagToggleSinglestep

	rec := NewEventRecord(9, req, rsp, ActionSwitchView, ts)
	assert.Equal(t, uint32(9), rec.Domain)
	assert.Equal(t, uint16(2), rec.Vcpu)
	assert.Equal(t, uint16(1), rec.AltP2MIdx)
	assert.Equal(t, "0x100", rec.GFN)
	assert.Equal(t, "0x401000", rec.RIP)
	assert.Equal(t, "switch_view", rec.Action)
	assert.Equal(t, "VCPU_PAUSED|TOGGLE_SINGLESTEP", rec.ResponseFlags)
	assert.JSONEq(t, `{"GFN":256,"Offset":0,"GLA":0,"Flags":2}`, rec.Details)
}

func tagged(tags ...string) []sigma.MatchResult {
	return []sigma.MatchResult{{Match: true, Rule: sigmago.Rule{Tags: tags}}}
}

func TestDecide(t *testing.T) {
	msr := &xen.Event{Flags: xen.FlagVcpuPaused, Reason: xen.MovToMsr{MSR: 0xc0000082}}

	p := &Policy{Vcpus: tracking.NewVcpuMap()}
	rsp, action := p.Decide(msr, nil)
	assert.Equal(t, ActionAllow, action)
	assert.Equal(t, xen.FlagVcpuPaused, rsp.Flags)

	rsp, action = p.Decide(msr, tagged("attack.persistence", "vmi.deny"))
	assert.Equal(t, ActionDeny, action)
	assert.True(t, rsp.Flags.Has(xen.FlagDeny))

	async := &xen.Event{Reason: xen.WriteCtrlReg{Index: xen.CR3}}
	rsp, action = p.Decide(async, tagged("vmi.deny"))
	assert.Equal(t, ActionAllow, action, "async writes already happened")
	assert.False(t, rsp.Flags.Has(xen.FlagDeny))

	cpuid := &xen.Event{Flags: xen.FlagVcpuPaused, Reason: xen.Cpuid{}}
	_, action = p.Decide(cpuid, tagged("vmi.deny"))
	assert.Equal(t, ActionAllow, action)
}

func TestDecideViewRoundTrip(t *testing.T) {
	vcpus := tracking.NewVcpuMap()
	p := &Policy{WatchedView: 3, Vcpus: vcpus}

	trap := &xen.Event{
		Flags:     xen.FlagVcpuPaused | xen.FlagAlternateP2M,
		AltP2MIdx: 3,
		Vcpu:      1,
		Reason:    xen.MemAccess{GFN: 0x100, Flags: xen.MemAccessW},
	}
	rsp, action := p.Decide(trap, nil)
	assert.Equal(t, ActionSwitchView, action)
	assert.Equal(t, xen.FlagVcpuPaused|xen.FlagAlternateP2M|xen.FlagToggleSinglestep, rsp.Flags)
	assert.Equal(t, xen.DefaultView, rsp.AltP2MIdx)
	assert.True(t, vcpus.Stepping(1))

	other := &xen.Event{Flags: xen.FlagVcpuPaused, Vcpu: 0, Reason: xen.Singlestep{GFN: 0x100}}
	_, action = p.Decide(other, nil)
	assert.Equal(t, ActionAllow, action, "vcpu 0 is not stepping")

	step := &xen.Event{Flags: xen.FlagVcpuPaused, Vcpu: 1, Reason: xen.Singlestep{GFN: 0x100}}
	rsp, action = p.Decide(step, nil)
	assert.Equal(t, ActionRestoreView, action)
	assert.Equal(t, uint16(3), rsp.AltP2MIdx)
	assert.True(t, rsp.Flags.Has(xen.FlagToggleSinglestep))
	assert.False(t, vcpus.Stepping(1))

	elsewhere := &xen.Event{Flags: xen.FlagVcpuPaused, Reason: xen.MemAccess{GFN: 0x100}}
	_, action = p.Decide(elsewhere, nil)
	assert.Equal(t, ActionAllow, action, "default view traps are not ours")

	rsp, action = p.Decide(trap, tagged("vmi.emulate"))
	assert.Equal(t, ActionEmulate, action)
	assert.Equal(t, xen.FlagVcpuPaused|xen.FlagEmulate, rsp.Flags)
}
