package xen_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/vmi-recorder/simulator"
	"github.com/jnesss/vmi-recorder/xen"
)

const guest xen.DomainID = 7

func newSession(t *testing.T) (*simulator.Hypervisor, *simulator.Domain, *xen.Monitor, *xen.EventRing, *xen.EventChannelPort) {
	t.Helper()
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 2)
	mon, ring, err := xen.EnableMonitor(hv, guest)
	require.NoError(t, err)
	port, err := mon.Channel()
	require.NoError(t, err)
	t.Cleanup(func() {
		port.Close()
		mon.Close()
	})
	return hv, d, mon, ring, port
}

func waitRequest(t *testing.T, port *xen.EventChannelPort, ring *xen.EventRing) *xen.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for !ring.HasUnconsumedRequests() {
		require.NoError(t, port.WaitContext(ctx))
	}
	e, err := ring.GetRequest()
	require.NoError(t, err)
	return e
}

func TestCR3WriteEndToEnd(t *testing.T) {
	hv, d, mon, ring, port := newSession(t)
	require.NoError(t, mon.WriteCtrlReg(xen.CR3, true, true, 0, false))

	require.NoError(t, hv.WriteCtrlReg(guest, 1, xen.CR3, 0x1aa000))
	assert.True(t, d.VcpuPaused(1))

	req := waitRequest(t, port, ring)
	assert.True(t, req.Flags.Has(xen.FlagVcpuPaused))
	assert.Equal(t, xen.VcpuID(1), req.Vcpu)
	assert.Equal(t, xen.WriteCtrlReg{Index: xen.CR3, NewValue: 0x1aa000, OldValue: 0}, req.Reason)
	regs, ok := req.Regs()
	require.True(t, ok)
	assert.Equal(t, uint64(0x80050033), regs.CR0)

	rsp := req.Response()
	assert.False(t, rsp.Flags.Has(xen.FlagDeny))

	before := ring.Stats()
	require.NoError(t, ring.PutResponse(rsp))
	after := ring.Stats()
	assert.Equal(t, before.RspProd+1, after.RspProd)
	assert.Equal(t, before.ReqCons, after.ReqCons)

	require.NoError(t, port.Notify())
	assert.False(t, d.VcpuPaused(1))
	assert.Equal(t, uint64(0x1aa000), d.Regs(1).CR3)
	require.Len(t, d.Responses(), 1)
	assert.Equal(t, xen.ReasonWriteCtrlReg, d.Responses()[0].Reason.Code())
}

func TestDenyVetoesWrite(t *testing.T) {
	hv, d, mon, ring, port := newSession(t)
	require.NoError(t, mon.MovToMsr(simulator.MsrLSTAR, true, false))

	require.NoError(t, hv.WriteMsr(guest, 0, simulator.MsrLSTAR, 0xdeadbeef))
	req := waitRequest(t, port, ring)
	assert.Equal(t, xen.MovToMsr{MSR: simulator.MsrLSTAR, NewValue: 0xdeadbeef}, req.Reason)

	rsp := req.Response()
	rsp.Flags |= xen.FlagDeny
	require.NoError(t, ring.PutResponse(rsp))
	require.NoError(t, port.Notify())

	assert.False(t, d.VcpuPaused(0))
	assert.Equal(t, uint64(0), d.Msr(0, simulator.MsrLSTAR))
}

func TestOnChangeOnlySuppressesSameValue(t *testing.T) {
	hv, _, mon, ring, _ := newSession(t)
	require.NoError(t, mon.WriteCtrlReg(xen.CR3, true, false, 0, true))
	require.NoError(t, hv.WriteCtrlReg(guest, 0, xen.CR3, 0))
	assert.False(t, ring.HasUnconsumedRequests())
}

func TestUnsubscribedEventIsNotRaised(t *testing.T) {
	hv, _, mon, ring, _ := newSession(t)
	err := hv.Cpuid(guest, 0, 0, 0)
	assert.ErrorIs(t, err, simulator.ErrNotSubscribed)

	require.NoError(t, mon.Cpuid(true))
	require.NoError(t, hv.Cpuid(guest, 0, 1, 0))
	assert.Equal(t, uint32(1), ring.UnconsumedRequests())

	require.NoError(t, mon.IO(true))
	require.NoError(t, mon.Singlestep(false))
	require.NoError(t, mon.SoftwareBreakpoint(true))
	require.NoError(t, mon.DescriptorAccess(true))
	require.NoError(t, mon.PrivilegedCall(true))
	require.NoError(t, mon.EmulUnimplemented(true))
	require.NoError(t, mon.EmulateEachRep(true))
	require.NoError(t, mon.GuestRequest(true, true, false))
	require.NoError(t, mon.InguestPagefault(true))
	require.NoError(t, mon.DebugExceptions(true, true))
	require.NoError(t, mon.VMExit(true, false))
}

func TestToggleErrorsAreSurfaced(t *testing.T) {
	_, _, mon, _, _ := newSession(t)
	err := mon.WriteCtrlReg(xen.CtrlReg(9), true, true, 0, false)
	require.Error(t, err)
	xe, ok := xen.IsXcError(err)
	require.True(t, ok)
	assert.NotZero(t, xe.Code)
}

func TestCapabilities(t *testing.T) {
	_, _, mon, _, _ := newSession(t)
	caps, err := mon.Capabilities()
	require.NoError(t, err)
	assert.True(t, xen.Supports(caps, xen.ReasonWriteCtrlReg))
	assert.False(t, xen.Supports(caps, xen.ReasonMemPaging))
	assert.NoError(t, mon.Resume())
}

func TestEnableTwiceFails(t *testing.T) {
	hv, _, _, _, _ := newSession(t)
	_, _, err := xen.EnableMonitor(hv, guest)
	assert.Error(t, err)

	_, _, err = xen.EnableMonitor(hv, 99)
	assert.Error(t, err)
}

func TestMonitorCloseReleasesEverything(t *testing.T) {
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 1)
	mon, ring, err := xen.EnableMonitor(hv, guest)
	require.NoError(t, err)
	port, err := mon.Channel()
	require.NoError(t, err)
	assert.True(t, d.PortBound())
	assert.Equal(t, guest, mon.Domain())
	assert.NotZero(t, mon.Port())

	require.NoError(t, port.Close())
	assert.False(t, d.PortBound())
	require.NoError(t, mon.Close())
	assert.False(t, d.MonitorEnabled())
	assert.Equal(t, 0, d.MappedPages())

	assert.NoError(t, mon.Close(), "second close is a no-op")
	assert.False(t, ring.HasUnconsumedRequests())
	_, err = mon.Channel()
	assert.ErrorIs(t, err, xen.ErrClosed)
}

// failingDisable rejects MonitorDisable to check the page is still
// released.
type failingDisable struct {
	*simulator.Hypervisor
	released int
}

func (f *failingDisable) MonitorDisable(xen.DomainID) error {
	return &xen.XcError{Op: "monitor_disable", Rc: -1, Code: 16, Desc: "Device or resource busy"}
}

func (f *failingDisable) ReleaseRingPage(page []byte) error {
	f.released++
	return f.Hypervisor.ReleaseRingPage(page)
}

func TestMonitorCloseIsBestEffort(t *testing.T) {
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 1)
	ctrl := &failingDisable{Hypervisor: hv}

	mon, _, err := xen.EnableMonitor(ctrl, guest)
	require.NoError(t, err)
	err = mon.Close()
	require.Error(t, err)
	_, ok := xen.IsXcError(err)
	assert.True(t, ok)
	assert.Equal(t, 1, ctrl.released)
	assert.Equal(t, 0, d.MappedPages())
}

func TestSyncEventKeepsVcpuPausedUntilResponse(t *testing.T) {
	hv, d, mon, ring, port := newSession(t)
	require.NoError(t, mon.SoftwareBreakpoint(true))
	require.NoError(t, hv.Breakpoint(guest, 0, 0x42))

	err := hv.Breakpoint(guest, 0, 0x43)
	assert.True(t, errors.Is(err, simulator.ErrVcpuPaused))

	req := waitRequest(t, port, ring)
	bp := req.Reason.(xen.SoftwareBreakpoint)
	assert.Equal(t, xen.EventTypeSoftwareException, bp.Type)
	require.NoError(t, ring.PutResponse(req.Response()))
	require.NoError(t, port.Notify())
	assert.False(t, d.VcpuPaused(0))
}
