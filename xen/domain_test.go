package xen_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/vmi-recorder/simulator"
	"github.com/jnesss/vmi-recorder/xen"
)

func TestWithDomainPaused(t *testing.T) {
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 1)

	err := xen.WithDomainPaused(hv, guest, func() error {
		assert.True(t, d.Paused())
		regs := d.Regs(0)
		regs.RIP = 0x1000
		d.SetRegs(0, regs)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, d.Paused())
	assert.Equal(t, uint64(0x1000), d.Regs(0).RIP)

	boom := errors.New("boom")
	err = xen.WithDomainPaused(hv, guest, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, d.Paused())
}

func TestPauseGuardReleaseOnce(t *testing.T) {
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 1)
	g, err := xen.PauseDomain(hv, guest)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.NoError(t, hv.PauseDomain(guest))
	require.NoError(t, g.Release())
	assert.True(t, d.Paused())

	_, err = xen.PauseDomain(hv, 1234)
	assert.Error(t, err)
}

func TestInjectEvent(t *testing.T) {
	hv := simulator.New()
	d := hv.AddDomain(guest, "guest", 2)

	require.NoError(t, xen.InjectPageFault(hv, guest, 1, 0xdead000, 0x2))
	require.NoError(t, xen.InjectEvent(hv, guest, xen.Injection{
		Vcpu:      0,
		Vector:    xen.VectorBreakpoint,
		Type:      xen.EventTypeSoftwareException,
		ErrorCode: xen.NoErrorCode,
		InsnLen:   1,
	}))

	got := d.Injected()
	require.Len(t, got, 2)
	assert.Equal(t, xen.Injection{Vcpu: 1, Vector: xen.VectorPageFault, Type: xen.EventTypeHardwareException, ErrorCode: 2, Extra: 0xdead000}, got[0])
	assert.Equal(t, xen.VectorBreakpoint, got[1].Vector)

	err := xen.InjectEvent(hv, guest, xen.Injection{Type: xen.EventTypeReserved})
	assert.Error(t, err)
	err = xen.InjectEvent(hv, guest, xen.Injection{Vcpu: 5, Type: xen.EventTypeNMI, Vector: xen.VectorNMI})
	assert.Error(t, err)
}
