package xen_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/vmi-recorder/xen"
)

// fakeChannel records calls and reports a fixed pending port.
type fakeChannel struct {
	local     uint32
	pending   uint32
	unmasked  []uint32
	notified  []uint32
	unbound   []uint32
	unbindErr error
	closed    bool
}

func (f *fakeChannel) BindInterdomain(xen.DomainID, uint32) (uint32, error) { return f.local, nil }
func (f *fakeChannel) Unbind(p uint32) error {
	f.unbound = append(f.unbound, p)
	return f.unbindErr
}
func (f *fakeChannel) Notify(p uint32) error {
	f.notified = append(f.notified, p)
	return nil
}
func (f *fakeChannel) Pending() (uint32, error) { return f.pending, nil }
func (f *fakeChannel) Unmask(p uint32) error {
	f.unmasked = append(f.unmasked, p)
	return nil
}
func (f *fakeChannel) Fd() int      { return -1 }
func (f *fakeChannel) Close() error { f.closed = true; return nil }

func TestPortWaitUnmasksOwnPort(t *testing.T) {
	ch := &fakeChannel{local: 12, pending: 12}
	p, err := xen.BindEventChannelPort(ch, guest, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), p.LocalPort())
	assert.Equal(t, uint32(3), p.RemotePort())

	require.NoError(t, p.Wait())
	assert.Equal(t, []uint32{12}, ch.unmasked)

	require.NoError(t, p.Notify())
	assert.Equal(t, []uint32{12}, ch.notified)
}

func TestPortWaitRejectsForeignPort(t *testing.T) {
	ch := &fakeChannel{local: 12, pending: 13}
	p, err := xen.BindEventChannelPort(ch, guest, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Wait(), xen.ErrUnexpectedPort)
	assert.Empty(t, ch.unmasked)
}

func TestPortCloseAlwaysClosesDevice(t *testing.T) {
	ch := &fakeChannel{local: 12, unbindErr: errors.New("EINVAL")}
	p, err := xen.BindEventChannelPort(ch, guest, 3)
	require.NoError(t, err)

	assert.Error(t, p.Close())
	assert.Equal(t, []uint32{12}, ch.unbound)
	assert.True(t, ch.closed)

	assert.NoError(t, p.Close())
	assert.ErrorIs(t, p.Wait(), xen.ErrClosed)
	assert.ErrorIs(t, p.Notify(), xen.ErrClosed)
}

func TestWaitContextHonoursCancellation(t *testing.T) {
	_, _, _, _, port := newSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := port.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
