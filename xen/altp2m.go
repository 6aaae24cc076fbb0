package xen

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// DefaultView is the host p2m. Switching to it undoes any view switch.
const DefaultView uint16 = 0

// AltP2M is altp2m enabled for one domain. Views are created from it and
// must be closed before it; Close closes any that are still open.
type AltP2M struct {
	ctrl   AltP2MControl
	domain DomainID
	views  map[uint16]*AltP2MView
	closed bool
	log    *logrus.Entry
}

// EnableAltP2M turns on altp2m for dom.
func EnableAltP2M(ctrl AltP2MControl, dom DomainID) (*AltP2M, error) {
	if err := ctrl.AltP2MSetDomainState(dom, true); err != nil {
		return nil, fmt.Errorf("enable altp2m for domain %s: %w", dom, err)
	}
	entry := logrus.WithField("domain", dom)
	entry.Debug("altp2m enabled")
	return &AltP2M{
		ctrl:   ctrl,
		domain: dom,
		views:  make(map[uint16]*AltP2MView),
		log:    entry,
	}, nil
}

// CreateView allocates a view whose pages start with defaultAccess.
func (a *AltP2M) CreateView(defaultAccess MemoryAccess) (*AltP2MView, error) {
	if a.closed {
		return nil, ErrClosed
	}
	id, err := a.ctrl.AltP2MCreateView(a.domain, defaultAccess)
	if err != nil {
		return nil, fmt.Errorf("create altp2m view (%s) for domain %s: %w", defaultAccess, a.domain, err)
	}
	v := &AltP2MView{
		parent: a,
		id:     id,
		log:    a.log.WithField("view", id),
	}
	a.views[id] = v
	v.log.WithField("default_access", defaultAccess).Debug("created altp2m view")
	return v, nil
}

// ResetView switches the domain back to the default view.
func (a *AltP2M) ResetView() error {
	if err := a.ctrl.AltP2MSwitchToView(a.domain, DefaultView); err != nil {
		return fmt.Errorf("reset altp2m view for domain %s: %w", a.domain, err)
	}
	return nil
}

// Views returns the ids of open views in ascending order.
func (a *AltP2M) Views() []uint16 {
	ids := make([]uint16, 0, len(a.views))
	for id := range a.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close destroys open views, switches to the default view and disables
// altp2m. Every step runs; the first failure is returned.
func (a *AltP2M) Close() error {
	if a.closed {
		return nil
	}
	var first error
	for _, id := range a.Views() {
		if err := a.views[id].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closed = true
	if err := a.ResetView(); err != nil {
		a.log.WithError(err).Warn("reset altp2m view")
		if first == nil {
			first = err
		}
	}
	if err := a.ctrl.AltP2MSetDomainState(a.domain, false); err != nil {
		a.log.WithError(err).Warn("disable altp2m")
		if first == nil {
			first = fmt.Errorf("disable altp2m for domain %s: %w", a.domain, err)
		}
	}
	a.log.Debug("altp2m disabled")
	return first
}

// AltP2MView is a handle on one alternate view. Page permissions live in
// the hypervisor; nothing is cached here.
type AltP2MView struct {
	parent *AltP2M
	id     uint16
	closed bool
	log    *logrus.Entry
}

// ID is the hypervisor-assigned view index, as carried in
// Event.AltP2MIdx.
func (v *AltP2MView) ID() uint16 { return v.id }

func (v *AltP2MView) wrap(op string, err error) error {
	if err != nil {
		return fmt.Errorf("altp2m view %d %s: %w", v.id, op, err)
	}
	return nil
}

func (v *AltP2MView) live() error {
	if v.closed || v.parent.closed {
		return ErrClosed
	}
	return nil
}

// Switch makes this the active view for every vCPU of the domain.
func (v *AltP2MView) Switch() error {
	if err := v.live(); err != nil {
		return err
	}
	return v.wrap("switch", v.parent.ctrl.AltP2MSwitchToView(v.parent.domain, v.id))
}

// Permission reads the access of gfn in this view.
func (v *AltP2MView) Permission(gfn uint64) (MemoryAccess, error) {
	if err := v.live(); err != nil {
		return 0, err
	}
	access, err := v.parent.ctrl.AltP2MGetMemAccess(v.parent.domain, v.id, gfn)
	return access, v.wrap(fmt.Sprintf("get access %#x", gfn), err)
}

// SetPermission sets the access of gfn in this view.
func (v *AltP2MView) SetPermission(gfn uint64, access MemoryAccess) error {
	if err := v.live(); err != nil {
		return err
	}
	err := v.parent.ctrl.AltP2MSetMemAccess(v.parent.domain, v.id, gfn, access)
	return v.wrap(fmt.Sprintf("set access %#x %s", gfn, access), err)
}

// SetPermissionMulti applies access[i] to gfns[i] in one call. Slices of
// different lengths are rejected with ErrLengthMismatch.
func (v *AltP2MView) SetPermissionMulti(access []MemoryAccess, gfns []uint64) error {
	if len(access) != len(gfns) {
		return fmt.Errorf("altp2m view %d set access: %d permissions for %d gfns: %w",
			v.id, len(access), len(gfns), ErrLengthMismatch)
	}
	_, err := v.SetPermissionMultiTruncate(access, gfns)
	return err
}

// SetPermissionMultiTruncate updates the first min(len(access), len(gfns))
// frames and returns how many that was.
func (v *AltP2MView) SetPermissionMultiTruncate(access []MemoryAccess, gfns []uint64) (int, error) {
	if err := v.live(); err != nil {
		return 0, err
	}
	n := min(len(access), len(gfns))
	if n == 0 {
		return 0, nil
	}
	err := v.parent.ctrl.AltP2MSetMemAccessMulti(v.parent.domain, v.id, access[:n], gfns[:n])
	if err != nil {
		return 0, v.wrap(fmt.Sprintf("set access of %d gfns", n), err)
	}
	return n, nil
}

// Remap makes accesses to oldGFN in this view hit the frame backing newGFN.
func (v *AltP2MView) Remap(oldGFN, newGFN uint64) error {
	if err := v.live(); err != nil {
		return err
	}
	err := v.parent.ctrl.AltP2MChangeGFN(v.parent.domain, v.id, oldGFN, newGFN)
	return v.wrap(fmt.Sprintf("remap %#x to %#x", oldGFN, newGFN), err)
}

// Close switches the domain back to the default view and destroys this
// view. Both steps run even if the first fails.
func (v *AltP2MView) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	delete(v.parent.views, v.id)
	ctrl, dom := v.parent.ctrl, v.parent.domain
	var first error
	if err := ctrl.AltP2MSwitchToView(dom, DefaultView); err != nil {
		v.log.WithError(err).Warn("revert to default view")
		first = v.wrap("revert", err)
	}
	if err := ctrl.AltP2MDestroyView(dom, v.id); err != nil {
		v.log.WithError(err).Warn("destroy altp2m view")
		if first == nil {
			first = v.wrap("destroy", err)
		}
	}
	v.log.Debug("destroyed altp2m view")
	return first
}
