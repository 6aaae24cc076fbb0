package xen

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PauseGuard holds a domain paused until Release. Use it to bracket
// full-context register writes.
type PauseGuard struct {
	ctrl     DomainControl
	domain   DomainID
	released bool
}

// PauseDomain pauses dom and returns the guard that unpauses it.
func PauseDomain(ctrl DomainControl, dom DomainID) (*PauseGuard, error) {
	if err := ctrl.PauseDomain(dom); err != nil {
		return nil, fmt.Errorf("pause domain %s: %w", dom, err)
	}
	return &PauseGuard{ctrl: ctrl, domain: dom}, nil
}

// Release unpauses the domain. Only the first call has an effect.
func (g *PauseGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	if err := g.ctrl.UnpauseDomain(g.domain); err != nil {
		logrus.WithField("domain", g.domain).WithError(err).Warn("unpause domain")
		return fmt.Errorf("unpause domain %s: %w", g.domain, err)
	}
	return nil
}

// WithDomainPaused runs fn with dom paused and always unpauses it.
func WithDomainPaused(ctrl DomainControl, dom DomainID, fn func() error) error {
	g, err := PauseDomain(ctrl, dom)
	if err != nil {
		return err
	}
	ferr := fn()
	rerr := g.Release()
	if ferr != nil {
		return ferr
	}
	return rerr
}

// Injection is one event to force into a vCPU through the device model.
type Injection struct {
	Vcpu      VcpuID
	Vector    X86ExceptionVector
	Type      X86EventType
	ErrorCode uint32
	// InsnLen is the length of the instruction that raised a software
	// event. Ignored for other types.
	InsnLen uint8
	// Extra is CR2 for page faults.
	Extra uint64
}

// NoErrorCode marks an injection without an error code.
const NoErrorCode = ^uint32(0)

// InjectEvent injects inj into a vCPU of dom.
func InjectEvent(dm DeviceModel, dom DomainID, inj Injection) error {
	if !inj.Type.Valid() || inj.Type == EventTypeReserved {
		return fmt.Errorf("inject into domain %s: invalid event type %s", dom, inj.Type)
	}
	err := dm.InjectEvent(dom, inj.Vcpu, uint8(inj.Vector), inj.Type, inj.ErrorCode, inj.InsnLen, inj.Extra)
	if err != nil {
		return fmt.Errorf("inject vector %d (%s) into domain %s vcpu %s: %w",
			inj.Vector, inj.Type, dom, inj.Vcpu, err)
	}
	return nil
}

// InjectPageFault injects #PF at cr2 with the given error code.
func InjectPageFault(dm DeviceModel, dom DomainID, vcpu VcpuID, cr2 uint64, errorCode uint32) error {
	return InjectEvent(dm, dom, Injection{
		Vcpu:      vcpu,
		Vector:    VectorPageFault,
		Type:      EventTypeHardwareException,
		ErrorCode: errorCode,
		Extra:     cr2,
	})
}
