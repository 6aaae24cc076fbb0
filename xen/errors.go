package xen

import (
	"errors"
	"fmt"
)

var (
	// ErrInterfaceVersion is returned when a ring slot carries a vm_event
	// interface version other than InterfaceVersion.
	ErrInterfaceVersion = errors.New("vm_event interface version mismatch")

	// ErrLengthMismatch is returned by SetPermissionMulti when the
	// permission and gfn slices differ in length.
	ErrLengthMismatch = errors.New("permission and gfn counts differ")

	// ErrUnexpectedPort is returned when the event channel reports a port
	// other than the one bound by this handle.
	ErrUnexpectedPort = errors.New("event channel reported an unexpected port")

	// ErrUnsupported is returned by backends built without Xen support.
	ErrUnsupported = errors.New("xen support not available")

	// ErrNoSuchDomain is returned when a domain name cannot be resolved.
	ErrNoSuchDomain = errors.New("no such domain")

	// ErrRingFull is returned by FrontRing.PutRequest when every slot is
	// awaiting a response.
	ErrRingFull = errors.New("ring full")

	// ErrClosed is returned by operations on a released handle.
	ErrClosed = errors.New("handle closed")
)

// XcError is a hypervisor-rejected call: the negative return code, the
// Xen error code and its description.
type XcError struct {
	Op   string
	Rc   int
	Code uint32
	Desc string
}

func (e *XcError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("xen error %d: %s (rc %d)", e.Code, e.Desc, e.Rc)
	}
	return fmt.Sprintf("%s: xen error %d: %s (rc %d)", e.Op, e.Code, e.Desc, e.Rc)
}

// IsXcError reports whether err wraps a hypervisor rejection and returns it.
func IsXcError(err error) (*XcError, bool) {
	var xe *XcError
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}
