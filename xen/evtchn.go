package xen

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// EventChannel is an open event-channel device. One device handle may carry
// many bound ports; Pending reports whichever fired first.
type EventChannel interface {
	// BindInterdomain binds a local port to remotePort of dom and returns
	// the local port.
	BindInterdomain(dom DomainID, remotePort uint32) (uint32, error)
	Unbind(port uint32) error
	Notify(port uint32) error
	// Pending blocks until a bound port fires and returns it. The port
	// stays masked until Unmask.
	Pending() (uint32, error)
	Unmask(port uint32) error
	// Fd is a descriptor that polls readable while a port is pending.
	Fd() int
	Close() error
}

// pollInterval bounds how long WaitContext sleeps in poll between context
// checks.
const pollInterval = 100 * time.Millisecond

// EventChannelPort owns one interdomain binding and the device handle it was
// made on. Close unbinds the port and closes the device.
type EventChannelPort struct {
	ch         EventChannel
	domain     DomainID
	localPort  uint32
	remotePort uint32
	closed     bool
}

// BindEventChannelPort binds remotePort of dom on ch. The returned port takes
// ownership of ch, including on error.
func BindEventChannelPort(ch EventChannel, dom DomainID, remotePort uint32) (*EventChannelPort, error) {
	local, err := ch.BindInterdomain(dom, remotePort)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind interdomain port %d of domain %s: %w", remotePort, dom, err)
	}
	logrus.WithFields(logrus.Fields{
		"domain":      dom,
		"local_port":  local,
		"remote_port": remotePort,
	}).Debug("bound event channel port")
	return &EventChannelPort{
		ch:         ch,
		domain:     dom,
		localPort:  local,
		remotePort: remotePort,
	}, nil
}

// LocalPort is the port assigned at bind time.
func (p *EventChannelPort) LocalPort() uint32 { return p.localPort }

// RemotePort is the port the hypervisor allocated when monitoring was
// enabled.
func (p *EventChannelPort) RemotePort() uint32 { return p.remotePort }

// Fd exposes the pollable descriptor of the device.
func (p *EventChannelPort) Fd() int { return p.ch.Fd() }

// Wait blocks until the port is pending, checks it is this port and unmasks
// it.
func (p *EventChannelPort) Wait() error {
	if p.closed {
		return ErrClosed
	}
	port, err := p.ch.Pending()
	if err != nil {
		return fmt.Errorf("event channel pending: %w", err)
	}
	if port != p.localPort {
		return fmt.Errorf("pending port %d, bound %d: %w", port, p.localPort, ErrUnexpectedPort)
	}
	if err := p.ch.Unmask(port); err != nil {
		return fmt.Errorf("event channel unmask %d: %w", port, err)
	}
	return nil
}

// WaitContext is Wait with cancellation: it polls the descriptor until it
// is readable or ctx is done.
func (p *EventChannelPort) WaitContext(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	fds := []unix.PollFd{{Fd: int32(p.ch.Fd()), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = max(d, time.Millisecond)
			}
		}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll event channel: %w", err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			return p.Wait()
		}
	}
}

// Notify signals the remote end.
func (p *EventChannelPort) Notify() error {
	if p.closed {
		return ErrClosed
	}
	if err := p.ch.Notify(p.localPort); err != nil {
		return fmt.Errorf("event channel notify %d: %w", p.localPort, err)
	}
	return nil
}

// Close unbinds the port and closes the device. Both steps always run;
// failures are logged and the first one is returned.
func (p *EventChannelPort) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	entry := logrus.WithFields(logrus.Fields{"domain": p.domain, "local_port": p.localPort})
	var first error
	if err := p.ch.Unbind(p.localPort); err != nil {
		entry.WithError(err).Warn("unbind event channel port")
		first = fmt.Errorf("unbind port %d: %w", p.localPort, err)
	}
	if err := p.ch.Close(); err != nil {
		entry.WithError(err).Warn("close event channel")
		if first == nil {
			first = fmt.Errorf("close event channel: %w", err)
		}
	}
	entry.Debug("unbound event channel port")
	return first
}
