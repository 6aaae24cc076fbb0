package simulator

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jnesss/vmi-recorder/xen"
)

// channel is one open event channel device. A pipe backs the pollable
// descriptor: each port that becomes pending writes one byte.
type channel struct {
	hv *Hypervisor

	mu      sync.Mutex
	rfd     int
	wfd     int
	queue   []uint32
	pending map[uint32]bool
	bound   map[uint32]binding
	closed  bool
}

type binding struct {
	domain     xen.DomainID
	remotePort uint32
}

func newChannel(hv *Hypervisor) (*channel, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &channel{
		hv:      hv,
		rfd:     p[0],
		wfd:     p[1],
		pending: make(map[uint32]bool),
		bound:   make(map[uint32]binding),
	}, nil
}

func (c *channel) BindInterdomain(dom xen.DomainID, remotePort uint32) (uint32, error) {
	local, err := c.hv.bind(c, dom, remotePort)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.bound[local] = binding{domain: dom, remotePort: remotePort}
	c.mu.Unlock()
	return local, nil
}

func (c *channel) Unbind(port uint32) error {
	c.mu.Lock()
	b, ok := c.bound[port]
	delete(c.bound, port)
	delete(c.pending, port)
	c.mu.Unlock()
	if !ok {
		return unix.EINVAL
	}
	c.hv.unbind(b.domain, port)
	return nil
}

func (c *channel) Notify(port uint32) error {
	c.mu.Lock()
	b, ok := c.bound[port]
	c.mu.Unlock()
	if !ok {
		return unix.EINVAL
	}
	c.hv.notified(b.domain)
	return nil
}

// signal marks port pending, as the hypervisor does when it sends on the
// remote end.
func (c *channel) signal(port uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pending[port] {
		return
	}
	c.pending[port] = true
	c.queue = append(c.queue, port)
	unix.Write(c.wfd, []byte{1})
}

func (c *channel) Pending() (uint32, error) {
	var b [1]byte
	for {
		_, err := unix.Read(c.rfd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return 0, unix.EAGAIN
	}
	port := c.queue[0]
	c.queue = c.queue[1:]
	return port, nil
}

func (c *channel) Unmask(port uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bound[port]; !ok {
		return unix.EINVAL
	}
	c.pending[port] = false
	return nil
}

func (c *channel) Fd() int { return c.rfd }

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	unix.Close(c.wfd)
	return unix.Close(c.rfd)
}
