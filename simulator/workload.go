package simulator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jnesss/vmi-recorder/xen"
)

// Well-known MSRs the workload writes.
const (
	MsrLSTAR = 0xc0000082
	MsrSTAR  = 0xc0000081
	MsrEFER  = 0xc0000080
)

// Workload drives a simulated guest: context switches (CR3 writes), MSR
// writes, CPUID, port I/O and memory accesses to a set of frames.
type Workload struct {
	HV       *Hypervisor
	Domain   xen.DomainID
	Interval time.Duration
	// GFNs are the frames memory accesses hit.
	GFNs []uint64
	Seed int64
}

func ignorable(err error) bool {
	return errors.Is(err, ErrNotSubscribed) ||
		errors.Is(err, ErrVcpuPaused) ||
		errors.Is(err, xen.ErrRingFull)
}

// Run generates events until ctx is done.
func (w *Workload) Run(ctx context.Context) error {
	d, ok := w.HV.Domain(w.Domain)
	if !ok {
		return xen.ErrNoSuchDomain
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	rng := rand.New(rand.NewSource(w.Seed))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	entry := logrus.WithFields(logrus.Fields{"component": "workload", "domain": w.Domain})
	entry.Info("simulated workload started")
	for {
		select {
		case <-ctx.Done():
			entry.Info("simulated workload stopped")
			return nil
		case <-ticker.C:
		}
		vcpu := xen.VcpuID(rng.Intn(d.Vcpus()))
		if d.VcpuPaused(vcpu) {
			continue
		}
		if err := w.step(rng, d, vcpu); err != nil && !ignorable(err) {
			entry.WithError(err).Debug("workload event")
		}
	}
}

func (w *Workload) step(rng *rand.Rand, d *Domain, vcpu xen.VcpuID) error {
	gfn := uint64(0x1000)
	if len(w.GFNs) > 0 {
		gfn = w.GFNs[rng.Intn(len(w.GFNs))]
	}
	if d.Singlestepping(vcpu) {
		return w.HV.Step(w.Domain, vcpu, gfn)
	}
	switch rng.Intn(6) {
	case 0:
		return w.HV.WriteCtrlReg(w.Domain, vcpu, xen.CR3, uint64(rng.Intn(64))<<12)
	case 1:
		return w.HV.WriteMsr(w.Domain, vcpu, MsrLSTAR, 0xffffffff81000000+uint64(rng.Intn(4))<<12)
	case 2:
		return w.HV.Cpuid(w.Domain, vcpu, uint32(rng.Intn(2))*0x40000000, 0)
	case 3:
		return w.HV.IO(w.Domain, vcpu, 0x3f8, 1, false)
	case 4:
		access := []xen.MemoryAccess{xen.AccessR, xen.AccessW, xen.AccessX}[rng.Intn(3)]
		_, err := w.HV.Access(w.Domain, vcpu, gfn, uint64(rng.Intn(xen.PageSize)), access)
		return err
	default:
		return w.HV.Breakpoint(w.Domain, vcpu, gfn)
	}
}
