package platform

import (
	"github.com/jnesss/vmi-recorder/sigma"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

// Policy decides the response to each request.
//
// Writes to watched control registers and MSRs are vetoed when a rule
// tagged vmi.deny matches. Accesses trapped by the watched view either get
// emulated (vmi.emulate) or the vCPU is moved to the default view and
// singlestepped for one instruction, after which the watched view is
// restored.
type Policy struct {
	// WatchedView is the altp2m view id, or xen.DefaultView if none.
	WatchedView uint16
	Vcpus       *tracking.VcpuMap
}

func (p *Policy) watching() bool {
	return p.WatchedView != xen.DefaultView
}

// Decide builds the response to req.
func (p *Policy) Decide(req *xen.Event, matches []sigma.MatchResult) (*xen.Event, Action) {
	rsp := req.Response()
	paused := req.Flags.Has(xen.FlagVcpuPaused)

	switch req.Reason.(type) {
	case xen.WriteCtrlReg, xen.MovToMsr:
		if paused && sigma.AnyTagged(matches, sigma.TagDeny) {
			rsp.Flags |= xen.FlagDeny
			return rsp, ActionDeny
		}
	case xen.MemAccess:
		if !paused {
			break
		}
		if sigma.AnyTagged(matches, sigma.TagEmulate) {
			rsp.Flags |= xen.FlagEmulate
			return rsp, ActionEmulate
		}
		if p.watching() && req.Flags.Has(xen.FlagAlternateP2M) && req.AltP2MIdx == p.WatchedView {
			rsp.Flags |= xen.FlagAlternateP2M | xen.FlagToggleSinglestep
			rsp.AltP2MIdx = xen.DefaultView
			p.Vcpus.SetStepping(req.Vcpu, true)
			return rsp, ActionSwitchView
		}
	case xen.Singlestep:
		if p.watching() && p.Vcpus.Stepping(req.Vcpu) {
			rsp.Flags |= xen.FlagAlternateP2M | xen.FlagToggleSinglestep
			rsp.AltP2MIdx = p.WatchedView
			p.Vcpus.SetStepping(req.Vcpu, false)
			return rsp, ActionRestoreView
		}
	}
	return rsp, ActionAllow
}
