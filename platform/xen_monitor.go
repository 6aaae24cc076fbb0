package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/metrics"
	"github.com/jnesss/vmi-recorder/sigma"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

// XenMonitor runs one vm_event session against one domain.
type XenMonitor struct {
	ctrl     xen.Control
	db       EventStore
	detector *sigma.Detector
	metrics  *metrics.Metrics
	cfg      MonitorConfig

	vcpus  *tracking.VcpuMap
	access *tracking.AccessTracker
	policy *Policy
	log    *logrus.Entry

	mu       sync.Mutex
	evtchn   xen.EventChannel
	cancel   context.CancelFunc
	done     chan struct{}
	sample   *tracking.RingSample
	requests uint64
	denied   uint64
}

var _ VMIMonitor = (*XenMonitor)(nil)

// NewXenMonitor prepares a session. db, detector and m may be nil.
func NewXenMonitor(ctrl xen.Control, db EventStore, detector *sigma.Detector, m *metrics.Metrics, cfg MonitorConfig) (*XenMonitor, error) {
	access, err := tracking.NewAccessTracker(tracking.DefaultAccessTrackerSize)
	if err != nil {
		return nil, err
	}
	vcpus := tracking.NewVcpuMap()
	return &XenMonitor{
		ctrl:     ctrl,
		db:       db,
		detector: detector,
		metrics:  m,
		cfg:      cfg,
		vcpus:    vcpus,
		access:   access,
		policy:   &Policy{Vcpus: vcpus},
		log:      logrus.WithField("domain", cfg.Domain),
	}, nil
}

// GetVcpuMap returns the per-vCPU state of the session.
func (m *XenMonitor) GetVcpuMap() *tracking.VcpuMap {
	return m.vcpus
}

// GetAccessTracker returns the per-frame access counters.
func (m *XenMonitor) GetAccessTracker() *tracking.AccessTracker {
	return m.access
}

// RingSample returns the snapshot taken after the last drain.
func (m *XenMonitor) RingSample() (*tracking.RingSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sample == nil {
		return nil, false
	}
	s := *m.sample
	return &s, true
}

// Stop cancels a running Start and waits for teardown.
func (m *XenMonitor) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Start enables monitoring, subscribes to the configured events and serves
// requests until ctx is cancelled or Stop is called. Everything set up is
// torn down before Start returns.
func (m *XenMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor for domain %s already running", m.cfg.Domain)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		close(m.done)
		m.cancel = nil
		m.sample = nil
		m.mu.Unlock()
	}()

	dom := m.cfg.Domain
	mon, ring, err := xen.EnableMonitor(m.ctrl, dom)
	if err != nil {
		return fmt.Errorf("failed to enable monitor: %w", err)
	}
	defer mon.Close()

	// The domain stays paused until the channel is bound so nothing is
	// produced before the agent can be told about it.
	guard, err := xen.PauseDomain(m.ctrl, dom)
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := m.subscribe(mon); err != nil {
		return err
	}

	if m.cfg.AltP2M.Enabled {
		alt, view, err := m.setupView()
		if err != nil {
			return err
		}
		defer func() {
			if err := alt.Close(); err != nil {
				m.log.WithError(err).Warn("Failed to tear down altp2m")
			}
			m.policy.WatchedView = xen.DefaultView
			if m.db != nil {
				if err := m.db.CloseView(uint32(dom), view); err != nil {
					m.log.WithError(err).Warn("Failed to record view teardown")
				}
			}
		}()
	}

	port, err := m.bindChannel(mon)
	if err != nil {
		return err
	}
	defer port.Close()

	if err := guard.Release(); err != nil {
		return err
	}
	m.updateStats(ring)
	m.log.WithField("port", port.LocalPort()).Info("Monitoring domain")

	err = m.loop(ctx, ring, port)
	m.log.WithFields(logrus.Fields{
		"requests": m.requests,
		"denied":   m.denied,
	}).Info("Monitor stopped")
	return err
}

// UseEventChannel hands the monitor an event channel opened by the caller,
// typically before dropping privileges. The next Start binds on it and
// closes it at teardown.
func (m *XenMonitor) UseEventChannel(ch xen.EventChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evtchn = ch
}

func (m *XenMonitor) bindChannel(mon *xen.Monitor) (*xen.EventChannelPort, error) {
	m.mu.Lock()
	ch := m.evtchn
	m.evtchn = nil
	m.mu.Unlock()
	if ch == nil {
		return mon.Channel()
	}
	return mon.BindChannel(ch)
}

func (m *XenMonitor) subscribe(mon *xen.Monitor) error {
	ev := m.cfg.Events
	for _, name := range ev.CtrlRegs {
		reg, err := xen.ParseCtrlReg(name)
		if err != nil {
			return err
		}
		if err := mon.WriteCtrlReg(reg, true, ev.CtrlRegSync, ev.CtrlRegBitmask, ev.CtrlRegOnChangeOnly); err != nil {
			return err
		}
	}
	for _, msr := range ev.MSRs {
		if err := mon.MovToMsr(msr, true, ev.MSROnChangeOnly); err != nil {
			return err
		}
	}

	// The watched view is restored on the singlestep after a violation, and
	// Xen drops singlestep events unless the class is subscribed.
	singlestep := ev.Singlestep || m.cfg.AltP2M.Enabled

	toggles := []struct {
		on bool
		fn func(bool) error
	}{
		{singlestep, mon.Singlestep},
		{ev.SoftwareBreakpoint, mon.SoftwareBreakpoint},
		{ev.DescriptorAccess, mon.DescriptorAccess},
		{ev.Cpuid, mon.Cpuid},
		{ev.PrivilegedCall, mon.PrivilegedCall},
		{ev.EmulUnimplemented, mon.EmulUnimplemented},
		{ev.IO, mon.IO},
		{ev.EmulateEachRep, mon.EmulateEachRep},
	}
	for _, t := range toggles {
		if !t.on {
			continue
		}
		if err := t.fn(true); err != nil {
			return err
		}
	}

	if ev.GuestRequest {
		if err := mon.GuestRequest(true, ev.GuestRequestSync, ev.GuestRequestUserspace); err != nil {
			return err
		}
	}
	if ev.DebugExceptions {
		if err := mon.DebugExceptions(true, ev.DebugExceptionsSync); err != nil {
			return err
		}
	}
	if ev.VMExit {
		if err := mon.VMExit(true, ev.VMExitSync); err != nil {
			return err
		}
	}
	if ev.DisableInguestPagefault {
		if err := mon.InguestPagefault(true); err != nil {
			return err
		}
	}
	return nil
}

func accessOrDefault(s string, def xen.MemoryAccess) (xen.MemoryAccess, error) {
	if s == "" {
		return def, nil
	}
	return xen.ParseMemoryAccess(s)
}

// setupView creates the watched view, restricts the configured frames in it
// and switches the domain to it.
func (m *XenMonitor) setupView() (*xen.AltP2M, uint16, error) {
	cfg := m.cfg.AltP2M
	def, err := accessOrDefault(cfg.DefaultAccess, xen.AccessRWX)
	if err != nil {
		return nil, 0, err
	}
	watched, err := accessOrDefault(cfg.WatchedAccess, xen.AccessRX)
	if err != nil {
		return nil, 0, err
	}

	alt, err := xen.EnableAltP2M(m.ctrl, m.cfg.Domain)
	if err != nil {
		return nil, 0, err
	}
	fail := func(err error) (*xen.AltP2M, uint16, error) {
		if cerr := alt.Close(); cerr != nil {
			m.log.WithError(cerr).Warn("Failed to tear down altp2m")
		}
		return nil, 0, err
	}

	view, err := alt.CreateView(def)
	if err != nil {
		return fail(err)
	}
	if len(cfg.GFNs) > 0 {
		perms := make([]xen.MemoryAccess, len(cfg.GFNs))
		for i := range perms {
			perms[i] = watched
		}
		if err := view.SetPermissionMulti(perms, cfg.GFNs); err != nil {
			return fail(err)
		}
	}
	if err := view.Switch(); err != nil {
		return fail(err)
	}
	m.policy.WatchedView = view.ID()

	if m.db != nil {
		gfns := make([]string, len(cfg.GFNs))
		for i, g := range cfg.GFNs {
			gfns[i] = hexValue(g)
		}
		if _, err := m.db.InsertView(&database.ViewRecord{
			Domain:        uint32(m.cfg.Domain),
			View:          view.ID(),
			DefaultAccess: def.String(),
			WatchedGFNs:   gfns,
			CreatedAt:     time.Now(),
		}); err != nil {
			m.log.WithError(err).Warn("Failed to record view")
		}
	}
	m.log.WithFields(logrus.Fields{
		"view":   view.ID(),
		"frames": len(cfg.GFNs),
		"access": watched.String(),
	}).Info("Watched view active")
	return alt, view.ID(), nil
}

func (m *XenMonitor) loop(ctx context.Context, ring *xen.EventRing, port *xen.EventChannelPort) error {
	for {
		err := port.WaitContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Requests already on the ring belong to paused vCPUs.
				if derr := m.drain(ring, port); derr != nil {
					m.log.WithError(derr).Warn("Final drain failed")
				}
				return nil
			}
			if errors.Is(err, xen.ErrUnexpectedPort) {
				return err
			}
			return fmt.Errorf("failed to wait on event channel: %w", err)
		}
		if m.metrics != nil {
			m.metrics.Wakeups.Inc()
		}
		if err := m.drain(ring, port); err != nil {
			return err
		}
	}
}

// drain handles every unconsumed request and notifies the hypervisor once.
func (m *XenMonitor) drain(ring *xen.EventRing, port *xen.EventChannelPort) error {
	handled := 0
	for ring.HasUnconsumedRequests() {
		req, err := ring.GetRequest()
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}
		rsp := m.handle(req)
		if err := ring.PutResponse(rsp); err != nil {
			return fmt.Errorf("failed to put response: %w", err)
		}
		handled++
	}
	m.updateStats(ring)
	if handled == 0 {
		return nil
	}
	return port.Notify()
}

func (m *XenMonitor) handle(req *xen.Event) *xen.Event {
	now := time.Now()
	dom := m.cfg.Domain
	fields := EventFields(dom, req)

	var matches []sigma.MatchResult
	if m.detector != nil {
		matches = m.detector.CheckEvent(context.Background(), fields, sigma.EventType)
	}

	rsp, action := m.policy.Decide(req, matches)
	denied := action == ActionDeny
	m.vcpus.Observe(req, string(action), denied, now)
	if r, ok := req.Reason.(xen.MemAccess); ok {
		m.access.Record(req.Vcpu, r, now)
	}

	m.mu.Lock()
	m.requests++
	if denied {
		m.denied++
	}
	m.mu.Unlock()

	if m.metrics != nil {
		domLabel := dom.String()
		m.metrics.Requests.WithLabelValues(domLabel, reasonName(req)).Inc()
		m.metrics.Responses.WithLabelValues(domLabel, string(action)).Inc()
		for _, match := range matches {
			m.metrics.RuleMatches.WithLabelValues(match.Rule.ID).Inc()
		}
	}

	log := m.log.WithFields(logrus.Fields{
		"vcpu":   req.Vcpu,
		"reason": reasonName(req),
		"action": action,
	})
	if len(matches) > 0 || denied {
		log.Info(Summarize(req))
	} else {
		log.Debug(Summarize(req))
	}

	if m.db == nil {
		return rsp
	}
	id, err := m.db.InsertEvent(NewEventRecord(dom, req, rsp, action, now))
	if err != nil {
		log.WithError(err).Warn("Failed to store event")
		return rsp
	}
	if len(matches) > 0 && m.detector != nil {
		fields["id"] = id
		for _, match := range matches {
			if err := m.detector.StoreMatch(match, fields, sigma.EventType, string(action)); err != nil {
				log.WithError(err).Warn("Failed to store sigma match")
			}
		}
	}
	return rsp
}

func (m *XenMonitor) updateStats(ring *xen.EventRing) {
	stats := ring.Stats()
	backlog := stats.ReqProd - stats.ReqCons

	m.mu.Lock()
	m.sample = &tracking.RingSample{
		Timestamp:   time.Now(),
		Domain:      m.cfg.Domain,
		RingStats:   stats,
		Backlog:     backlog,
		Requests:    m.requests,
		Denied:      m.denied,
		ActiveVcpus: m.vcpus.Len(),
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Backlog.WithLabelValues(m.cfg.Domain.String()).Set(float64(backlog))
	}
}
