package tracking

import (
	"time"

	"github.com/jnesss/vmi-recorder/xen"
)

// VcpuState is what the agent last saw on one vCPU.
type VcpuState struct {
	Vcpu       xen.VcpuID `json:"vcpu"`
	LastReason string     `json:"lastReason"`
	LastAction string     `json:"lastAction"`
	LastSeen   time.Time  `json:"lastSeen"`
	Events     uint64     `json:"events"`
	Denied     uint64     `json:"denied"`

	// Register values from the last request that carried a snapshot.
	CR3 uint64 `json:"cr3"`
	RIP uint64 `json:"rip"`

	// View is the altp2m view the vCPU was last seen in.
	View uint16 `json:"view"`
	// Stepping is set while the vCPU singlesteps outside the watched view.
	Stepping bool `json:"stepping"`
}

// VcpuTracker defines the interface for vCPU tracking
type VcpuTracker interface {
	Add(vcpu xen.VcpuID, state VcpuState)
	Get(vcpu xen.VcpuID) (VcpuState, bool)
	Remove(vcpu xen.VcpuID)
	List() []VcpuState
}

// RingSample is one periodic snapshot of a monitor session.
type RingSample struct {
	Timestamp time.Time
	Domain    xen.DomainID
	xen.RingStats

	// Backlog is requests produced but not yet consumed.
	Backlog     uint32
	Requests    uint64
	Denied      uint64
	ActiveVcpus int
}

// StatsStorage defines what we need from our storage backend for ring stats
type StatsStorage interface {
	InsertRingSample(sample *RingSample) error
}

// StatsSource hands out snapshots of a running session. ok is false while
// no session is active.
type StatsSource interface {
	RingSample() (sample *RingSample, ok bool)
}
