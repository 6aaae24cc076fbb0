package tracking

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/vmi-recorder/xen"
)

// DefaultAccessTrackerSize bounds the number of frames tracked.
const DefaultAccessTrackerSize = 4096

// FrameAccess counts permission violations on one guest frame.
type FrameAccess struct {
	GFN      uint64     `json:"gfn"`
	Reads    uint64     `json:"reads"`
	Writes   uint64     `json:"writes"`
	Executes uint64     `json:"executes"`
	LastVcpu xen.VcpuID `json:"lastVcpu"`
	LastSeen time.Time  `json:"lastSeen"`
}

// Total is the sum of all violations.
func (f FrameAccess) Total() uint64 {
	return f.Reads + f.Writes + f.Executes
}

// AccessTracker keeps violation counts for the most recently hit frames.
// Frames falling out of the cache lose their counts.
type AccessTracker struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewAccessTracker creates a tracker holding at most size frames.
func NewAccessTracker(size int) (*AccessTracker, error) {
	if size <= 0 {
		size = DefaultAccessTrackerSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &AccessTracker{cache: c}, nil
}

// Record counts one violation and returns the frame's updated totals.
func (t *AccessTracker) Record(vcpu xen.VcpuID, r xen.MemAccess, now time.Time) FrameAccess {
	t.mu.Lock()
	defer t.mu.Unlock()

	var f *FrameAccess
	if v, ok := t.cache.Get(r.GFN); ok {
		f = v.(*FrameAccess)
	} else {
		f = &FrameAccess{GFN: r.GFN}
		t.cache.Add(r.GFN, f)
	}
	access := r.Access()
	if access.Has(xen.AccessR) {
		f.Reads++
	}
	if access.Has(xen.AccessW) {
		f.Writes++
	}
	if access.Has(xen.AccessX) {
		f.Executes++
	}
	f.LastVcpu = vcpu
	f.LastSeen = now
	return *f
}

// Get returns a frame's counts without touching its recency.
func (t *AccessTracker) Get(gfn uint64) (FrameAccess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Peek(gfn)
	if !ok {
		return FrameAccess{}, false
	}
	return *v.(*FrameAccess), true
}

// Top returns up to n frames with the most violations.
func (t *AccessTracker) Top(n int) []FrameAccess {
	t.mu.Lock()
	out := make([]FrameAccess, 0, t.cache.Len())
	for _, k := range t.cache.Keys() {
		if v, ok := t.cache.Peek(k); ok {
			out = append(out, *v.(*FrameAccess))
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total() != out[j].Total() {
			return out[i].Total() > out[j].Total()
		}
		return out[i].GFN < out[j].GFN
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len is the number of frames tracked.
func (t *AccessTracker) Len() int {
	return t.cache.Len()
}
