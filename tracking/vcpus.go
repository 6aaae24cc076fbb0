package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/jnesss/vmi-recorder/xen"
)

// VcpuMap is a thread-safe map of vCPU state
type VcpuMap struct {
	vcpus map[xen.VcpuID]*VcpuState
	mu    sync.RWMutex
}

// NewVcpuMap creates a new vCPU map
func NewVcpuMap() *VcpuMap {
	return &VcpuMap{
		vcpus: make(map[xen.VcpuID]*VcpuState),
	}
}

// Add adds or replaces a vCPU in the map
func (vm *VcpuMap) Add(vcpu xen.VcpuID, state VcpuState) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	state.Vcpu = vcpu
	vm.vcpus[vcpu] = &state
}

// Get returns a copy of a vCPU's state
func (vm *VcpuMap) Get(vcpu xen.VcpuID) (VcpuState, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	s, ok := vm.vcpus[vcpu]
	if !ok {
		return VcpuState{}, false
	}
	return *s, true
}

// Remove removes a vCPU from the map
func (vm *VcpuMap) Remove(vcpu xen.VcpuID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.vcpus, vcpu)
}

// List returns copies of all vCPU states ordered by vCPU id
func (vm *VcpuMap) List() []VcpuState {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]VcpuState, 0, len(vm.vcpus))
	for _, s := range vm.vcpus {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vcpu < out[j].Vcpu })
	return out
}

// Len is the number of vCPUs seen.
func (vm *VcpuMap) Len() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return len(vm.vcpus)
}

// Observe records a request and the disposition given to it.
func (vm *VcpuMap) Observe(e *xen.Event, action string, denied bool, now time.Time) VcpuState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	s, ok := vm.vcpus[e.Vcpu]
	if !ok {
		s = &VcpuState{Vcpu: e.Vcpu}
		vm.vcpus[e.Vcpu] = s
	}
	s.Events++
	if denied {
		s.Denied++
	}
	s.LastSeen = now
	s.LastAction = action
	if e.Reason != nil {
		s.LastReason = e.Reason.Code().String()
	}
	if regs, ok := e.Regs(); ok {
		s.CR3 = regs.CR3
		s.RIP = regs.RIP
	}
	if e.Flags.Has(xen.FlagAlternateP2M) {
		s.View = e.AltP2MIdx
	} else {
		s.View = xen.DefaultView
	}
	return *s
}

// SetStepping marks whether a vCPU is singlestepping outside the watched
// view.
func (vm *VcpuMap) SetStepping(vcpu xen.VcpuID, stepping bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	s, ok := vm.vcpus[vcpu]
	if !ok {
		s = &VcpuState{Vcpu: vcpu}
		vm.vcpus[vcpu] = s
	}
	s.Stepping = stepping
}

// Stepping reports whether a vCPU is singlestepping outside the watched
// view.
func (vm *VcpuMap) Stepping(vcpu xen.VcpuID) bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	s, ok := vm.vcpus[vcpu]
	return ok && s.Stepping
}
