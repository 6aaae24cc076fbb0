package web

import (
	"context"

	"github.com/jnesss/vmi-recorder/tracking"
)

// Session is the running monitor as seen by the web API.
type Session interface {
	RingSample() (*tracking.RingSample, bool)
	GetVcpuMap() *tracking.VcpuMap
	GetAccessTracker() *tracking.AccessTracker
}

// SessionStats is the live part of /api/stats.
type SessionStats struct {
	Ring      *tracking.RingSample   `json:"ring"`
	Vcpus     []tracking.VcpuState   `json:"vcpus"`
	TopFrames []tracking.FrameAccess `json:"topFrames"`
}

// WebServer defines the interface for the web server
type WebServer interface {
	Start(ctx context.Context) error
	Stop() error
}
