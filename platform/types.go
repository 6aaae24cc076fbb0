package platform

import (
	"context"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

// Action is the disposition given to a request.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionDeny        Action = "deny"
	ActionEmulate     Action = "emulate"
	ActionSwitchView  Action = "switch_view"
	ActionRestoreView Action = "restore_view"
)

// VMIMonitor interface defines what we need from a monitoring backend
type VMIMonitor interface {
	Start(context.Context) error
	Stop() error
	GetVcpuMap() *tracking.VcpuMap
}

// EventStore is where requests, responses and views are recorded.
type EventStore interface {
	InsertEvent(rec *database.EventRecord) (int64, error)
	InsertView(rec *database.ViewRecord) (int64, error)
	CloseView(domain uint32, view uint16) error
}

// EventsConfig selects the monitor events to subscribe to.
type EventsConfig struct {
	// CtrlRegs are register names accepted by xen.ParseCtrlReg.
	CtrlRegs            []string `yaml:"ctrlregs"`
	CtrlRegSync         bool     `yaml:"ctrlreg_sync"`
	CtrlRegOnChangeOnly bool     `yaml:"ctrlreg_on_change_only"`
	CtrlRegBitmask      uint64   `yaml:"ctrlreg_bitmask"`

	MSRs            []uint32 `yaml:"msrs"`
	MSROnChangeOnly bool     `yaml:"msr_on_change_only"`

	Singlestep         bool `yaml:"singlestep"`
	SoftwareBreakpoint bool `yaml:"software_breakpoint"`
	DescriptorAccess   bool `yaml:"descriptor_access"`
	Cpuid              bool `yaml:"cpuid"`
	PrivilegedCall     bool `yaml:"privileged_call"`
	EmulUnimplemented  bool `yaml:"emul_unimplemented"`
	IO                 bool `yaml:"io"`
	EmulateEachRep     bool `yaml:"emulate_each_rep"`

	GuestRequest          bool `yaml:"guest_request"`
	GuestRequestSync      bool `yaml:"guest_request_sync"`
	GuestRequestUserspace bool `yaml:"guest_request_userspace"`
	DebugExceptions       bool `yaml:"debug_exceptions"`
	DebugExceptionsSync   bool `yaml:"debug_exceptions_sync"`
	VMExit                bool `yaml:"vmexit"`
	VMExitSync            bool `yaml:"vmexit_sync"`

	// DisableInguestPagefault suppresses mem_access events raised by the
	// guest's own page table walks.
	DisableInguestPagefault bool `yaml:"disable_inguest_pagefault"`
}

// AltP2MConfig describes the watched view.
type AltP2MConfig struct {
	Enabled bool `yaml:"enabled"`
	// DefaultAccess is the view's default permission, "rwx" if empty.
	DefaultAccess string `yaml:"default_access"`
	// WatchedAccess is applied to GFNs, "r-x" if empty.
	WatchedAccess string   `yaml:"watched_access"`
	GFNs          []uint64 `yaml:"gfns"`
}

// MonitorConfig holds configuration for creating a new monitor
type MonitorConfig struct {
	Domain xen.DomainID
	Events EventsConfig
	AltP2M AltP2MConfig
}
