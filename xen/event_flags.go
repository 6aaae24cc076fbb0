package xen

import (
	"strings"
)

// EventFlag is the vm_event flag set carried by every request and response.
type EventFlag uint32

const (
	// FlagVcpuPaused in a request: the vCPU that raised the event is paused.
	// In a response: unpause it.
	FlagVcpuPaused EventFlag = 1 << 0
	// FlagForeign marks events raised by a foreign domain.
	FlagForeign EventFlag = 1 << 1
	// FlagEmulate emulates the faulting instruction without lifting the
	// page restriction.
	FlagEmulate EventFlag = 1 << 2
	// FlagEmulateNoWrite is FlagEmulate with writes and side effects
	// suppressed.
	FlagEmulateNoWrite EventFlag = 1 << 3
	// FlagToggleSinglestep toggles singlestepping on resume. Synchronous
	// events only.
	FlagToggleSinglestep EventFlag = 1 << 4
	// FlagSetEmulReadData supplies the data returned by reads during
	// emulation. Takes precedence over FlagEmulateNoWrite.
	FlagSetEmulReadData EventFlag = 1 << 5
	// FlagDeny vetoes the control register or MSR write that raised the
	// event. Synchronous events only.
	FlagDeny EventFlag = 1 << 6
	// FlagAlternateP2M in a request: the event occurred in the view named by
	// AltP2MIdx. In a response: resume in that view.
	FlagAlternateP2M EventFlag = 1 << 7
	// FlagSetRegisters loads the response register snapshot into the vCPU.
	FlagSetRegisters EventFlag = 1 << 8
	// FlagSetEmulInsnData supplies the instruction bytes for emulation.
	// Ignored if FlagSetEmulReadData or FlagEmulateNoWrite is set.
	FlagSetEmulInsnData EventFlag = 1 << 9
	// FlagGetNextInterrupt requests a one-shot interrupt event.
	FlagGetNextInterrupt EventFlag = 1 << 10
	// FlagFastSinglestep singlesteps once and switches to the view given by
	// FlagOptions.FastSinglestep.
	FlagFastSinglestep EventFlag = 1 << 11
	// FlagNestedP2M marks events from a nested guest; RegsX86.NptBase is valid.
	FlagNestedP2M EventFlag = 1 << 12
	// FlagResetVMTrace resets the vmtrace buffer.
	FlagResetVMTrace EventFlag = 1 << 13
	// FlagResetForkState resets the state of a forked domain.
	FlagResetForkState EventFlag = 1 << 14
	// FlagResetForkMemory drops unshared pages of a forked domain.
	FlagResetForkMemory EventFlag = 1 << 15

	allEventFlags EventFlag = 1<<16 - 1
)

var eventFlagNames = [...]string{
	"VCPU_PAUSED",
	"FOREIGN",
	"EMULATE",
	"EMULATE_NOWRITE",
	"TOGGLE_SINGLESTEP",
	"SET_EMUL_READ_DATA",
	"DENY",
	"ALTERNATE_P2M",
	"SET_REGISTERS",
	"SET_EMUL_INSN_DATA",
	"GET_NEXT_INTERRUPT",
	"FAST_SINGLESTEP",
	"NESTED_P2M",
	"RESET_VMTRACE",
	"RESET_FORK_STATE",
	"RESET_FORK_MEMORY",
}

// Has reports whether all bits of o are set.
func (f EventFlag) Has(o EventFlag) bool {
	return f&o == o
}

// Truncate drops bits the interface does not define.
func (f EventFlag) Truncate() EventFlag {
	return f & allEventFlags
}

func (f EventFlag) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for i, name := range eventFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
