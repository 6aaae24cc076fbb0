package platform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/xen"
)

func hexValue(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func reasonName(e *xen.Event) string {
	if e.Reason == nil {
		return xen.ReasonUnknown.String()
	}
	return e.Reason.Code().String()
}

func viewOf(e *xen.Event) uint16 {
	if e.Flags.Has(xen.FlagAlternateP2M) {
		return e.AltP2MIdx
	}
	return xen.DefaultView
}

// EventFields flattens a request into the field map rules are evaluated
// against. Every value is a string; numbers are hex except ids.
func EventFields(dom xen.DomainID, e *xen.Event) map[string]interface{} {
	f := map[string]interface{}{
		"Domain": dom.String(),
		"Vcpu":   e.Vcpu.String(),
		"Reason": reasonName(e),
		"Flags":  e.Flags.String(),
		"View":   strconv.Itoa(int(viewOf(e))),
	}

	switch r := e.Reason.(type) {
	case xen.WriteCtrlReg:
		f["CtrlReg"] = r.Index.String()
		f["NewValue"] = hexValue(r.NewValue)
		f["OldValue"] = hexValue(r.OldValue)
	case xen.MovToMsr:
		f["MSR"] = hexValue(r.MSR)
		f["NewValue"] = hexValue(r.NewValue)
		f["OldValue"] = hexValue(r.OldValue)
	case xen.MemAccess:
		f["GFN"] = hexValue(r.GFN)
		f["Access"] = r.Access().String()
		if r.Flags&xen.MemAccessGLAValid != 0 {
			f["GLA"] = hexValue(r.GLA)
		}
	case xen.SoftwareBreakpoint:
		f["GFN"] = hexValue(r.GFN)
	case xen.DebugException:
		f["GFN"] = hexValue(r.GFN)
	case xen.Singlestep:
		f["GFN"] = hexValue(r.GFN)
	case xen.Cpuid:
		f["Leaf"] = hexValue(uint64(r.Leaf))
		f["Subleaf"] = hexValue(uint64(r.Subleaf))
	case xen.IOInstruction:
		f["Port"] = hexValue(uint64(r.Port))
		if r.In != 0 {
			f["Direction"] = "in"
		} else {
			f["Direction"] = "out"
		}
	case xen.Interrupt:
		f["Vector"] = strconv.Itoa(int(r.Vector))
	case xen.VMExit:
		f["ExitReason"] = hexValue(r.Reason)
	}

	if regs, ok := e.Regs(); ok {
		f["RIP"] = hexValue(regs.RIP)
		f["CR3"] = hexValue(regs.CR3)
	}
	if insn, ok := e.Data.(*xen.EmulInsnData); ok {
		if text, err := insn.Disassemble(); err == nil {
			f["Instruction"] = text
		}
	}
	return f
}

// Summarize is a one-line description of a request.
func Summarize(e *xen.Event) string {
	switch r := e.Reason.(type) {
	case xen.WriteCtrlReg:
		return fmt.Sprintf("%s %#x -> %#x", r.Index, r.OldValue, r.NewValue)
	case xen.MovToMsr:
		return fmt.Sprintf("msr %#x %#x -> %#x", r.MSR, r.OldValue, r.NewValue)
	case xen.MemAccess:
		s := fmt.Sprintf("%s gfn %#x offset %#x", r.Access(), r.GFN, r.Offset)
		if r.Flags&xen.MemAccessGLAValid != 0 {
			s += fmt.Sprintf(" gla %#x", r.GLA)
		}
		return s
	case xen.SoftwareBreakpoint:
		return fmt.Sprintf("int3 gfn %#x", r.GFN)
	case xen.DebugException:
		return fmt.Sprintf("%s gfn %#x", r.Type, r.GFN)
	case xen.Singlestep:
		return fmt.Sprintf("step gfn %#x", r.GFN)
	case xen.Cpuid:
		return fmt.Sprintf("cpuid leaf %#x subleaf %#x", r.Leaf, r.Subleaf)
	case xen.IOInstruction:
		dir := "out"
		if r.In != 0 {
			dir = "in"
		}
		return fmt.Sprintf("%s port %#x size %d", dir, r.Port, r.Bytes)
	case xen.Interrupt:
		return fmt.Sprintf("vector %d cr2 %#x", r.Vector, r.CR2)
	case xen.DescriptorAccess:
		return fmt.Sprintf("descriptor %d write=%d", r.Descriptor, r.IsWrite)
	case xen.VMExit:
		return fmt.Sprintf("exit reason %#x qualification %#x", r.Reason, r.Qualification)
	case xen.Unknown:
		return fmt.Sprintf("reason %d", r.Raw)
	}
	return reasonName(e)
}

// NewEventRecord builds the stored form of a request and its response.
func NewEventRecord(dom xen.DomainID, req, rsp *xen.Event, action Action, ts time.Time) *database.EventRecord {
	rec := &database.EventRecord{
		Timestamp:     ts,
		Domain:        uint32(dom),
		Vcpu:          uint16(req.Vcpu),
		Reason:        reasonName(req),
		Flags:         req.Flags.String(),
		AltP2MIdx:     viewOf(req),
		Summary:       Summarize(req),
		Action:        string(action),
		ResponseFlags: rsp.Flags.String(),
	}
	switch r := req.Reason.(type) {
	case xen.MemAccess:
		rec.GFN = hexValue(r.GFN)
	case xen.SoftwareBreakpoint:
		rec.GFN = hexValue(r.GFN)
	case xen.DebugException:
		rec.GFN = hexValue(r.GFN)
	case xen.Singlestep:
		rec.GFN = hexValue(r.GFN)
	}
	if regs, ok := req.Regs(); ok {
		rec.RIP = hexValue(regs.RIP)
		rec.CR3 = hexValue(regs.CR3)
	}
	if insn, ok := req.Data.(*xen.EmulInsnData); ok {
		if text, err := insn.Disassemble(); err == nil {
			rec.Instruction = text
		}
	}
	if req.Reason != nil {
		if details, err := json.Marshal(req.Reason); err == nil {
			rec.Details = string(details)
		}
	}
	return rec
}
