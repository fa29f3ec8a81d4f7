package hv

import "errors"

// HypercallCode identifies one of the hypercalls a cell can issue via
// Hypercall (§6).
type HypercallCode uint64

const (
	HCDisable HypercallCode = iota
	HCCellCreate
	HCCellStart
	HCCellSetLoadable
	HCCellDestroy
	HCHypervisorGetInfo
	HCCellGetState
	HCCPUGetInfo
)

// Hypercall dispatches a single guest hypercall, mirroring the ABI
// convention of control.c's hypercall(): arg1/arg2 are the call's
// arguments, and the return value is either a non-negative result or a
// negative errno (§6). The caller's CPU's hypercall-entry counter is
// incremented unconditionally, matching NUM_CPU_STATS bookkeeping.
func (h *Hypervisor) Hypercall(caller CPUID, code HypercallCode, arg1, arg2 uint64) int64 {
	if cpu := h.percpuAt(caller); cpu != nil {
		cpu.Stats[StatVMExitsHypercall]++
	}

	switch code {
	case HCDisable:
		return toABI(h.Shutdown(caller))
	case HCCellCreate:
		id, err := h.Create(caller, arg1)
		if err != nil {
			return toABI(err)
		}
		return int64(id)
	case HCCellStart:
		return toABI(h.Start(caller, CellID(arg1)))
	case HCCellSetLoadable:
		return toABI(h.SetLoadable(caller, CellID(arg1)))
	case HCCellDestroy:
		return toABI(h.Destroy(caller, CellID(arg1)))
	case HCHypervisorGetInfo:
		v, err := h.HypervisorGetInfo(InfoType(arg1))
		if err != nil {
			return toABI(err)
		}
		return v
	case HCCellGetState:
		state, err := h.GetState(caller, CellID(arg1))
		if err != nil {
			return toABI(err)
		}
		return int64(state)
	case HCCPUGetInfo:
		v, err := h.CPUGetInfo(caller, CPUID(arg1), CPUInfoType(arg2))
		if err != nil {
			return toABI(err)
		}
		return v
	default:
		return toABI(ENOSYS)
	}
}

// toABI converts a nil error to 0 and any other error to its Errno value
// (already a negative small integer), unwrapping through any %w chain —
// wrapErrno wraps rather than returning a bare Errno, so a type assertion
// alone would miss it.
func toABI(err error) int64 {
	if err == nil {
		return 0
	}
	var errno Errno
	if errors.As(err, &errno) {
		return int64(errno)
	}
	return int64(EINVAL)
}
