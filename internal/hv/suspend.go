package hv

// SuspendCell suspends every CPU assigned to cell except caller, synchronously:
// each Arch.SuspendCPU call is expected to block until that CPU has
// acknowledged suspension (§4.4). The calling CPU's own suspension, if it
// is a member of cell, is left to the caller (cell_suspend never suspends
// the CPU it runs on).
func (h *Hypervisor) SuspendCell(cell *Cell, caller CPUID) error {
	var firstErr error
	cell.CPUSet.ForEach(caller, func(cpu CPUID) {
		if firstErr != nil {
			return
		}
		if err := h.arch.SuspendCPU(cpu); err != nil {
			firstErr = err
		}
	})
	return firstErr
}

// ResumeCell is the mirror of SuspendCell: every non-caller CPU owned by
// cell is resumed. Resume is also the exclusive mutual
// exclusion mechanism between reconfiguration operations and guest
// execution on the affected cell's CPUs — callers must not resume a cell
// until every other invariant the operation requires has already been
// re-established, because resume is the point guest code becomes
// observable again.
func (h *Hypervisor) ResumeCell(cell *Cell, caller CPUID) error {
	var firstErr error
	cell.CPUSet.ForEach(caller, func(cpu CPUID) {
		if firstErr != nil {
			return
		}
		if err := h.arch.ResumeCPU(cpu); err != nil {
			firstErr = err
		}
	})
	return firstErr
}
