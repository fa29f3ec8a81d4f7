package hv

import "fmt"

// Create implements CELL_CREATE (§4.1, §6): reads a configuration
// descriptor out of guest memory at configAddr, validates it, and splices a
// new cell into the registry. Every step after the first successful
// allocation is unwound on failure by a reassignable rollback closure, the
// idiomatic replacement for the original's labeled goto ladder (§9 Design
// Note).
func (h *Hypervisor) Create(caller CPUID, configAddr uint64) (CellID, error) {
	callerCPU := h.percpuAt(caller)
	if callerCPU == nil || callerCPU.Cell != h.root {
		return 0, EPERM
	}

	if err := h.SuspendCell(h.root, caller); err != nil {
		return 0, err
	}
	rollback := func() { _ = h.ResumeCell(h.root, caller) }
	defer func() {
		if rollback != nil {
			rollback()
		}
	}()

	if !h.cellReconfigOk(nil) {
		return 0, EPERM
	}

	pageOffs := pageOffset(configAddr)
	headPages := pagesForBytes(configHeaderSize + pageOffs)
	if headPages > NumTemporaryPages {
		return 0, E2BIG
	}
	mapped, err := h.guestMem.MapConfig(configAddr-uint64(pageOffs), headPages)
	if err != nil {
		return 0, wrapErrno(ENOMEM, err)
	}
	if len(mapped) < pageOffs+configHeaderSize {
		return 0, wrapErrno(ENOMEM, fmt.Errorf("guest mapping too small"))
	}

	hdr, err := decodeConfigHeader(mapped[pageOffs:])
	if err != nil {
		return 0, err
	}

	if h.findCellByName(hdr.name) != nil {
		return 0, EEXIST
	}

	totalSize := hdr.memRegionOffset + hdr.numMemRegions*memRegionWireSize
	totalPages := pagesForBytes(totalSize + pageOffs)
	if totalPages > NumTemporaryPages {
		return 0, E2BIG
	}
	// Second mapping, now at the full size. The header decoded above is not
	// re-checked against it; the descriptor is only stable here because root
	// stays suspended for the whole of Create.
	mapped, err = h.guestMem.MapConfig(configAddr-uint64(pageOffs), totalPages)
	if err != nil {
		return 0, wrapErrno(ENOMEM, err)
	}

	cellCfg, err := decodeCellConfig(mapped[pageOffs:])
	if err != nil {
		return 0, err
	}

	if err := CheckMemRegions(h.log, cellCfg.MemoryRegions); err != nil {
		return 0, err
	}

	// The cell structure and its embedded configuration are themselves
	// accounted against mem_pool, mirroring cell_create's
	// page_alloc(&mem_pool, cell_pages): dataPages pages are reserved here
	// purely for bookkeeping (InfoMemPoolUsed must reflect them) and
	// released again on every exit path, successful or not.
	dataPages := pagesForBytes(totalSize)
	if dataPages == 0 {
		dataPages = 1
	}
	cellHandle, _, err := h.memPool.PageAlloc(dataPages)
	if err != nil {
		return 0, wrapErrno(ENOMEM, err)
	}
	{
		prev := rollback
		rollback = func() {
			h.memPool.PageFree(cellHandle, dataPages)
			prev()
		}
	}

	cell := &Cell{
		Config:     cellCfg,
		CPUSet:     &CPUSet{},
		Comm:       &CommPage{},
		DataPages:  dataPages,
		pageHandle: cellHandle,
	}
	if err := cell.CPUSet.Init(h.memPool, cellCfg.CPUSetBitmap, cellCfg.CPUSetSizeBytes); err != nil {
		return 0, err
	}
	cell.Comm.Init()
	{
		prev := rollback
		rollback = func() {
			cell.CPUSet.Destroy()
			prev()
		}
	}

	cell.ID = h.getFreeCellID()

	if cellOwnsCPU(cell, caller) {
		return 0, EBUSY
	}
	conflict := false
	cell.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		if !cellOwnsCPU(h.root, cpu) {
			conflict = true
		}
	})
	if conflict {
		return 0, EBUSY
	}

	if err := h.arch.CellCreate(callerCPU, cell); err != nil {
		return 0, err
	}

	cell.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		_ = h.arch.ParkCPU(cpu)
		h.root.CPUSet.Clear(cpu)
		h.percpuAt(cpu).Cell = cell
		h.percpuAt(cpu).Stats = [NumCPUStats]uint32{}
	})
	// mappedRegions tracks only the regions that have fully left root and
	// entered cell (both steps below succeeded); the rollback closure
	// captures it by reference so it sees whatever the loop got through by
	// the time an error actually triggers it.
	var mappedRegions []MemoryRegion
	{
		prev := rollback
		rollback = func() {
			h.destroyInternal(callerCPU, cell, mappedRegions)
			prev()
		}
	}

	for _, m := range cell.Config.MemoryRegions {
		if m.Flags&MemCommRegion == 0 {
			if err := h.unmapFromRootCell(m); err != nil {
				return 0, err
			}
		}
		if err := h.arch.MapMemoryRegion(cell, m); err != nil {
			// m already left root above but never entered cell: restore it
			// to root directly rather than leave it stranded, since
			// destroyInternal only unwinds the regions in mappedRegions.
			if m.Flags&MemCommRegion == 0 {
				_ = h.remapToRootCell(m, WarnOnError)
			}
			return 0, err
		}
		mappedRegions = append(mappedRegions, m)
	}

	if err := h.arch.ConfigCommit(callerCPU, cell); err != nil {
		return 0, err
	}

	cell.Comm.SetState(CellStateShutDown)

	h.insertCell(cell)

	h.cellReconfigCompleted()
	h.log.Infof("created cell %q", cell.Config.Name)

	rollback = func() { _ = h.ResumeCell(h.root, caller) }
	return cell.ID, nil
}

// destroyInternal reverses everything arch.CellCreate did and unwinds
// regions out of cell and back to root, restoring ownership of the cell's
// CPUs along the way. regions must be exactly the set of memory regions
// currently installed in cell: Destroy passes the cell's full configured
// list (everything is installed by the time a running cell is torn down),
// while Create's rollback ladder passes only the prefix its mapping loop
// actually got through before failing, so a region still owned by root at
// the point of failure is never touched here (§4.1).
func (h *Hypervisor) destroyInternal(callerCPU *PerCPU, cell *Cell, regions []MemoryRegion) {
	cell.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		_ = h.arch.ParkCPU(cpu)
		h.root.CPUSet.Set(cpu)
		h.percpuAt(cpu).Cell = h.root
		h.percpuAt(cpu).Failed = false
		h.percpuAt(cpu).Stats = [NumCPUStats]uint32{}
	})

	for _, m := range regions {
		_ = h.arch.UnmapMemoryRegion(cell, m)
		if m.Flags&MemCommRegion == 0 {
			_ = h.remapToRootCell(m, WarnOnError)
		}
	}

	_ = h.arch.CellDestroy(callerCPU, cell)
	_ = h.arch.ConfigCommit(callerCPU, cell)
}

// Start implements CELL_START (§4.1, §6).
func (h *Hypervisor) Start(caller CPUID, id CellID) error {
	callerCPU := h.percpuAt(caller)
	cell, err := h.cellManagementPrologue(taskStart, caller, id)
	if err != nil {
		return err
	}

	if cell.Loadable {
		for _, m := range cell.Config.MemoryRegions {
			if m.Flags&MemLoadable == 0 {
				continue
			}
			if err := h.unmapFromRootCell(m); err != nil {
				_ = h.ResumeCell(cell, caller)
				_ = h.ResumeCell(h.root, caller)
				return err
			}
		}
		_ = h.arch.ConfigCommit(callerCPU, nil)
		cell.Loadable = false
	}

	cell.Comm.SetState(CellStateRunning)
	cell.Comm.Post(MsgNone)

	cell.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		h.percpuAt(cpu).Failed = false
		_ = h.arch.ResetCPU(cpu)
	})

	h.log.Infof("started cell %q", cell.Config.Name)

	_ = h.ResumeCell(cell, caller)
	_ = h.ResumeCell(h.root, caller)
	return nil
}

// SetLoadable implements CELL_SET_LOADABLE (§4.1, §6).
func (h *Hypervisor) SetLoadable(caller CPUID, id CellID) error {
	callerCPU := h.percpuAt(caller)
	cell, err := h.cellManagementPrologue(taskSetLoadable, caller, id)
	if err != nil {
		return err
	}

	cell.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		h.percpuAt(cpu).Failed = false
		_ = h.arch.ParkCPU(cpu)
	})

	if cell.Loadable {
		_ = h.ResumeCell(cell, caller)
		_ = h.ResumeCell(h.root, caller)
		return nil
	}

	cell.Comm.SetState(CellStateShutDown)
	cell.Loadable = true

	for _, m := range cell.Config.MemoryRegions {
		if m.Flags&MemLoadable == 0 {
			continue
		}
		if err := h.remapToRootCell(m, AbortOnError); err != nil {
			_ = h.ResumeCell(cell, caller)
			_ = h.ResumeCell(h.root, caller)
			return err
		}
	}

	_ = h.arch.ConfigCommit(callerCPU, nil)
	h.log.Infof("cell %q can be loaded", cell.Config.Name)

	_ = h.ResumeCell(cell, caller)
	_ = h.ResumeCell(h.root, caller)
	return nil
}

// Destroy implements CELL_DESTROY (§4.1, §6). Unlike the original, the
// cell's CPU-set storage is explicitly freed here (cell.CPUSet.Destroy()):
// every allocation must be balanced by a free on every exit path, and the
// source this was ported from never released a heap-spilled CPU-set page
// on this path.
func (h *Hypervisor) Destroy(caller CPUID, id CellID) error {
	callerCPU := h.percpuAt(caller)
	cell, err := h.cellManagementPrologue(taskDestroy, caller, id)
	if err != nil {
		return err
	}

	h.log.Infof("closing cell %q", cell.Config.Name)

	h.destroyInternal(callerCPU, cell, cell.Config.MemoryRegions)
	h.removeCell(cell)
	cell.CPUSet.Destroy()
	h.memPool.PageFree(cell.pageHandle, cell.DataPages)

	h.cellReconfigCompleted()

	_ = h.ResumeCell(h.root, caller)
	return nil
}

// GetState implements CELL_GET_STATE (§4.1, §6). No explicit synchronization
// with Create/Destroy is needed: both suspend the root cell for their
// duration, and a hypercall cannot be in flight concurrently with the root
// CPU it runs on being suspended.
func (h *Hypervisor) GetState(caller CPUID, id CellID) (CellState, error) {
	callerCPU := h.percpuAt(caller)
	if callerCPU == nil || callerCPU.Cell != h.root {
		return 0, EPERM
	}

	cell := h.findCell(id)
	if cell == nil {
		return 0, ENOENT
	}

	switch state := cell.State(); state {
	case CellStateRunning, CellStateRunningLocked, CellStateShutDown, CellStateFailed:
		return state, nil
	default:
		return 0, EINVAL
	}
}
