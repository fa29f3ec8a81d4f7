package hv

// CellID uniquely identifies a live cell. RootCellID is reserved for the
// root cell.
type CellID int32

const RootCellID CellID = 0

// CellFlags are the feature flags carried in a cell's configuration.
type CellFlags uint32

const (
	// CellFlagPassiveCommReg marks a cell that is deemed to accept every
	// message unconditionally, without ever writing its communication page.
	CellFlagPassiveCommReg CellFlags = 1 << iota
)

// CellConfig is the immutable configuration descriptor a cell was created
// from: name, CPU-set bitmap, ordered memory-region list, feature flags.
type CellConfig struct {
	Name            string
	CPUSetBitmap    []byte
	CPUSetSizeBytes int
	MemoryRegions   []MemoryRegion
	Flags           CellFlags
}

// Cell is an independent partition (§3).
type Cell struct {
	ID     CellID
	Config CellConfig
	CPUSet *CPUSet
	Comm   *CommPage

	Loadable bool
	Next     *Cell

	// DataPages is the accounting count of pages reserved from mem_pool
	// for the cell structure and its embedded configuration; pageHandle is
	// the handle PageFree needs to release them again.
	DataPages  int
	pageHandle PageHandle
}

// State returns the cell's lifecycle state as advertised on its
// communication page.
func (c *Cell) State() CellState { return c.Comm.State() }

// forEachCell iterates all cells from root, in insertion order, stopping
// early if fn returns false.
func (h *Hypervisor) forEachCell(fn func(*Cell) bool) {
	for c := h.root; c != nil; c = c.Next {
		if !fn(c) {
			return
		}
	}
}

// forEachNonRootCell iterates all cells from root's successor.
func (h *Hypervisor) forEachNonRootCell(fn func(*Cell) bool) {
	for c := h.root.Next; c != nil; c = c.Next {
		if !fn(c) {
			return
		}
	}
}

func (h *Hypervisor) findCell(id CellID) *Cell {
	var found *Cell
	h.forEachCell(func(c *Cell) bool {
		if c.ID == id {
			found = c
			return false
		}
		return true
	})
	return found
}

func (h *Hypervisor) findCellByName(name string) *Cell {
	var found *Cell
	h.forEachCell(func(c *Cell) bool {
		if c.Config.Name == name {
			found = c
			return false
		}
		return true
	})
	return found
}

// getFreeCellID scans the cell list repeatedly, starting from 0 and
// incrementing past each collision, until an unused value is found.
// Quadratic in the worst case but n is small and bounded by configuration;
// kept this way rather than switched to a freelist.
func (h *Hypervisor) getFreeCellID() CellID {
	id := CellID(0)
	for {
		collided := false
		h.forEachCell(func(c *Cell) bool {
			if c.ID == id {
				id++
				collided = true
				return false
			}
			return true
		})
		if !collided {
			return id
		}
	}
}

// insertCell tail-appends c to the cell list and bumps numCells.
func (h *Hypervisor) insertCell(c *Cell) {
	last := h.root
	for last.Next != nil {
		last = last.Next
	}
	last.Next = c
	h.numCells++
}

// removeCell unlinks target from the cell list and decrements numCells.
func (h *Hypervisor) removeCell(target *Cell) {
	prev := h.root
	for prev.Next != target {
		prev = prev.Next
	}
	prev.Next = target.Next
	h.numCells--
}
