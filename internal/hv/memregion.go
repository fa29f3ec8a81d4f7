package hv

// MemoryFlags restricts a MemoryRegion's recognized flag bits (§3).
type MemoryFlags uint32

const (
	MemRead MemoryFlags = 1 << iota
	MemWrite
	MemExecute
	// MemCommRegion marks a region backed by the cell's own communication
	// page; it is never mapped from root memory.
	MemCommRegion
	// MemLoadable marks a region that may be temporarily mapped into root
	// while the cell is stopped, to let root stage a payload.
	MemLoadable

	memValidFlags = MemRead | MemWrite | MemExecute | MemCommRegion | MemLoadable
)

// MemoryRegion is a physical-to-virtual mapping descriptor (§3). PhysStart,
// VirtStart, and Size must all be page-aligned.
type MemoryRegion struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     MemoryFlags
}

func (m MemoryRegion) end() uint64 { return m.PhysStart + m.Size }

func addressInRegion(addr uint64, r MemoryRegion) bool {
	return addr >= r.PhysStart && addr < r.end()
}

// CheckMemRegions rejects the whole config if any region has an unaligned
// address, unaligned size, or unrecognized flags (§4.2).
func CheckMemRegions(log *Logger, regions []MemoryRegion) error {
	for n, m := range regions {
		if !isPageAligned(m.PhysStart) || !isPageAligned(m.VirtStart) ||
			!isPageAligned(m.Size) || m.Flags&^memValidFlags != 0 {
			log.Errorf("FATAL: invalid memory region %d (phys=0x%x virt=0x%x size=0x%x flags=0x%x)",
				n, m.PhysStart, m.VirtStart, m.Size, m.Flags)
			return EINVAL
		}
	}
	return nil
}

// FailureMode selects remapToRootCell's behavior when an architecture map
// call fails partway through.
type FailureMode int

const (
	// AbortOnError returns the first error, leaving earlier overlaps
	// installed; the caller is responsible for the resulting partial
	// state, it must not be unwound here.
	AbortOnError FailureMode = iota
	// WarnOnError logs and continues; used on destroy, where the cell is
	// already gone and best-effort restoration is the only correct policy.
	WarnOnError
)

// unmapFromRootCell builds a temporary descriptor whose VirtStart equals
// PhysStart (root is identity-mapped by design) and asks Arch to unmap it.
// This cannot fail for a region that was mapped as a whole.
func (h *Hypervisor) unmapFromRootCell(m MemoryRegion) error {
	tmp := m
	tmp.VirtStart = tmp.PhysStart
	return h.arch.UnmapMemoryRegion(h.root, tmp)
}

// remapToRootCell reassigns m back into the root cell, splitting it against
// every root memory region it overlaps (§4.2). Overlap arithmetic handles
// both m ⊆ r and r ⊆ m; adjacent/disjoint pairs contribute nothing.
func (h *Hypervisor) remapToRootCell(m MemoryRegion, mode FailureMode) error {
	var firstErr error
	for _, r := range h.root.Config.MemoryRegions {
		var overlap MemoryRegion
		switch {
		case addressInRegion(m.PhysStart, r):
			overlap.PhysStart = m.PhysStart
			overlap.Size = r.Size - (overlap.PhysStart - r.PhysStart)
			if overlap.Size > m.Size {
				overlap.Size = m.Size
			}
		case addressInRegion(r.PhysStart, m):
			overlap.PhysStart = r.PhysStart
			overlap.Size = m.Size - (overlap.PhysStart - m.PhysStart)
			if overlap.Size > r.Size {
				overlap.Size = r.Size
			}
		default:
			continue
		}
		if overlap.Size == 0 {
			continue
		}

		overlap.VirtStart = r.VirtStart + overlap.PhysStart - r.PhysStart
		overlap.Flags = r.Flags

		if err := h.arch.MapMemoryRegion(h.root, overlap); err != nil {
			if mode == AbortOnError {
				return err
			}
			h.log.Warnf("failed to re-assign memory region to root cell: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
