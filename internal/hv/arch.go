package hv

// CPUID identifies a physical CPU. CPUIDNone is used as the "no CPU" /
// "start of iteration" sentinel, mirroring the -1 starting value implied by
// the original next_cpu(cpu, ...) contract ("returns the next set bit
// strictly greater than cpu").
type CPUID int32

const CPUIDNone CPUID = -1

// Arch is the architecture-specific primitive layer this control core
// consumes but never implements: CPU suspend/resume/park/reset, guest
// mapping install/remove, page-table commit, and cell init/teardown.
type Arch interface {
	SuspendCPU(cpu CPUID) error
	ResumeCPU(cpu CPUID) error
	ParkCPU(cpu CPUID) error
	ResetCPU(cpu CPUID) error
	ShutdownCPU(cpu CPUID) error
	Shutdown() error

	CellCreate(cpu *PerCPU, cell *Cell) error
	CellDestroy(cpu *PerCPU, cell *Cell) error

	MapMemoryRegion(cell *Cell, region MemoryRegion) error
	UnmapMemoryRegion(cell *Cell, region MemoryRegion) error
	ConfigCommit(cpu *PerCPU, cell *Cell) error

	PanicStop(cpu *PerCPU) error
	PanicHalt(cpu *PerCPU) error

	PhysProcessorID() CPUID
	CPURelax()
}

// PageHandle is an opaque allocation handle returned by PagePool.PageAlloc
// and later passed back to PageFree. Its concrete meaning (e.g. a base page
// index) is up to the PagePool implementation.
type PageHandle uint64

// PagePool is one of the two pre-sized physical page pools (§1, §5, §9):
// mem_pool backs cell/CPU-set allocations, remap_pool would back
// architecture-level page-table structures. Every allocation must be
// balanced by exactly one PageFree.
type PagePool interface {
	Pages() int
	UsedPages() int
	PageAlloc(n int) (PageHandle, []byte, error)
	PageFree(h PageHandle, n int)
}

// GuestMemory maps a window of guest-physical memory, read-only, into the
// hypervisor's address space so it can read a CELL_CREATE configuration
// descriptor. This is the "page_map_get_guest_pages" collaborator from §6,
// bounded by NumTemporaryPages at the call site.
type GuestMemory interface {
	MapConfig(physAddr uint64, numPages int) ([]byte, error)
}
