package hv

import (
	"fmt"
	"log/slog"
	"testing"
)

func TestCheckMemRegionsRejectsUnalignedAddress(t *testing.T) {
	log := NewLogger(slog.Default())
	regions := []MemoryRegion{{PhysStart: 1, VirtStart: 0, Size: PageSize, Flags: MemRead}}
	if err := CheckMemRegions(log, regions); err != EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

func TestCheckMemRegionsRejectsUnknownFlags(t *testing.T) {
	log := NewLogger(slog.Default())
	regions := []MemoryRegion{{PhysStart: 0, VirtStart: 0, Size: PageSize, Flags: 1 << 20}}
	if err := CheckMemRegions(log, regions); err != EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

func TestCheckMemRegionsAcceptsValidRegion(t *testing.T) {
	log := NewLogger(slog.Default())
	regions := []MemoryRegion{{PhysStart: 0, VirtStart: PageSize, Size: PageSize, Flags: MemRead | MemWrite}}
	if err := CheckMemRegions(log, regions); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddressInRegion(t *testing.T) {
	r := MemoryRegion{PhysStart: PageSize, Size: PageSize}
	if addressInRegion(0, r) {
		t.Fatalf("address before region reported as contained")
	}
	if !addressInRegion(PageSize, r) {
		t.Fatalf("region start not reported as contained")
	}
	if addressInRegion(r.end(), r) {
		t.Fatalf("region end (exclusive) reported as contained")
	}
}

type fakeArch struct {
	mapCalls   []MemoryRegion
	unmapCalls []MemoryRegion
	mapErr     error

	arena []byte
}

// newFakeArch returns a fakeArch whose arena (used only through MapConfig,
// for tests that stage a CELL_CREATE descriptor) is arenaSize bytes.
func newFakeArch(arenaSize int) *fakeArch {
	return &fakeArch{arena: make([]byte, arenaSize)}
}

// Arena exposes the backing buffer so tests can stage a configuration
// descriptor at a chosen offset before calling Create.
func (f *fakeArch) Arena() []byte { return f.arena }

// MapConfig implements GuestMemory by slicing directly into the arena: the
// fake has no separate guest-physical address space to translate through.
func (f *fakeArch) MapConfig(physAddr uint64, numPages int) ([]byte, error) {
	size := uint64(numPages) * PageSize
	if physAddr > uint64(len(f.arena)) || size > uint64(len(f.arena))-physAddr {
		return nil, wrapErrno(ENOMEM, fmt.Errorf("guest address out of range"))
	}
	return f.arena[physAddr : physAddr+size], nil
}

func (f *fakeArch) SuspendCPU(CPUID) error  { return nil }
func (f *fakeArch) ResumeCPU(CPUID) error   { return nil }
func (f *fakeArch) ParkCPU(CPUID) error     { return nil }
func (f *fakeArch) ResetCPU(CPUID) error    { return nil }
func (f *fakeArch) ShutdownCPU(CPUID) error { return nil }
func (f *fakeArch) Shutdown() error         { return nil }

func (f *fakeArch) CellCreate(*PerCPU, *Cell) error  { return nil }
func (f *fakeArch) CellDestroy(*PerCPU, *Cell) error { return nil }

func (f *fakeArch) MapMemoryRegion(cell *Cell, region MemoryRegion) error {
	f.mapCalls = append(f.mapCalls, region)
	return f.mapErr
}
func (f *fakeArch) UnmapMemoryRegion(cell *Cell, region MemoryRegion) error {
	f.unmapCalls = append(f.unmapCalls, region)
	return nil
}
func (f *fakeArch) ConfigCommit(*PerCPU, *Cell) error { return nil }

func (f *fakeArch) PanicStop(*PerCPU) error { return nil }
func (f *fakeArch) PanicHalt(*PerCPU) error { return nil }

func (f *fakeArch) PhysProcessorID() CPUID { return CPUIDNone }
func (f *fakeArch) CPURelax()              {}

func TestRemapToRootCellSplitsOverlaps(t *testing.T) {
	arch := &fakeArch{}
	h := &Hypervisor{
		log:  NewLogger(slog.Default()),
		arch: arch,
		root: &Cell{
			Config: CellConfig{
				MemoryRegions: []MemoryRegion{
					{PhysStart: 0, VirtStart: 0, Size: 4 * PageSize, Flags: MemRead},
				},
			},
		},
	}

	// m is a 2-page region fully inside root's single 4-page region.
	m := MemoryRegion{PhysStart: PageSize, Size: 2 * PageSize}
	if err := h.remapToRootCell(m, AbortOnError); err != nil {
		t.Fatalf("remapToRootCell: %v", err)
	}
	if len(arch.mapCalls) != 1 {
		t.Fatalf("expected exactly one map call, got %d", len(arch.mapCalls))
	}
	got := arch.mapCalls[0]
	if got.PhysStart != PageSize || got.Size != 2*PageSize {
		t.Fatalf("unexpected overlap region: %+v", got)
	}
}

func TestRemapToRootCellAbortsOnFirstError(t *testing.T) {
	wantErr := EBUSY
	arch := &fakeArch{mapErr: wantErr}
	h := &Hypervisor{
		log:  NewLogger(slog.Default()),
		arch: arch,
		root: &Cell{
			Config: CellConfig{
				MemoryRegions: []MemoryRegion{
					{PhysStart: 0, Size: PageSize},
					{PhysStart: PageSize, Size: PageSize},
				},
			},
		},
	}
	m := MemoryRegion{PhysStart: 0, Size: 2 * PageSize}
	if err := h.remapToRootCell(m, AbortOnError); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if len(arch.mapCalls) != 1 {
		t.Fatalf("AbortOnError should stop after the first failing map, got %d calls", len(arch.mapCalls))
	}
}

func TestRemapToRootCellWarnOnErrorContinues(t *testing.T) {
	arch := &fakeArch{mapErr: EBUSY}
	h := &Hypervisor{
		log:  NewLogger(slog.Default()),
		arch: arch,
		root: &Cell{
			Config: CellConfig{
				MemoryRegions: []MemoryRegion{
					{PhysStart: 0, Size: PageSize},
					{PhysStart: PageSize, Size: PageSize},
				},
			},
		},
	}
	m := MemoryRegion{PhysStart: 0, Size: 2 * PageSize}
	if err := h.remapToRootCell(m, WarnOnError); err == nil {
		t.Fatalf("expected first error to be returned even in WarnOnError mode")
	}
	if len(arch.mapCalls) != 2 {
		t.Fatalf("WarnOnError should attempt every overlap, got %d calls", len(arch.mapCalls))
	}
}
