package hv

import (
	"log/slog"
	"testing"
)

const testNumCPUs = 4

func newTestHypervisor(t *testing.T) (*Hypervisor, *fakeArch) {
	t.Helper()

	log := NewLogger(slog.Default())
	arch := newFakeArch(1 << 20)
	memPool := newFakePagePool(64)
	remapPool := newFakePagePool(64)

	rootCfg := CellConfig{
		Name:            "root",
		CPUSetBitmap:    []byte{0b00001111},
		CPUSetSizeBytes: 1,
		MemoryRegions: []MemoryRegion{
			{PhysStart: 0, VirtStart: 0, Size: 16 * PageSize, Flags: MemRead | MemWrite},
		},
	}
	var systemCPUSet CPUSet
	if err := systemCPUSet.Init(memPool, rootCfg.CPUSetBitmap, rootCfg.CPUSetSizeBytes); err != nil {
		t.Fatalf("systemCPUSet.Init: %v", err)
	}

	h, err := New(Config{
		Log:          log,
		Arch:         arch,
		MemPool:      memPool,
		RemapPool:    remapPool,
		GuestMem:     arch,
		RootConfig:   rootCfg,
		SystemCPUSet: systemCPUSet,
		NumCPUs:      testNumCPUs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, arch
}

func stageConfig(t *testing.T, arch *fakeArch, addr uint64, cfg CellConfig) uint64 {
	t.Helper()
	buf := EncodeConfig(cfg)
	arena := arch.Arena()
	if addr+uint64(len(buf)) > uint64(len(arena)) {
		t.Fatalf("config does not fit in arena at offset %d", addr)
	}
	copy(arena[addr:], buf)
	return addr
}

func guestCellConfig(name string) CellConfig {
	return CellConfig{
		Name:            name,
		CPUSetBitmap:    []byte{0b00001100}, // CPUs 2, 3
		CPUSetSizeBytes: 1,
		MemoryRegions: []MemoryRegion{
			{PhysStart: 0, VirtStart: 0, Size: PageSize, Flags: MemRead | MemLoadable},
		},
	}
}

func TestCreateStartDestroyLifecycle(t *testing.T) {
	h, arch := newTestHypervisor(t)
	addr := stageConfig(t, arch, 4*PageSize, guestCellConfig("guest"))

	id, err := h.Create(0, addr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	state, err := h.GetState(0, id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state != CellStateShutDown {
		t.Fatalf("state after Create = %v, want CellStateShutDown", state)
	}

	cell := h.findCell(id)
	if cell == nil {
		t.Fatalf("created cell not found in registry")
	}
	if h.root.CPUSet.Owns(2) || h.root.CPUSet.Owns(3) {
		t.Fatalf("root cell still owns CPUs assigned to the new cell")
	}

	// The new cell's guest acknowledges the shutdown-approval request Start
	// implicitly requires through cellManagementPrologue.
	go approveShutdown(cell)

	if err := h.Start(0, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	state, _ = h.GetState(0, id)
	if state != CellStateRunning {
		t.Fatalf("state after Start = %v, want CellStateRunning", state)
	}

	go approveShutdown(cell)
	if err := h.Destroy(0, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if h.findCell(id) != nil {
		t.Fatalf("destroyed cell still present in registry")
	}
	if !h.root.CPUSet.Owns(2) || !h.root.CPUSet.Owns(3) {
		t.Fatalf("root cell did not regain CPUs after Destroy")
	}
	if h.numCells != 1 {
		t.Fatalf("numCells after Destroy = %d, want 1", h.numCells)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	h, arch := newTestHypervisor(t)
	addr := stageConfig(t, arch, 4*PageSize, guestCellConfig("dup"))
	if _, err := h.Create(0, addr); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	addr2 := stageConfig(t, arch, 16*PageSize, guestCellConfig("dup"))
	if _, err := h.Create(0, addr2); err != EEXIST {
		t.Fatalf("second Create with duplicate name: got %v, want EEXIST", err)
	}
}

func TestCreateRejectsCPUConflictWithCaller(t *testing.T) {
	h, arch := newTestHypervisor(t)
	cfg := guestCellConfig("conflict")
	cfg.CPUSetBitmap = []byte{0b00000001} // CPU 0, same as the calling CPU
	addr := stageConfig(t, arch, 4*PageSize, cfg)

	if _, err := h.Create(0, addr); err != EBUSY {
		t.Fatalf("got %v, want EBUSY", err)
	}
}

func TestSetLoadableRoundTrip(t *testing.T) {
	h, arch := newTestHypervisor(t)
	addr := stageConfig(t, arch, 4*PageSize, guestCellConfig("loadme"))
	id, err := h.Create(0, addr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cell := h.findCell(id)

	go approveShutdown(cell)
	if err := h.SetLoadable(0, id); err != nil {
		t.Fatalf("SetLoadable: %v", err)
	}
	if !cell.Loadable {
		t.Fatalf("cell not marked loadable")
	}

	go approveShutdown(cell)
	if err := h.Start(0, id); err != nil {
		t.Fatalf("Start after SetLoadable: %v", err)
	}
	if cell.Loadable {
		t.Fatalf("Start did not clear Loadable")
	}
}

func TestDestroyUnknownCellReturnsENOENT(t *testing.T) {
	h, _ := newTestHypervisor(t)
	if err := h.Destroy(0, 999); err != ENOENT {
		t.Fatalf("got %v, want ENOENT", err)
	}
}

func TestDestroyRootCellReturnsEINVAL(t *testing.T) {
	h, _ := newTestHypervisor(t)
	if err := h.Destroy(0, RootCellID); err != EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

func TestStartOrSetLoadableOnRootCellReturnsEINVAL(t *testing.T) {
	h, _ := newTestHypervisor(t)
	if err := h.Start(0, RootCellID); err != EINVAL {
		t.Fatalf("Start(root): got %v, want EINVAL", err)
	}
	if err := h.SetLoadable(0, RootCellID); err != EINVAL {
		t.Fatalf("SetLoadable(root): got %v, want EINVAL", err)
	}
}

func TestCreateAndDestroyBalanceMemPoolAccounting(t *testing.T) {
	h, arch := newTestHypervisor(t)
	before, err := h.HypervisorGetInfo(InfoMemPoolUsed)
	if err != nil {
		t.Fatalf("HypervisorGetInfo: %v", err)
	}

	addr := stageConfig(t, arch, 4*PageSize, guestCellConfig("accounted"))
	id, err := h.Create(0, addr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	during, err := h.HypervisorGetInfo(InfoMemPoolUsed)
	if err != nil {
		t.Fatalf("HypervisorGetInfo: %v", err)
	}
	if during <= before {
		t.Fatalf("InfoMemPoolUsed did not grow for the created cell's own accounting: before=%d during=%d",
			before, during)
	}

	cell := h.findCell(id)
	go approveShutdown(cell)
	if err := h.Destroy(0, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	after, err := h.HypervisorGetInfo(InfoMemPoolUsed)
	if err != nil {
		t.Fatalf("HypervisorGetInfo: %v", err)
	}
	if after != before {
		t.Fatalf("InfoMemPoolUsed not restored after Destroy: before=%d after=%d", before, after)
	}
}

// approveShutdown drives a cell's mailbox as a cooperative guest would: the
// first time cellShutdownOk posts a shutdown request, approve it and
// return (or give up after a fixed number of polls). Lifecycle operations
// that manage a non-root, non-passive cell always pass through this gate,
// so tests exercising them spawn one such loop before each operation.
func approveShutdown(cell *Cell) {
	for i := 0; i < 10000000; i++ {
		if cell.Comm.Message() == MsgShutdownRequest && cell.Comm.Reply() == ReplyNone {
			cell.Comm.Acknowledge(ReplyRequestApproved)
			return
		}
	}
}
