package hv

import (
	"fmt"
	"sync"
)

// InfoType selects the counter HYPERVISOR_GET_INFO reports (§6).
type InfoType uint64

const (
	InfoMemPoolSize InfoType = iota
	InfoMemPoolUsed
	InfoRemapPoolSize
	InfoRemapPoolUsed
	InfoNumCells
)

// CPUInfoType selects the counter CPU_GET_INFO reports.
type CPUInfoType uint64

const (
	CPUInfoState     CPUInfoType = 0
	CPUInfoStatBase  CPUInfoType = 0x8000
)

// MsgType classifies a cell_send_message call, determining which reply
// value counts as approval (§4.3).
type MsgType int

const (
	MsgRequest MsgType = iota
	MsgInformation
)

// Hypervisor holds every piece of control-plane state: the cell list, the
// two physical page pools, the per-CPU array, and the architecture and
// guest-memory collaborators (§1, §9).
type Hypervisor struct {
	log  *Logger
	arch Arch

	memPool   PagePool
	remapPool PagePool
	guestMem  GuestMemory

	root     *Cell
	numCells int

	// systemCPUSet is the immutable CPU membership of the bootstrap
	// configuration, captured once and never mutated; cpuIDValid checks
	// against this, not against the live (shrinking) root cell set,
	// mirroring control.c's use of system_config->root_cell rather than
	// the runtime root_cell.
	systemCPUSet *CPUSet

	percpu []PerCPU

	shutdownMu sync.Mutex
}

// Config bootstraps a Hypervisor instance (§1, §9).
type Config struct {
	Log       *Logger
	Arch      Arch
	MemPool   PagePool
	RemapPool PagePool
	GuestMem  GuestMemory

	RootConfig   CellConfig
	SystemCPUSet CPUSet
	NumCPUs      int
}

// New constructs the hypervisor's root cell and per-CPU storage from cfg.
// It performs no architecture-level initialization; that is the caller's
// responsibility before any lifecycle operation is invoked.
func New(cfg Config) (*Hypervisor, error) {
	if err := CheckMemRegions(cfg.Log, cfg.RootConfig.MemoryRegions); err != nil {
		return nil, err
	}

	h := &Hypervisor{
		log:          cfg.Log,
		arch:         cfg.Arch,
		memPool:      cfg.MemPool,
		remapPool:    cfg.RemapPool,
		guestMem:     cfg.GuestMem,
		systemCPUSet: &cfg.SystemCPUSet,
		percpu:       make([]PerCPU, cfg.NumCPUs),
	}

	for i := range h.percpu {
		h.percpu[i].ID = CPUID(i)
	}

	root := &Cell{
		ID:     RootCellID,
		Config: cfg.RootConfig,
		CPUSet: &CPUSet{},
		Comm:   &CommPage{},
	}
	if err := root.CPUSet.Init(h.memPool, cfg.RootConfig.CPUSetBitmap, cfg.RootConfig.CPUSetSizeBytes); err != nil {
		return nil, err
	}
	root.Comm.Init()
	root.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
		if int(cpu) < len(h.percpu) {
			h.percpu[cpu].Cell = root
		}
	})

	h.root = root
	h.numCells = 1
	return h, nil
}

func (h *Hypervisor) percpuAt(cpu CPUID) *PerCPU {
	if cpu < 0 || int(cpu) >= len(h.percpu) {
		return nil
	}
	return &h.percpu[cpu]
}

// cpuIDValid mirrors cpu_id_valid: cpu must be within the bootstrap system
// configuration's CPU set, regardless of which cell currently owns it.
func (h *Hypervisor) cpuIDValid(cpu CPUID) bool {
	return cpu >= 0 && cpu <= h.systemCPUSet.MaxCPUID() && h.systemCPUSet.Owns(cpu)
}

func cellOwnsCPU(cell *Cell, cpu CPUID) bool {
	return cell != nil && cell.CPUSet.Owns(cpu)
}

// cellSendMessage posts message to cell and polls for a conclusive reply,
// mirroring control.c's busy-wait: a cell already shut down or failed is
// treated as having approved, an approving/acknowledging reply returns
// true, any other non-idle reply denies (§4.3). A passive-commreg cell is
// deemed to approve everything without ever being messaged.
func (h *Hypervisor) cellSendMessage(cell *Cell, message MsgCode, typ MsgType) bool {
	if cell.Config.Flags&CellFlagPassiveCommReg != 0 {
		return true
	}

	cell.Comm.Post(message)

	for {
		reply := cell.Comm.Reply()
		state := cell.Comm.State()

		if state == CellStateShutDown || state == CellStateFailed {
			return true
		}
		if (typ == MsgRequest && reply == ReplyRequestApproved) ||
			(typ == MsgInformation && reply == ReplyReceived) {
			return true
		}
		if reply != ReplyNone {
			return false
		}

		h.arch.CPURelax()
	}
}

func (h *Hypervisor) cellShutdownOk(cell *Cell) bool {
	return h.cellSendMessage(cell, MsgShutdownRequest, MsgRequest)
}

// cellReconfigOk reports whether every non-root cell other than excluded is
// outside its locked running state (§4.2, "reconfig ok" gate).
func (h *Hypervisor) cellReconfigOk(excluded *Cell) bool {
	ok := true
	h.forEachNonRootCell(func(c *Cell) bool {
		if c != excluded && c.State() == CellStateRunningLocked {
			ok = false
			return false
		}
		return true
	})
	return ok
}

func (h *Hypervisor) cellReconfigCompleted() {
	h.forEachNonRootCell(func(c *Cell) bool {
		h.cellSendMessage(c, MsgReconfigCompleted, MsgInformation)
		return true
	})
}

// managementTask names the three lifecycle operations cellManagementPrologue
// gatekeeps (§4.1, §9); Create does its own permission check instead.
type managementTask int

const (
	taskStart managementTask = iota
	taskSetLoadable
	taskDestroy
)

// cellManagementPrologue is the shared entry gate for start/set_loadable/
// destroy: the caller must be running on the root cell, the root cell is
// suspended for the duration of the lookup, the target must exist and not
// be the root cell, destroy additionally requires cellReconfigOk, and
// every task requires the target's cooperative shutdown approval. On
// success the root cell remains suspended and the target cell has also
// been suspended; the caller owns resuming both (§9 Design Note: "scoped
// acquisition with guaranteed release").
func (h *Hypervisor) cellManagementPrologue(task managementTask, caller CPUID, id CellID) (*Cell, error) {
	callerCPU := h.percpuAt(caller)
	if callerCPU == nil || callerCPU.Cell != h.root {
		return nil, EPERM
	}

	if err := h.SuspendCell(h.root, caller); err != nil {
		return nil, err
	}

	cell := h.findCell(id)
	if cell == nil {
		_ = h.ResumeCell(h.root, caller)
		return nil, ENOENT
	}

	if cell == h.root {
		_ = h.ResumeCell(h.root, caller)
		return nil, EINVAL
	}

	if (task == taskDestroy && !h.cellReconfigOk(cell)) || !h.cellShutdownOk(cell) {
		_ = h.ResumeCell(h.root, caller)
		return nil, EPERM
	}

	if err := h.SuspendCell(cell, caller); err != nil {
		_ = h.ResumeCell(h.root, caller)
		return nil, err
	}

	return cell, nil
}

// HypervisorGetInfo answers the HYPERVISOR_GET_INFO hypercall (§6).
func (h *Hypervisor) HypervisorGetInfo(typ InfoType) (int64, error) {
	switch typ {
	case InfoMemPoolSize:
		return int64(h.memPool.Pages()), nil
	case InfoMemPoolUsed:
		return int64(h.memPool.UsedPages()), nil
	case InfoRemapPoolSize:
		return int64(h.remapPool.Pages()), nil
	case InfoRemapPoolUsed:
		return int64(h.remapPool.UsedPages()), nil
	case InfoNumCells:
		return int64(h.numCells), nil
	default:
		return 0, EINVAL
	}
}

// CPUGetInfo answers the CPU_GET_INFO hypercall (§6). A non-root caller may
// only query CPUs owned by its own cell.
func (h *Hypervisor) CPUGetInfo(caller CPUID, cpu CPUID, typ CPUInfoType) (int64, error) {
	if !h.cpuIDValid(cpu) {
		return 0, EINVAL
	}

	callerCPU := h.percpuAt(caller)
	if callerCPU == nil {
		return 0, EINVAL
	}
	if callerCPU.Cell != h.root && !cellOwnsCPU(callerCPU.Cell, cpu) {
		return 0, EPERM
	}

	target := h.percpuAt(cpu)
	switch {
	case typ == CPUInfoState:
		if target.Failed {
			return int64(CPUStateFailed), nil
		}
		return int64(CPUStateRunning), nil
	case typ >= CPUInfoStatBase && int(typ-CPUInfoStatBase) < NumCPUStats:
		// The top bit is reserved, so every statistic reads back masked to
		// 31 bits regardless of what accumulated in the counter.
		return int64(target.Stats[typ-CPUInfoStatBase] & 0x7fffffff), nil
	default:
		return 0, EINVAL
	}
}

// Shutdown answers the DISABLE hypercall (§6, §4.5). The first CPU to reach
// here with every non-root cell's cooperative approval tears the whole
// system down and stamps the decision onto every root CPU; a late arrival
// just reads back the outcome already recorded for its own ID. Either way,
// the caller's own stamp is cleared back to ShutdownNone before returning
// so a denied call can be retried once consent is available (§4.7).
func (h *Hypervisor) Shutdown(caller CPUID) error {
	callerCPU := h.percpuAt(caller)
	if callerCPU == nil || callerCPU.Cell != h.root {
		return EPERM
	}

	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()

	if callerCPU.ShutdownState == ShutdownNone {
		state := ShutdownStarted
		allOK := true
		h.forEachNonRootCell(func(c *Cell) bool {
			if !h.cellShutdownOk(c) {
				allOK = false
				return false
			}
			return true
		})

		if !allOK {
			state = ShutdownState(-1)
		} else {
			h.log.Infof("shutting down hypervisor")

			h.forEachNonRootCell(func(c *Cell) bool {
				_ = h.SuspendCell(c, caller)
				h.log.Infof("closing cell %q", c.Config.Name)
				c.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
					h.log.Infof(" releasing CPU %d", cpu)
					_ = h.arch.ShutdownCPU(cpu)
				})
				return true
			})

			h.log.Infof("closing root cell %q", h.root.Config.Name)
			if err := h.arch.Shutdown(); err != nil {
				h.log.Warnf("architecture shutdown reported an error: %v", err)
			}
		}

		h.root.CPUSet.ForEach(CPUIDNone, func(cpu CPUID) {
			h.percpuAt(cpu).ShutdownState = state
		})
	}

	var err error
	if callerCPU.ShutdownState == ShutdownStarted {
		h.log.Infof("releasing CPU %d", caller)
	} else {
		err = fmt.Errorf("shutdown denied: %w", EPERM)
	}
	callerCPU.ShutdownState = ShutdownNone

	return err
}

// PanicStop implements the emergency single-CPU halt path (§4.6): the CPU
// is marked stopped and handed to Arch.PanicStop, whose error is ignored.
func (h *Hypervisor) PanicStop(cpu CPUID) {
	h.log.Errorf("stopping CPU %d", cpu)
	if c := h.percpuAt(cpu); c != nil {
		c.CPUStopped = true
		_ = h.arch.PanicStop(c)
	}
}

// PanicHalt marks cpu failed, marks its cell failed once every CPU it owns
// has failed, and parks the CPU (§4.6).
func (h *Hypervisor) PanicHalt(cpu CPUID) {
	c := h.percpuAt(cpu)
	if c == nil {
		return
	}
	h.log.Errorf("parking CPU %d", cpu)

	c.Failed = true
	cellFailed := true
	c.Cell.CPUSet.ForEach(CPUIDNone, func(member CPUID) {
		if !h.percpuAt(member).Failed {
			cellFailed = false
		}
	})
	if cellFailed {
		c.Cell.Comm.SetState(CellStateFailed)
	}

	_ = h.arch.PanicHalt(c)
}
