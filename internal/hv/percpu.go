package hv

// ShutdownState tracks a root CPU's progress through the DISABLE rendezvous.
type ShutdownState int32

const (
	ShutdownNone    ShutdownState = 0
	ShutdownStarted ShutdownState = 1
)

// NumCPUStats is the size of a PerCPU's event counter array.
const NumCPUStats = 8

// StatVMExitsHypercall counts hypercall entries; it is incremented on every
// Hypercall call, mirroring JAILHOUSE_CPU_STAT_VMEXITS_HYPERCALL.
const StatVMExitsHypercall = 0

// CPUState is the value CPU_GET_INFO's state query returns.
type CPUState int64

const (
	CPUStateRunning CPUState = iota
	CPUStateFailed
)

// PerCPU is the per-CPU storage area addressed by CPU ID (§3).
type PerCPU struct {
	ID    CPUID
	Cell  *Cell
	Stats [NumCPUStats]uint32

	Failed        bool
	CPUStopped    bool
	ShutdownState ShutdownState
}
