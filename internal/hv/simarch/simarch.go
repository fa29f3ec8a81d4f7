// Package simarch is a reference implementation of hv.Arch and
// hv.GuestMemory: each simulated CPU is a goroutine parked on a command
// channel, suspended and resumed by channel rendezvous rather than by any
// real architecture-level trap. It exists so the control core in
// internal/hv can be exercised and tested without a real virtualization
// backend (§1, §6, §9).
package simarch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cellhv/cellhv/internal/hv"
)

type cpuCmd int

const (
	cmdSuspend cpuCmd = iota
	cmdResume
	cmdPark
	cmdReset
	cmdShutdown
)

type simCPU struct {
	id hv.CPUID

	cmdC chan cpuCmd
	ackC chan struct{}

	running atomic.Bool
	parked  atomic.Bool
	stopped atomic.Bool
}

func (c *simCPU) loop() {
	for cmd := range c.cmdC {
		switch cmd {
		case cmdSuspend:
			c.running.Store(false)
		case cmdResume:
			c.parked.Store(false)
			c.running.Store(true)
		case cmdPark:
			c.running.Store(false)
			c.parked.Store(true)
		case cmdReset:
			c.parked.Store(false)
			c.running.Store(true)
		case cmdShutdown:
			c.running.Store(false)
			c.stopped.Store(true)
			c.ackC <- struct{}{}
			return
		}
		c.ackC <- struct{}{}
	}
}

// Arch is a simarch instance sized for a fixed number of simulated CPUs and
// a flat guest-memory arena.
type Arch struct {
	log *hv.Logger

	mu   sync.Mutex
	cpus map[hv.CPUID]*simCPU

	arena []byte
}

// New starts numCPUs simulated CPU goroutines and reserves an arenaBytes
// flat buffer to serve as guest-physical memory.
func New(log *hv.Logger, numCPUs int, arenaBytes uint64) *Arch {
	a := &Arch{
		log:   log,
		cpus:  make(map[hv.CPUID]*simCPU, numCPUs),
		arena: make([]byte, arenaBytes),
	}
	for i := 0; i < numCPUs; i++ {
		c := &simCPU{
			id:   hv.CPUID(i),
			cmdC: make(chan cpuCmd),
			ackC: make(chan struct{}),
		}
		c.running.Store(true)
		a.cpus[c.id] = c
		go c.loop()
	}
	return a
}

func (a *Arch) cpu(id hv.CPUID) (*simCPU, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cpus[id]
	if !ok {
		return nil, hv.ENOENT
	}
	return c, nil
}

func (a *Arch) command(id hv.CPUID, cmd cpuCmd) error {
	c, err := a.cpu(id)
	if err != nil {
		return err
	}
	c.cmdC <- cmd
	<-c.ackC
	return nil
}

func (a *Arch) SuspendCPU(cpu hv.CPUID) error { return a.command(cpu, cmdSuspend) }
func (a *Arch) ResumeCPU(cpu hv.CPUID) error  { return a.command(cpu, cmdResume) }
func (a *Arch) ParkCPU(cpu hv.CPUID) error    { return a.command(cpu, cmdPark) }
func (a *Arch) ResetCPU(cpu hv.CPUID) error   { return a.command(cpu, cmdReset) }

func (a *Arch) ShutdownCPU(cpu hv.CPUID) error { return a.command(cpu, cmdShutdown) }

// Shutdown tears down every remaining simulated CPU concurrently.
func (a *Arch) Shutdown() error {
	a.mu.Lock()
	ids := make([]hv.CPUID, 0, len(a.cpus))
	for id, c := range a.cpus {
		if !c.stopped.Load() {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return a.ShutdownCPU(id)
		})
	}
	return g.Wait()
}

// CellCreate and CellDestroy have nothing architecture-specific to do in
// this backend: cell membership and memory mapping are already fully
// modeled by the control core itself.
func (a *Arch) CellCreate(cpu *hv.PerCPU, cell *hv.Cell) error  { return nil }
func (a *Arch) CellDestroy(cpu *hv.PerCPU, cell *hv.Cell) error { return nil }

// MapMemoryRegion and UnmapMemoryRegion are no-ops: this backend has no
// real page tables, only the flat arena addressed directly by MapConfig.
func (a *Arch) MapMemoryRegion(cell *hv.Cell, region hv.MemoryRegion) error   { return nil }
func (a *Arch) UnmapMemoryRegion(cell *hv.Cell, region hv.MemoryRegion) error { return nil }

func (a *Arch) ConfigCommit(cpu *hv.PerCPU, cell *hv.Cell) error { return nil }

func (a *Arch) PanicStop(cpu *hv.PerCPU) error {
	c, err := a.cpu(cpu.ID)
	if err != nil {
		return err
	}
	c.running.Store(false)
	c.stopped.Store(true)
	return nil
}

func (a *Arch) PanicHalt(cpu *hv.PerCPU) error {
	c, err := a.cpu(cpu.ID)
	if err != nil {
		return err
	}
	c.running.Store(false)
	c.parked.Store(true)
	return nil
}

// PhysProcessorID has no meaningful answer here: Go goroutines are not
// pinned to OS CPUs the way the architecture this was modeled on assumes.
// Callers needing "am I running on CPU X" semantics must track that
// explicitly, e.g. via the CPUID threaded through the hv package's own
// call sites rather than through this method.
func (a *Arch) PhysProcessorID() hv.CPUID { return hv.CPUIDNone }

func (a *Arch) CPURelax() { runtime.Gosched() }

// MapConfig implements hv.GuestMemory by returning a window directly into
// the flat arena; numPages is honored only as a bounds check since there is
// no real page-granularity mapping to perform.
func (a *Arch) MapConfig(physAddr uint64, numPages int) ([]byte, error) {
	size := uint64(numPages) * hv.PageSize
	// physAddr is a raw guest-supplied hypercall argument; it is compared
	// against the arena length before any arithmetic, and size against the
	// remaining room, so no sum is formed that a physAddr near the uint64
	// ceiling could wrap past the arena bound.
	if physAddr > uint64(len(a.arena)) || size > uint64(len(a.arena))-physAddr {
		return nil, fmt.Errorf("simarch: guest address out of range: %w", hv.ENOMEM)
	}
	return a.arena[physAddr : physAddr+size], nil
}

// Arena exposes the raw backing buffer so tests can stage a CELL_CREATE
// configuration descriptor before calling Create.
func (a *Arch) Arena() []byte { return a.arena }
