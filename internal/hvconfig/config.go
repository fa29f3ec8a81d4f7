// Package hvconfig loads the static system and cell descriptors the
// hypervisor is bootstrapped with, in the same gopkg.in/yaml.v3-driven
// style the rest of this codebase uses for configuration (§9).
package hvconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cellhv/cellhv/internal/hv"
)

// MemoryRegion is the YAML-facing form of hv.MemoryRegion; addresses and
// sizes are given in hex so a config file reads the way a memory map does.
type MemoryRegion struct {
	PhysStart string   `yaml:"phys_start"`
	VirtStart string   `yaml:"virt_start"`
	Size      string   `yaml:"size"`
	Flags     []string `yaml:"flags"`
}

// CellConfig is the YAML-facing form of a cell descriptor, covering both
// the root cell and every additional cell the system config lists.
type CellConfig struct {
	Name          string         `yaml:"name"`
	CPUs          []int          `yaml:"cpus"`
	MemoryRegions []MemoryRegion `yaml:"memory_regions"`
	Flags         []string       `yaml:"flags"`
}

// SystemConfig is the root of a hypervisor bootstrap file: the physical
// page pool sizes, the number of physical CPUs, and the root cell
// descriptor every other cell will be carved out of.
type SystemConfig struct {
	MemPoolPages   int        `yaml:"mem_pool_pages"`
	RemapPoolPages int        `yaml:"remap_pool_pages"`
	NumCPUs        int        `yaml:"num_cpus"`
	RootCell       CellConfig `yaml:"root_cell"`
}

// Load reads and parses a system configuration file from path.
func Load(path string) (SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("reading hypervisor config: %w", err)
	}

	var cfg SystemConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("parsing hypervisor config: %w", err)
	}
	return cfg, nil
}

var flagBits = map[string]hv.MemoryFlags{
	"read":        hv.MemRead,
	"write":       hv.MemWrite,
	"execute":     hv.MemExecute,
	"comm_region": hv.MemCommRegion,
	"loadable":    hv.MemLoadable,
}

var cellFlagBits = map[string]hv.CellFlags{
	"passive_commreg": hv.CellFlagPassiveCommReg,
}

// ToCellConfig converts a YAML cell descriptor into the wire-ready
// hv.CellConfig form, rendering the CPU-set list into a bitmap sized to
// sizeBytes (the configured system CPU-set size). numCPUs bounds each
// listed CPU more tightly than sizeBytes*8 does: sizeBytes is rounded up to
// a whole byte, so a bitmap can have padding bits beyond numCPUs-1 with no
// corresponding per-CPU slot in the running hypervisor.
func (c CellConfig) ToCellConfig(sizeBytes, numCPUs int) (hv.CellConfig, error) {
	bitmap := make([]byte, sizeBytes)
	for _, cpu := range c.CPUs {
		if cpu < 0 || cpu >= numCPUs {
			return hv.CellConfig{}, fmt.Errorf("cell %q: cpu %d out of range for a %d-cpu system", c.Name, cpu, numCPUs)
		}
		bitmap[cpu/8] |= 1 << uint(cpu%8)
	}

	var flags hv.CellFlags
	for _, f := range c.Flags {
		bit, ok := cellFlagBits[f]
		if !ok {
			return hv.CellConfig{}, fmt.Errorf("cell %q: unknown flag %q", c.Name, f)
		}
		flags |= bit
	}

	regions := make([]hv.MemoryRegion, len(c.MemoryRegions))
	for i, m := range c.MemoryRegions {
		r, err := m.toMemoryRegion()
		if err != nil {
			return hv.CellConfig{}, fmt.Errorf("cell %q, region %d: %w", c.Name, i, err)
		}
		regions[i] = r
	}

	return hv.CellConfig{
		Name:            c.Name,
		CPUSetBitmap:    bitmap,
		CPUSetSizeBytes: sizeBytes,
		MemoryRegions:   regions,
		Flags:           flags,
	}, nil
}

func (m MemoryRegion) toMemoryRegion() (hv.MemoryRegion, error) {
	phys, err := parseHex(m.PhysStart)
	if err != nil {
		return hv.MemoryRegion{}, fmt.Errorf("phys_start: %w", err)
	}
	virt, err := parseHex(m.VirtStart)
	if err != nil {
		return hv.MemoryRegion{}, fmt.Errorf("virt_start: %w", err)
	}
	size, err := parseHex(m.Size)
	if err != nil {
		return hv.MemoryRegion{}, fmt.Errorf("size: %w", err)
	}

	var flags hv.MemoryFlags
	for _, f := range m.Flags {
		bit, ok := flagBits[f]
		if !ok {
			return hv.MemoryRegion{}, fmt.Errorf("unknown flag %q", f)
		}
		flags |= bit
	}

	return hv.MemoryRegion{
		PhysStart: phys,
		VirtStart: virt,
		Size:      size,
		Flags:     flags,
	}, nil
}

func parseHex(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		_, err = fmt.Sscanf(s, "%d", &v)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}
