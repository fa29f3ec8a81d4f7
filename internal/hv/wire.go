package hv

import (
	"encoding/binary"
	"fmt"
)

// configHeaderSize is the fixed-size prefix of a CELL_CREATE configuration
// descriptor: a 32-byte name field, a uint32 flags field, a uint32 CPU-set
// size in bytes, a uint32 memory-region count, and reserved padding to a
// round 48 bytes (§3, §6).
const configHeaderSize = 48
const configNameSize = 32

// memRegionWireSize is the on-the-wire size of one jailhouse-style memory
// region descriptor: phys_start, virt_start, size, flags, each a uint64
// except the trailing uint32 flags word padded to 8 bytes.
const memRegionWireSize = 32

// decodedConfig is the parsed form of a guest-supplied configuration
// descriptor, ready to become a CellConfig once its CPU-set bitmap has
// also been read out of the mapped pages.
type decodedConfig struct {
	name          string
	flags         CellFlags
	cpuSetSize    int
	numMemRegions int
	memRegions    []MemoryRegion
	// cpuSetOffset/memRegionOffset are byte offsets, from the start of the
	// mapped descriptor, of the variable-length tail sections.
	cpuSetOffset    int
	memRegionOffset int
}

// decodeConfigHeader reads the fixed header from the front of buf.
func decodeConfigHeader(buf []byte) (decodedConfig, error) {
	if len(buf) < configHeaderSize {
		return decodedConfig{}, fmt.Errorf("config descriptor truncated: %w", EINVAL)
	}

	var cfg decodedConfig
	nameBytes := buf[0:configNameSize]
	end := configNameSize
	for i, b := range nameBytes {
		if b == 0 {
			end = i
			break
		}
	}
	cfg.name = string(nameBytes[:end])

	cfg.flags = CellFlags(binary.LittleEndian.Uint32(buf[32:36]))
	cfg.cpuSetSize = int(binary.LittleEndian.Uint32(buf[36:40]))
	cfg.numMemRegions = int(binary.LittleEndian.Uint32(buf[40:44]))
	// bytes 44:48 reserved.

	cfg.cpuSetOffset = configHeaderSize
	cfg.memRegionOffset = cfg.cpuSetOffset + alignUp8(cfg.cpuSetSize)
	return cfg, nil
}

// alignUp8 rounds n up to the next multiple of 8, keeping the
// memory-region array naturally aligned after a variable-length CPU-set
// bitmap.
func alignUp8(n int) int { return (n + 7) &^ 7 }

// decodeMemRegions reads cfg.numMemRegions fixed-size descriptors starting
// at cfg.memRegionOffset.
func decodeMemRegions(buf []byte, cfg *decodedConfig) error {
	need := cfg.memRegionOffset + cfg.numMemRegions*memRegionWireSize
	if len(buf) < need {
		return fmt.Errorf("config descriptor truncated: %w", EINVAL)
	}

	cfg.memRegions = make([]MemoryRegion, cfg.numMemRegions)
	for i := range cfg.memRegions {
		off := cfg.memRegionOffset + i*memRegionWireSize
		r := buf[off : off+memRegionWireSize]
		cfg.memRegions[i] = MemoryRegion{
			PhysStart: binary.LittleEndian.Uint64(r[0:8]),
			VirtStart: binary.LittleEndian.Uint64(r[8:16]),
			Size:      binary.LittleEndian.Uint64(r[16:24]),
			Flags:     MemoryFlags(binary.LittleEndian.Uint32(r[24:28])),
		}
	}
	return nil
}

// EncodeConfig serializes cfg into the wire format decodeConfigHeader and
// decodeMemRegions understand; used by tests and by any in-process caller
// that wants to drive Create without a real guest-memory backend.
func EncodeConfig(cfg CellConfig) []byte {
	cpuSetLen := alignUp8(cfg.CPUSetSizeBytes)
	memOff := configHeaderSize + cpuSetLen
	total := memOff + len(cfg.MemoryRegions)*memRegionWireSize

	buf := make([]byte, total)
	copy(buf[0:configNameSize], cfg.Name)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(cfg.Flags))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(cfg.CPUSetSizeBytes))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(cfg.MemoryRegions)))

	copy(buf[configHeaderSize:configHeaderSize+len(cfg.CPUSetBitmap)], cfg.CPUSetBitmap)

	for i, m := range cfg.MemoryRegions {
		off := memOff + i*memRegionWireSize
		r := buf[off : off+memRegionWireSize]
		binary.LittleEndian.PutUint64(r[0:8], m.PhysStart)
		binary.LittleEndian.PutUint64(r[8:16], m.VirtStart)
		binary.LittleEndian.PutUint64(r[16:24], m.Size)
		binary.LittleEndian.PutUint32(r[24:28], uint32(m.Flags))
	}
	return buf
}

// decodeCellConfig fully parses a wire buffer into a CellConfig, extracting
// the CPU-set bitmap from its offset within buf.
func decodeCellConfig(buf []byte) (CellConfig, error) {
	cfg, err := decodeConfigHeader(buf)
	if err != nil {
		return CellConfig{}, err
	}
	if err := decodeMemRegions(buf, &cfg); err != nil {
		return CellConfig{}, err
	}

	cpuSetEnd := cfg.cpuSetOffset + cfg.cpuSetSize
	if len(buf) < cpuSetEnd {
		return CellConfig{}, fmt.Errorf("config descriptor truncated: %w", EINVAL)
	}

	bitmap := make([]byte, cfg.cpuSetSize)
	copy(bitmap, buf[cfg.cpuSetOffset:cpuSetEnd])

	return CellConfig{
		Name:            cfg.name,
		CPUSetBitmap:    bitmap,
		CPUSetSizeBytes: cfg.cpuSetSize,
		MemoryRegions:   cfg.memRegions,
		Flags:           cfg.flags,
	}, nil
}
