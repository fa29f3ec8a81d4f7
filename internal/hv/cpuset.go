package hv

// cpuSetInlineBytes is the size of the small fixed-size buffer embedded in
// every cell; a configuration bitmap that fits is stored inline, otherwise
// exactly one page is spilled from the pool and retained for the cell's
// lifetime (§3, §4.1).
const cpuSetInlineBytes = 32

// CPUSet is a bitmap keyed by CPU ID, paired with a max CPU ID.
type CPUSet struct {
	inline [cpuSetInlineBytes]byte
	bitmap []byte

	maxCPUID CPUID

	pool       PagePool
	pageHandle PageHandle
	spilled    bool
}

// Init copies configBitmap (sizeBytes long) into the set's storage, spilling
// to a pool-allocated page when it doesn't fit in the inline buffer. It
// fails EINVAL if sizeBytes exceeds one page.
func (s *CPUSet) Init(pool PagePool, configBitmap []byte, sizeBytes int) error {
	if uint64(sizeBytes) > PageSize {
		return EINVAL
	}

	if sizeBytes > cpuSetInlineBytes {
		handle, buf, err := pool.PageAlloc(1)
		if err != nil {
			return wrapErrno(ENOMEM, err)
		}
		s.pool = pool
		s.pageHandle = handle
		s.spilled = true
		s.bitmap = buf[:sizeBytes]
	} else {
		s.bitmap = s.inline[:sizeBytes]
	}

	s.maxCPUID = CPUID(sizeBytes*8 - 1)
	copy(s.bitmap, configBitmap)
	return nil
}

// Destroy releases the spilled page, if any. It is a no-op for an inline set.
func (s *CPUSet) Destroy() {
	if s.spilled {
		s.pool.PageFree(s.pageHandle, 1)
		s.spilled = false
		s.bitmap = nil
	}
}

// MaxCPUID returns the highest CPU ID this set's bitmap can represent.
func (s *CPUSet) MaxCPUID() CPUID {
	return s.maxCPUID
}

// Owns reports whether cpu's bit is set.
func (s *CPUSet) Owns(cpu CPUID) bool {
	return testBit(s.bitmap, cpu)
}

// Set marks cpu as a member of the set.
func (s *CPUSet) Set(cpu CPUID) {
	setBit(s.bitmap, cpu)
}

// Clear removes cpu from the set.
func (s *CPUSet) Clear(cpu CPUID) {
	clearBit(s.bitmap, cpu)
}

// Next returns the next set bit strictly greater than cpu, skipping except.
// It returns a value greater than MaxCPUID once iteration is exhausted.
func (s *CPUSet) Next(cpu, except CPUID) CPUID {
	for {
		cpu++
		if cpu > s.maxCPUID {
			return cpu
		}
		if cpu == except {
			continue
		}
		if testBit(s.bitmap, cpu) {
			return cpu
		}
	}
}

// ForEach calls fn for every member of the set other than except, in
// ascending order.
func (s *CPUSet) ForEach(except CPUID, fn func(CPUID)) {
	for cpu := s.Next(CPUIDNone, except); cpu <= s.maxCPUID; cpu = s.Next(cpu, except) {
		fn(cpu)
	}
}

func testBit(bitmap []byte, bit CPUID) bool {
	if bit < 0 {
		return false
	}
	idx := int(bit) / 8
	if idx >= len(bitmap) {
		return false
	}
	return bitmap[idx]&(1<<(uint(bit)%8)) != 0
}

func setBit(bitmap []byte, bit CPUID) {
	if bit < 0 {
		return
	}
	idx := int(bit) / 8
	if idx >= len(bitmap) {
		return
	}
	bitmap[idx] |= 1 << (uint(bit) % 8)
}

func clearBit(bitmap []byte, bit CPUID) {
	if bit < 0 {
		return
	}
	idx := int(bit) / 8
	if idx >= len(bitmap) {
		return
	}
	bitmap[idx] &^= 1 << (uint(bit) % 8)
}
