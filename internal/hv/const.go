// Package hv implements the control-plane core of a static partitioning
// hypervisor: the cell data model, the create/set-loadable/start/destroy
// lifecycle, the inter-cell messaging handshake, and the hypercall
// dispatcher. Architecture-specific primitives (suspending a CPU, installing
// a guest mapping, committing page tables) and physical page allocation are
// consumed through the Arch, PagePool, and GuestMemory interfaces rather than
// implemented here.
package hv

import "golang.org/x/sys/unix"

// PageSize is the host page size, in bytes. Memory region addresses and
// sizes, CPU-set bitmap sizes, and pool allocations are all expressed and
// validated in units of PageSize.
var PageSize = uint64(unix.Getpagesize())

// NumTemporaryPages bounds how many pages cell_create-equivalent logic will
// map from guest memory to read a CELL_CREATE configuration descriptor.
const NumTemporaryPages = 16

func pageOffset(addr uint64) int {
	return int(addr % PageSize)
}

func pagesForBytes(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + int(PageSize) - 1) / int(PageSize)
}

func isPageAligned(v uint64) bool {
	return v%PageSize == 0
}
