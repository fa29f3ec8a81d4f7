// Package pagepool implements hv.PagePool: a fixed-size arena of physical
// pages, handed out in contiguous runs and tracked by free-run start
// address in a google/btree ordered tree, matching the fixed mem_pool /
// remap_pool pools the control core is bootstrapped with (§1, §5, §9).
package pagepool

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/cellhv/cellhv/internal/hv"
)

// run is a maximal contiguous free range, keyed by its starting page index.
type run struct {
	start int
	len   int
}

func (r run) Less(other run) bool { return r.start < other.start }

// Pool is a github.com/google/btree-backed best-fit page allocator.
type Pool struct {
	mu sync.Mutex

	arena     []byte
	pages     int
	usedPages int

	free *btree.BTreeG[run]
	// busy maps a handed-out handle back to its run, so PageFree can
	// reconstruct the freed range without the caller needing to remember it.
	busy map[hv.PageHandle]run
}

// New allocates an arena of numPages*hv.PageSize bytes and seeds the free
// tree with a single run spanning it.
func New(numPages int) *Pool {
	p := &Pool{
		arena: make([]byte, uint64(numPages)*hv.PageSize),
		pages: numPages,
		free:  btree.NewG(32, run.Less),
		busy:  make(map[hv.PageHandle]run),
	}
	if numPages > 0 {
		p.free.ReplaceOrInsert(run{start: 0, len: numPages})
	}
	return p
}

func (p *Pool) Pages() int { return p.pages }

func (p *Pool) UsedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedPages
}

// PageAlloc finds the best-fitting (smallest sufficient) free run, carves n
// pages off its front, and returns a handle identifying the allocation.
func (p *Pool) PageAlloc(n int) (hv.PageHandle, []byte, error) {
	if n <= 0 {
		return 0, nil, fmt.Errorf("pagepool: non-positive page count: %w", hv.ENOMEM)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *run
	p.free.Ascend(func(r run) bool {
		if r.len >= n && (best == nil || r.len < best.len) {
			found := r
			best = &found
		}
		return true
	})
	if best == nil {
		return 0, nil, fmt.Errorf("pagepool: no run of %d pages available: %w", n, hv.ENOMEM)
	}

	p.free.Delete(*best)
	if best.len > n {
		p.free.ReplaceOrInsert(run{start: best.start + n, len: best.len - n})
	}

	alloc := run{start: best.start, len: n}
	handle := hv.PageHandle(alloc.start)
	p.busy[handle] = alloc
	p.usedPages += n

	off := uint64(alloc.start) * hv.PageSize
	return handle, p.arena[off : off+uint64(n)*hv.PageSize], nil
}

// PageFree returns the run identified by h back to the free tree, coalescing
// it with any immediately adjacent free runs on either side.
func (p *Pool) PageFree(h hv.PageHandle, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.busy[h]
	if !ok || alloc.len != n {
		return
	}
	delete(p.busy, h)
	p.usedPages -= n

	merged := alloc

	// Coalesce with the run immediately preceding this one, if any: the
	// largest free run whose start is <= merged.start - 1.
	if merged.start > 0 {
		p.free.DescendLessOrEqual(run{start: merged.start - 1}, func(prev run) bool {
			if prev.start+prev.len == merged.start {
				p.free.Delete(prev)
				merged.start = prev.start
				merged.len += prev.len
			}
			return false
		})
	}

	// Coalesce with the run immediately following this one, if present.
	if next, ok := p.free.Get(run{start: merged.start + merged.len}); ok {
		p.free.Delete(next)
		merged.len += next.len
	}

	p.free.ReplaceOrInsert(merged)
}
