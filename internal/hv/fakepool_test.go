package hv

import (
	"fmt"
	"sync"
)

// fakePagePool is a minimal stand-in for pagepool.Pool used only by this
// package's own white-box tests. It cannot import pagepool directly: pagepool
// imports hv for PageHandle/PageSize/ENOMEM, and an internal (package hv)
// test file importing pagepool would close that into an import cycle. The
// allocation discipline (best-fit, coalesce-on-free) mirrors pagepool.Pool
// closely enough that accounting assertions (InfoMemPoolUsed growing and
// shrinking, repeated alloc/free reuse under invariants_test.go) hold the
// same way they would against the real pool.
type fakePagePool struct {
	mu sync.Mutex

	pages int
	used  int

	free []poolRun
	busy map[PageHandle]poolRun
	next PageHandle

	arena []byte
}

type poolRun struct {
	start int
	len   int
}

func newFakePagePool(numPages int) *fakePagePool {
	p := &fakePagePool{
		pages: numPages,
		busy:  make(map[PageHandle]poolRun),
		arena: make([]byte, uint64(numPages)*PageSize),
	}
	if numPages > 0 {
		p.free = append(p.free, poolRun{start: 0, len: numPages})
	}
	return p
}

func (p *fakePagePool) Pages() int { return p.pages }

func (p *fakePagePool) UsedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *fakePagePool) PageAlloc(n int) (PageHandle, []byte, error) {
	if n <= 0 {
		return 0, nil, wrapErrno(ENOMEM, fmt.Errorf("non-positive page count"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, r := range p.free {
		if r.len >= n && (best == -1 || r.len < p.free[best].len) {
			best = i
		}
	}
	if best == -1 {
		return 0, nil, wrapErrno(ENOMEM, fmt.Errorf("no run of %d pages available", n))
	}

	r := p.free[best]
	if r.len == n {
		p.free = append(p.free[:best], p.free[best+1:]...)
	} else {
		p.free[best] = poolRun{start: r.start + n, len: r.len - n}
	}

	p.next++
	handle := p.next
	alloc := poolRun{start: r.start, len: n}
	p.busy[handle] = alloc
	p.used += n

	off := uint64(alloc.start) * PageSize
	return handle, p.arena[off : off+uint64(n)*PageSize], nil
}

func (p *fakePagePool) PageFree(h PageHandle, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.busy[h]
	if !ok || alloc.len != n {
		return
	}
	delete(p.busy, h)
	p.used -= n

	merged := alloc
	kept := p.free[:0]
	for _, r := range p.free {
		switch {
		case r.start+r.len == merged.start:
			merged.start = r.start
			merged.len += r.len
		case merged.start+merged.len == r.start:
			merged.len += r.len
		default:
			kept = append(kept, r)
		}
	}
	p.free = append(kept, merged)
}
