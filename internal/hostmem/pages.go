package hostmem

import (
	"sync"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/pkg/errors"
)

// ErrNoPages is returned by Pages.AllocPage when the page budget or the arena
// is exhausted.
var ErrNoPages = &kernel.Error{Module: "hostmem", Message: "page source exhausted"}

// Pages hands out the pages of an Arena one at a time. It satisfies the slab
// allocator's page source contract.
type Pages struct {
	mu sync.Mutex

	arena *Arena
	limit int
	free  []uintptr
	inUse map[uintptr]bool

	allocs, frees int
}

// NewPages creates a page source over the arena that allows at most limit
// pages to be outstanding at any time. A limit of zero allows every page of
// the arena to be used.
func NewPages(arena *Arena, limit int) *Pages {
	total := int(arena.Size() / mem.PageSize)
	if limit == 0 || limit > total {
		limit = total
	}

	p := &Pages{
		arena: arena,
		limit: limit,
		free:  make([]uintptr, 0, total),
		inUse: make(map[uintptr]bool),
	}

	// Push pages in reverse so that the lowest address is handed out first.
	for i := total - 1; i >= 0; i-- {
		p.free = append(p.free, arena.Base()+uintptr(i)*uintptr(mem.PageSize))
	}
	return p
}

// AllocPage returns a page-aligned page from the arena.
func (p *Pages) AllocPage() (uintptr, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.inUse) >= p.limit || len(p.free) == 0 {
		return 0, ErrNoPages
	}

	page := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[page] = true
	p.allocs++
	return page, nil
}

// FreePage returns a page to the arena. Freeing a page that is not currently
// allocated panics.
func (p *Pages) FreePage(page uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[page] {
		panic(errors.Errorf("hostmem: page 0x%x freed but not allocated", page))
	}

	delete(p.inUse, page)
	p.free = append(p.free, page)
	p.frees++
}

// SetLimit changes the maximum number of outstanding pages.
func (p *Pages) SetLimit(limit int) {
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
}

// InUse returns the number of pages currently allocated.
func (p *Pages) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Counters returns the total number of page allocations and frees served.
func (p *Pages) Counters() (allocs, frees int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.frees
}
