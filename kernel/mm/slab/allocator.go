// Package slab implements a cache-based object allocator on top of a page
// source.
//
// Each cache serves objects of one size and alignment from slabs, one page
// each. Small objects share the page with the slab header and carry a control
// record after each object. Large objects keep their bookkeeping off-page in
// meta caches owned by the allocator itself, so the allocator needs no other
// allocator to describe its own state.
//
// Locks are always taken in the order: cache registry, user cache, meta cache.
package slab

import (
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/pool"
	"github.com/jbqxo/yaeos-sub000/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when a cache needs a new slab and no page
	// is available.
	ErrOutOfMemory = &kernel.Error{Module: "slab", Message: "out of memory"}

	errNoPageSource     = &kernel.Error{Module: "slab", Message: "allocator requires a page source"}
	errZeroObjectSize   = &kernel.Error{Module: "slab", Message: "object size must be greater than zero"}
	errBadAlignment     = &kernel.Error{Module: "slab", Message: "object alignment must be a power of two"}
	errNoObjectsPerSlab = &kernel.Error{Module: "slab", Message: "object size and alignment leave no room for objects in a slab"}
	errUnalignedPage    = &kernel.Error{Module: "slab", Message: "page source returned an unaligned page"}
	errNotSlabObject    = &kernel.Error{Module: "slab", Message: "address is not owned by any slab"}
	errWrongCache       = &kernel.Error{Module: "slab", Message: "object freed into a cache that does not own it"}
	errBadObjectAddress = &kernel.Error{Module: "slab", Message: "address does not point to the start of an object"}
	errDoubleFree       = &kernel.Error{Module: "slab", Message: "object is already free"}
	errCorruptSlab      = &kernel.Error{Module: "slab", Message: "slab free list is corrupted"}
	errNoBufctl         = &kernel.Error{Module: "slab", Message: "unable to allocate a large object control record"}
	errDestroyMetaCache = &kernel.Error{Module: "slab", Message: "meta caches cannot be destroyed"}

	// ErrTooManyCaches is returned by Create once MaxCaches user caches
	// exist.
	ErrTooManyCaches = &kernel.Error{Module: "slab", Message: "cache handle table is full"}

	panicFn = kfmt.Panic
)

// PageSource supplies the allocator with page-aligned pages of mem.PageSize
// bytes.
type PageSource interface {
	AllocPage() (uintptr, *kernel.Error)
	FreePage(page uintptr)
}

// PageSourceFuncs adapts a pair of functions to the PageSource interface.
type PageSourceFuncs struct {
	AllocFn func() (uintptr, *kernel.Error)
	FreeFn  func(uintptr)
}

// AllocPage implements PageSource.
func (f PageSourceFuncs) AllocPage() (uintptr, *kernel.Error) { return f.AllocFn() }

// FreePage implements PageSource.
func (f PageSourceFuncs) FreePage(page uintptr) { f.FreeFn(page) }

// Config describes the resources available to an Allocator.
type Config struct {
	// Pages backs every slab. It is fixed for the lifetime of the
	// allocator.
	Pages PageSource

	// StaticStorage optionally points to a region that is set aside for
	// the allocator's meta caches. They fall back to it when Pages is
	// exhausted.
	StaticStorage     uintptr
	StaticStorageSize mem.Size
}

// MaxCaches is the number of user caches an Allocator can hold at once.
const MaxCaches = 64

// Allocator owns a registry of caches together with the meta caches that
// describe them. Cache handles live in a fixed table inside the Allocator so
// that creating a cache never touches the Go heap.
type Allocator struct {
	pages   PageSource
	reserve pool.Pool

	registryLock sync.Spinlock
	registry     *Cache
	lastID       uint32

	cacheRecords Cache
	slabHeaders  Cache
	bufctls      Cache
	metaRecords  [3]cacheRecord

	// handles is guarded by registryLock. A slot is free while its alloc
	// field is nil.
	handles [MaxCaches]Cache
}

// Init prepares the allocator and registers its meta caches.
func (a *Allocator) Init(cfg Config) {
	if cfg.Pages == nil {
		panicFn(errNoPageSource)
		return
	}

	a.pages = cfg.Pages
	a.registry = nil
	a.lastID = 0
	a.handles = [MaxCaches]Cache{}

	a.reserve = pool.Pool{}
	if cfg.StaticStorageSize >= mem.PageSize {
		a.reserve.Init(cfg.StaticStorage, uintptr(cfg.StaticStorageSize), uintptr(mem.PageSize), uintptr(mem.PageSize))
	}

	a.initMetaCache(&a.cacheRecords, &a.metaRecords[0], "slab_alloc_caches", cacheRecordSize)
	a.initMetaCache(&a.slabHeaders, &a.metaRecords[1], "slab_alloc_slabs", slabHeaderSize)
	a.initMetaCache(&a.bufctls, &a.metaRecords[2], "slab_alloc_bufctls", largeCtlSize)

	kfmt.Printf("[slab] initialized; static reserve: %d pages\n", a.reserve.Capacity())
}

func (a *Allocator) initMetaCache(c *Cache, rec *cacheRecord, name string, size uintptr) {
	computeGeometry(rec, size, 0)
	*c = Cache{
		name:      name,
		meta:      true,
		rec:       rec,
		lifecycle: noLifecycle{},
		strategy:  smallSlabs{},
		alloc:     a,
	}
	a.register(c)
}

// Create registers a new cache for objects of the given size and alignment.
// An alignment of zero selects the minimum alignment. A nil lifecycle means
// objects need no construction or destruction.
func (a *Allocator) Create(name string, size, align uintptr, lifecycle ObjectLifecycle) (*Cache, *kernel.Error) {
	switch {
	case size == 0:
		panicFn(errZeroObjectSize)
		return nil, errZeroObjectSize
	case align&(align-1) != 0:
		panicFn(errBadAlignment)
		return nil, errBadAlignment
	}

	var geometry cacheRecord
	computeGeometry(&geometry, size, align)
	if geometry.capacity == 0 {
		panicFn(errNoObjectsPerSlab)
		return nil, errNoObjectsPerSlab
	}

	c := a.claimHandle()
	if c == nil {
		return nil, ErrTooManyCaches
	}

	recAddr, err := a.cacheRecords.Alloc()
	if err != nil {
		a.releaseHandle(c)
		return nil, ErrOutOfMemory
	}
	rec := recordAt(recAddr)
	*rec = geometry

	if lifecycle == nil {
		lifecycle = noLifecycle{}
	}

	var strategy slabStrategy = smallSlabs{}
	if rec.large != 0 {
		strategy = largeSlabs{}
	}

	c.name = name
	c.rec = rec
	c.recAddr = recAddr
	c.lifecycle = lifecycle
	c.strategy = strategy
	a.register(c)
	return c, nil
}

// claimHandle reserves a free slot of the handle table or returns nil.
func (a *Allocator) claimHandle() *Cache {
	a.registryLock.Acquire()
	defer a.registryLock.Release()

	for i := range a.handles {
		if c := &a.handles[i]; c.alloc == nil {
			c.alloc = a
			return c
		}
	}
	return nil
}

func (a *Allocator) releaseHandle(c *Cache) {
	a.registryLock.Acquire()
	*c = Cache{}
	a.registryLock.Release()
}

// Destroy releases every slab of the cache and unregisters it. Objects still
// in use are lost; a warning is logged when any exist. The handle may be
// handed out again by a later Create and must not be used afterwards.
func (a *Allocator) Destroy(c *Cache) {
	if c.meta {
		panicFn(errDestroyMetaCache)
		return
	}

	a.unregister(c)

	c.lock.Acquire()
	rec := c.rec
	if busy := rec.counts[stateFull] + rec.counts[statePartial]; busy != 0 {
		kfmt.Printf("[slab] destroying cache %s: %d slabs hold %d live objects\n", c.name, busy, rec.objectsInUse)
	}
	c.destroyList(stateFull)
	c.destroyList(statePartial)
	c.destroyList(stateEmpty)

	recAddr := c.recAddr
	c.rec, c.recAddr = nil, 0
	c.lock.Release()

	a.cacheRecords.Free(recAddr)
	a.releaseHandle(c)
}

// TrimAll trims every registered cache and returns the number of pages given
// back.
func (a *Allocator) TrimAll() int {
	a.registryLock.Acquire()
	defer a.registryLock.Release()

	var pages int
	for c := a.registry; c != nil; c = c.nextCache {
		pages += c.Trim()
	}
	return pages
}

// Caches invokes visitor for each registered cache, including the meta
// caches, until it returns false.
func (a *Allocator) Caches(visitor func(*Cache) bool) {
	a.registryLock.Acquire()
	defer a.registryLock.Release()

	for c := a.registry; c != nil; c = c.nextCache {
		if !visitor(c) {
			return
		}
	}
}

func (a *Allocator) register(c *Cache) {
	a.registryLock.Acquire()
	a.lastID++
	c.id = a.lastID
	c.nextCache = a.registry
	a.registry = c
	a.registryLock.Release()
}

func (a *Allocator) unregister(c *Cache) {
	a.registryLock.Acquire()
	for link := &a.registry; *link != nil; link = &(*link).nextCache {
		if *link == c {
			*link = c.nextCache
			c.nextCache = nil
			break
		}
	}
	a.registryLock.Release()
}

// allocPage obtains a page for a new slab. Meta caches may fall back to the
// static reserve.
func (a *Allocator) allocPage(meta bool) (uintptr, uint32, *kernel.Error) {
	page, err := a.pages.AllocPage()
	if err == nil {
		if !mm.PageAligned(page) {
			panicFn(errUnalignedPage)
			return 0, 0, errUnalignedPage
		}
		return page, 0, nil
	}

	if meta {
		if page, ok := a.reserve.Alloc(); ok {
			return page, pageFromReserve, nil
		}
	}

	return 0, 0, ErrOutOfMemory
}

func (a *Allocator) freePage(page uintptr, flags uint32) {
	if flags&pageFromReserve != 0 {
		a.reserve.Free(page)
		return
	}
	a.pages.FreePage(page)
}
