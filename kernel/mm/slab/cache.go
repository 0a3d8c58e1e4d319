package slab

import (
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/mm"
	"github.com/jbqxo/yaeos-sub000/kernel/sync"
)

// ObjectLifecycle is an optional capability of a cache. Construct runs once
// for every object when the slab holding it is created; Destruct runs for
// every free object when its slab is destroyed. Objects are not reconstructed
// between a Free and a subsequent Alloc.
type ObjectLifecycle interface {
	Construct(obj uintptr)
	Destruct(obj uintptr)
}

type noLifecycle struct{}

func (noLifecycle) Construct(uintptr) {}
func (noLifecycle) Destruct(uintptr)  {}

// Cache is a named pool of objects that share the same size and alignment.
type Cache struct {
	lock sync.Spinlock

	name      string
	id        uint32
	meta      bool
	rec       *cacheRecord
	recAddr   uintptr
	lifecycle ObjectLifecycle
	strategy  slabStrategy
	alloc     *Allocator

	nextCache *Cache
}

// Stats is a snapshot of the state of a cache.
type Stats struct {
	Name         string
	ObjectSize   uintptr
	Align        uintptr
	Stride       uintptr
	Large        bool
	Capacity     uint32
	EmptySlabs   uint32
	PartialSlabs uint32
	FullSlabs    uint32
	ObjectsInUse uint32
	ColourNext   uintptr
	ColourMax    uintptr
	ColourStep   uintptr
}

// Name returns the name the cache was created with.
func (c *Cache) Name() string {
	return c.name
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() Stats {
	c.lock.Acquire()
	defer c.lock.Release()

	rec := c.rec
	return Stats{
		Name:         c.name,
		ObjectSize:   rec.objSize,
		Align:        rec.align,
		Stride:       rec.stride,
		Large:        rec.large != 0,
		Capacity:     rec.capacity,
		EmptySlabs:   rec.counts[stateEmpty],
		PartialSlabs: rec.counts[statePartial],
		FullSlabs:    rec.counts[stateFull],
		ObjectsInUse: rec.objectsInUse,
		ColourNext:   rec.colourNext,
		ColourMax:    rec.colourMax,
		ColourStep:   rec.colourStep,
	}
}

// Alloc returns the address of a free object. Partially used slabs are
// preferred over empty ones; a new slab is only created when neither exists.
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	rec := c.rec
	slab := rec.lists[statePartial]
	if slab == 0 {
		slab = rec.lists[stateEmpty]
	}
	if slab == 0 {
		var err *kernel.Error
		if slab, err = c.grow(); err != nil {
			return 0, err
		}
	}

	obj := c.strategy.take(c, slab)
	slabAt(slab).inUse++
	rec.relist(slab)
	rec.objectsInUse++
	return obj, nil
}

// Free returns an object obtained from Alloc to the cache.
func (c *Cache) Free(obj uintptr) {
	if obj == 0 {
		panicFn(errNotSlabObject)
		return
	}

	hdr := pageHeaderAt(mm.PageFromAddress(obj).Address())
	if hdr.magic != pageMagic {
		panicFn(errNotSlabObject)
		return
	}

	slab := hdr.owner
	sh := slabAt(slab)
	if sh.cacheID != c.id {
		panicFn(errWrongCache)
		return
	}

	c.lock.Acquire()
	defer c.lock.Release()

	rec := c.rec
	if obj < sh.objBase || (obj-sh.objBase)%rec.stride != 0 || (obj-sh.objBase)/rec.stride >= uintptr(rec.capacity) {
		panicFn(errBadObjectAddress)
		return
	}

	if !c.strategy.give(c, slab, obj) {
		panicFn(errDoubleFree)
		return
	}

	sh.inUse--
	rec.relist(slab)
	rec.objectsInUse--
}

// Trim destroys all empty slabs of the cache and returns the number of pages
// given back.
func (c *Cache) Trim() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.destroyList(stateEmpty)
}

// grow carves a new slab out of a fresh page and puts it on the empty list.
func (c *Cache) grow() (uintptr, *kernel.Error) {
	page, flags, err := c.alloc.allocPage(c.meta)
	if err != nil {
		return 0, err
	}

	slab, err := c.strategy.carve(c, page, c.rec.colourNext)
	if err != nil {
		c.alloc.freePage(page, flags)
		return 0, err
	}
	c.rec.nextColour()

	*pageHeaderAt(page) = pageHeader{owner: slab, magic: pageMagic, flags: flags}
	c.rec.push(stateEmpty, slab)
	return slab, nil
}

// destroyList destroys every slab on the list for the given state.
func (c *Cache) destroyList(state uint32) int {
	var destroyed int
	for slab := c.rec.lists[state]; slab != 0; slab = c.rec.lists[state] {
		c.rec.unlink(slab)
		c.destroySlab(slab)
		destroyed++
	}
	return destroyed
}

func (c *Cache) destroySlab(slab uintptr) {
	sh := slabAt(slab)
	page := sh.page
	c.rec.objectsInUse -= sh.inUse

	c.strategy.release(c, slab)

	hdr := pageHeaderAt(page)
	flags := hdr.flags
	*hdr = pageHeader{}
	c.alloc.freePage(page, flags)
}
