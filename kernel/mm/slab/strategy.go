package slab

import "github.com/jbqxo/yaeos-sub000/kernel"

// slabStrategy encapsulates how a cache lays out and tracks the objects of a
// single slab.
type slabStrategy interface {
	// carve builds a slab of free objects inside page, placing the first
	// object colour bytes past the cache's first object offset, and
	// returns the slab header address.
	carve(c *Cache, page, colour uintptr) (uintptr, *kernel.Error)

	// take removes a free object from a slab with at least one.
	take(c *Cache, slab uintptr) uintptr

	// give returns obj to the slab's free objects. It reports false if
	// the object was already free.
	give(c *Cache, slab, obj uintptr) bool

	// release runs destructors for the free objects of the slab and
	// returns its bookkeeping memory. The page itself is not touched.
	release(c *Cache, slab uintptr)
}

// smallSlabs keeps the slab header on the slab page and a smallCtl after each
// object. Control records are reached by slot index from the slab's object
// base.
type smallSlabs struct{}

func (smallSlabs) ctl(rec *cacheRecord, sh *slabHeader, index uint32) (uintptr, *smallCtl) {
	obj := sh.objBase + uintptr(index)*rec.stride
	return obj, smallCtlAt(obj + rec.ctlOffset)
}

func (s smallSlabs) carve(c *Cache, page, colour uintptr) (uintptr, *kernel.Error) {
	rec := c.rec
	slab := page + pageHeaderSize
	sh := slabAt(slab)
	*sh = slabHeader{
		freeHead: 1,
		page:     page,
		objBase:  page + rec.firstOffset + colour,
		cacheID:  c.id,
	}

	for index := uint32(0); index < rec.capacity; index++ {
		obj, ctl := s.ctl(rec, sh, index)
		ctl.state = smallCtlFree
		ctl.next = index + 2
		if index+1 == rec.capacity {
			ctl.next = 0
		}
		c.lifecycle.Construct(obj)
	}

	return slab, nil
}

func (s smallSlabs) take(c *Cache, slab uintptr) uintptr {
	sh := slabAt(slab)
	obj, ctl := s.ctl(c.rec, sh, uint32(sh.freeHead-1))
	if ctl.state != smallCtlFree {
		panicFn(errCorruptSlab)
		return 0
	}

	sh.freeHead = uintptr(ctl.next)
	ctl.state = smallCtlInUse
	return obj
}

func (s smallSlabs) give(c *Cache, slab, obj uintptr) bool {
	sh := slabAt(slab)
	index := uint32((obj - sh.objBase) / c.rec.stride)
	_, ctl := s.ctl(c.rec, sh, index)
	if ctl.state != smallCtlInUse {
		return false
	}

	ctl.state = smallCtlFree
	ctl.next = uint32(sh.freeHead)
	sh.freeHead = uintptr(index) + 1
	return true
}

func (s smallSlabs) release(c *Cache, slab uintptr) {
	sh := slabAt(slab)
	for next := uint32(sh.freeHead); next != 0; {
		obj, ctl := s.ctl(c.rec, sh, next-1)
		next = ctl.next
		c.lifecycle.Destruct(obj)
	}
	sh.freeHead = 0
}

// largeSlabs keeps the slab header and one largeCtl per free object in the
// allocator's meta caches so that the slab page holds nothing but objects and
// the page header.
type largeSlabs struct{}

func (largeSlabs) carve(c *Cache, page, colour uintptr) (uintptr, *kernel.Error) {
	var (
		rec  = c.rec
		meta = c.alloc
	)

	slab, err := meta.slabHeaders.Alloc()
	if err != nil {
		return 0, ErrOutOfMemory
	}

	sh := slabAt(slab)
	*sh = slabHeader{
		page:    page,
		objBase: page + rec.firstOffset + colour,
		cacheID: c.id,
	}

	// Build the list back to front so the lowest object is handed out first.
	for index := rec.capacity; index > 0; index-- {
		ctlAddr, err := meta.bufctls.Alloc()
		if err != nil {
			for next := sh.freeHead; next != 0; {
				ctlAddr := next
				next = largeCtlAt(ctlAddr).next
				meta.bufctls.Free(ctlAddr)
			}
			meta.slabHeaders.Free(slab)
			return 0, ErrOutOfMemory
		}

		ctl := largeCtlAt(ctlAddr)
		ctl.obj = sh.objBase + uintptr(index-1)*rec.stride
		ctl.next = sh.freeHead
		sh.freeHead = ctlAddr
	}

	for next := sh.freeHead; next != 0; next = largeCtlAt(next).next {
		c.lifecycle.Construct(largeCtlAt(next).obj)
	}

	return slab, nil
}

func (largeSlabs) take(c *Cache, slab uintptr) uintptr {
	sh := slabAt(slab)
	ctlAddr := sh.freeHead
	ctl := largeCtlAt(ctlAddr)
	sh.freeHead = ctl.next
	obj := ctl.obj

	c.alloc.bufctls.Free(ctlAddr)
	return obj
}

// give records obj as free in a new control record. The double-free check walks
// the slab's free list, so it costs O(capacity); large caches hold at most
// seven objects per slab.
func (largeSlabs) give(c *Cache, slab, obj uintptr) bool {
	sh := slabAt(slab)
	for next := sh.freeHead; next != 0; next = largeCtlAt(next).next {
		if largeCtlAt(next).obj == obj {
			return false
		}
	}

	ctlAddr, err := c.alloc.bufctls.Alloc()
	if err != nil {
		panicFn(errNoBufctl)
		return false
	}

	ctl := largeCtlAt(ctlAddr)
	ctl.obj = obj
	ctl.next = sh.freeHead
	sh.freeHead = ctlAddr
	return true
}

func (largeSlabs) release(c *Cache, slab uintptr) {
	sh := slabAt(slab)
	for next := sh.freeHead; next != 0; {
		ctlAddr := next
		ctl := largeCtlAt(ctlAddr)
		next = ctl.next

		c.lifecycle.Destruct(ctl.obj)
		c.alloc.bufctls.Free(ctlAddr)
	}
	sh.freeHead = 0

	c.alloc.slabHeaders.Free(slab)
}
