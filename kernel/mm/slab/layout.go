package slab

import (
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel/mem"
)

// Every slab occupies exactly one page. The page starts with a pageHeader that
// points back at the slab header so that the owner of any object can be found
// from its address alone. Small-object slabs keep their slabHeader right after
// the page header; large-object slabs keep it off-page.
//
// All structures below live in raw memory and therefore only hold integers.

const (
	pageMagic = 0x51ab9a9e

	// pageFromReserve marks pages that were taken from the static reserve
	// and must be returned there.
	pageFromReserve = 1 << 0

	smallCtlFree  = 0xf3eef3ee
	smallCtlInUse = 0x0bba0bba

	// ctlAlign is the minimum alignment of small objects, so that the
	// control record stored after each object is naturally aligned.
	ctlAlign = 8

	// largeObjectThreshold is the object size from which a cache keeps its
	// bookkeeping off the slab page.
	largeObjectThreshold = uintptr(mem.PageSize / 8)
)

type pageHeader struct {
	owner uintptr
	magic uint32
	flags uint32
}

// slab states; each state has its own list in the cache record.
const (
	stateEmpty uint32 = iota
	statePartial
	stateFull
	stateCount
)

type slabHeader struct {
	prev, next uintptr

	// freeHead is slot index+1 of the first free object for small slabs
	// and the address of the first free largeCtl for large slabs. Zero
	// means the slab has no free objects.
	freeHead uintptr

	page    uintptr
	objBase uintptr
	cacheID uint32
	inUse   uint32
	state   uint32
	_       uint32
}

// smallCtl follows every small object inside its slot.
type smallCtl struct {
	// next is the slot index+1 of the next free object.
	next  uint32
	state uint32
}

// largeCtl tracks one free large object.
type largeCtl struct {
	next uintptr
	obj  uintptr
}

// cacheRecord holds the geometry and slab lists of a cache.
type cacheRecord struct {
	objSize   uintptr
	align     uintptr
	stride    uintptr
	ctlOffset uintptr

	// firstOffset is the offset of the first object inside a page before
	// colouring is applied.
	firstOffset uintptr

	colourMax  uintptr
	colourStep uintptr
	colourNext uintptr

	lists  [stateCount]uintptr
	counts [stateCount]uint32

	capacity     uint32
	objectsInUse uint32
	large        uint32
	_            uint32
}

var (
	pageHeaderSize  = unsafe.Sizeof(pageHeader{})
	slabHeaderSize  = unsafe.Sizeof(slabHeader{})
	smallCtlSize    = unsafe.Sizeof(smallCtl{})
	largeCtlSize    = unsafe.Sizeof(largeCtl{})
	cacheRecordSize = unsafe.Sizeof(cacheRecord{})
)

func pageHeaderAt(page uintptr) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(page))
}

func slabAt(addr uintptr) *slabHeader {
	return (*slabHeader)(unsafe.Pointer(addr))
}

func smallCtlAt(addr uintptr) *smallCtl {
	return (*smallCtl)(unsafe.Pointer(addr))
}

func largeCtlAt(addr uintptr) *largeCtl {
	return (*largeCtl)(unsafe.Pointer(addr))
}

func recordAt(addr uintptr) *cacheRecord {
	return (*cacheRecord)(unsafe.Pointer(addr))
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// computeGeometry fills in the layout of slabs holding objects of the given
// size and alignment. An alignment of zero selects the minimum alignment.
func computeGeometry(rec *cacheRecord, size, align uintptr) {
	*rec = cacheRecord{objSize: size}

	var headerBytes uintptr
	if size >= largeObjectThreshold {
		rec.large = 1
		if align == 0 {
			align = ctlAlign
		}
		rec.stride = roundUp(size, align)
		rec.ctlOffset = 0
		headerBytes = pageHeaderSize
	} else {
		if align < ctlAlign {
			align = ctlAlign
		}
		rec.ctlOffset = roundUp(size, ctlAlign)
		rec.stride = roundUp(rec.ctlOffset+smallCtlSize, align)
		headerBytes = pageHeaderSize + slabHeaderSize
	}

	rec.align = align
	rec.firstOffset = roundUp(headerBytes, align)
	if rec.firstOffset >= uintptr(mem.PageSize) {
		return
	}

	available := uintptr(mem.PageSize) - rec.firstOffset
	rec.capacity = uint32(available / rec.stride)
	if rec.capacity == 0 {
		return
	}
	rec.colourMax = available - uintptr(rec.capacity)*rec.stride
	rec.colourStep = align
}

// nextColour returns the colour offset for the next slab and advances the
// cycle.
func (r *cacheRecord) nextColour() uintptr {
	colour := r.colourNext
	r.colourNext += r.colourStep
	if r.colourNext > r.colourMax {
		r.colourNext = 0
	}
	return colour
}
