// Package pool implements a fixed-size element pool over a caller-supplied
// memory region. Free elements are chained through their first word, so the
// pool needs no storage besides the region itself.
package pool

import (
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/sync"
)

const nodeSize = uintptr(1) << mem.PointerShift

var (
	errRegionTooSmall = &kernel.Error{Module: "pool", Message: "region cannot hold a single element"}
	errBadAlignment   = &kernel.Error{Module: "pool", Message: "element alignment must be a power of two"}
	errForeignElement = &kernel.Error{Module: "pool", Message: "address does not belong to the pool"}

	panicFn = kfmt.Panic
)

// Pool hands out elements of a fixed size from a contiguous region.
type Pool struct {
	lock sync.Spinlock

	start, end uintptr
	stride     uintptr
	head       uintptr
	free       uint32
	total      uint32
}

func nextOf(node uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(node))
}

// Init carves the region [addr, addr+size) into elements of elemSize bytes,
// each starting at a multiple of elemAlign. Elements smaller than a pointer
// are padded up to pointer size.
func (p *Pool) Init(addr, size, elemSize, elemAlign uintptr) {
	if elemAlign == 0 || elemAlign&(elemAlign-1) != 0 {
		panicFn(errBadAlignment)
		return
	}
	if elemAlign < nodeSize {
		elemAlign = nodeSize
	}
	if elemSize < nodeSize {
		elemSize = nodeSize
	}

	p.stride = (elemSize + elemAlign - 1) &^ (elemAlign - 1)
	p.start = (addr + elemAlign - 1) &^ (elemAlign - 1)
	p.end = addr + size
	if p.start > p.end || p.end-p.start < elemSize {
		panicFn(errRegionTooSmall)
		return
	}

	p.head, p.free, p.total = 0, 0, 0

	// Chain elements so the lowest address is handed out first.
	var tail uintptr
	for elem := p.start; elem <= p.end-elemSize; elem += p.stride {
		*nextOf(elem) = 0
		if tail == 0 {
			p.head = elem
		} else {
			*nextOf(tail) = elem
		}
		tail = elem
		p.total++
	}
	p.free = p.total
}

// Alloc removes an element from the pool. The second return value is false if
// the pool is exhausted.
func (p *Pool) Alloc() (uintptr, bool) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.head == 0 {
		return 0, false
	}

	elem := p.head
	p.head = *nextOf(elem)
	p.free--
	return elem, true
}

// Free returns an element obtained from Alloc to the pool.
func (p *Pool) Free(addr uintptr) {
	if !p.Contains(addr) {
		panicFn(errForeignElement)
		return
	}

	p.lock.Acquire()
	*nextOf(addr) = p.head
	p.head = addr
	p.free++
	p.lock.Release()
}

// Contains returns true if addr is the start of one of the pool's elements.
func (p *Pool) Contains(addr uintptr) bool {
	return p.total != 0 &&
		addr >= p.start &&
		addr < p.start+uintptr(p.total)*p.stride &&
		(addr-p.start)%p.stride == 0
}

// FreeCount returns the number of elements currently available.
func (p *Pool) FreeCount() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.free
}

// Capacity returns the total number of elements in the pool.
func (p *Pool) Capacity() uint32 {
	return p.total
}
