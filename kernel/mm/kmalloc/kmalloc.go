// Package kmalloc provides general purpose variable-size allocations on top of
// a ladder of power-of-two slab caches.
package kmalloc

import (
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/slab"
)

const (
	// MinShift is log2 of the payload size of the smallest class.
	MinShift = 5

	// MaxShift is log2 of the payload size of the largest class.
	MaxShift = 11

	classCount = MaxShift - MinShift + 1

	// headerSize is the space reserved in front of every payload. It also
	// sets the alignment of the returned addresses.
	headerSize = 16

	headerMagic = 0x6b6d6c63
)

var (
	// ErrOutOfMemory is returned when no memory is left even after
	// trimming every cache.
	ErrOutOfMemory = &kernel.Error{Module: "kmalloc", Message: "out of memory"}

	// ErrTooLarge is returned for requests above the largest size class.
	ErrTooLarge = &kernel.Error{Module: "kmalloc", Message: "requested size exceeds the largest size class"}

	errBadAddress    = &kernel.Error{Module: "kmalloc", Message: "address was not returned by kmalloc"}
	errCorruptHeader = &kernel.Error{Module: "kmalloc", Message: "allocation header is corrupted"}

	panicFn = kfmt.Panic

	classNames = [classCount]string{
		"kmalloc_32", "kmalloc_64", "kmalloc_128", "kmalloc_256",
		"kmalloc_512", "kmalloc_1024", "kmalloc_2048",
	}
)

type header struct {
	magic uint32
	class uint32
	_     uint64
}

// Heap routes allocations to the smallest size class that fits them.
type Heap struct {
	slabs  *slab.Allocator
	caches [classCount]*slab.Cache
}

// Init creates the size class caches in the given slab allocator. On failure
// the caches created so far are destroyed again.
func (h *Heap) Init(slabs *slab.Allocator) *kernel.Error {
	h.slabs = slabs
	for class := range h.caches {
		cache, err := slabs.Create(classNames[class], headerSize+uintptr(1)<<(MinShift+class), headerSize, nil)
		if err != nil {
			for _, created := range h.caches[:class] {
				slabs.Destroy(created)
			}
			*h = Heap{}
			return err
		}
		h.caches[class] = cache
	}

	kfmt.Printf("[kmalloc] %d size classes from %d to %d bytes\n", classCount, 1<<MinShift, 1<<MaxShift)
	return nil
}

// classFor returns the index of the smallest class whose payload holds size
// bytes.
func classFor(size uintptr) (int, bool) {
	for class := 0; class < classCount; class++ {
		if size <= uintptr(1)<<(MinShift+class) {
			return class, true
		}
	}
	return 0, false
}

// MaxSize returns the largest size that Alloc accepts.
func MaxSize() uintptr {
	return 1 << MaxShift
}

// Alloc returns the address of a block of at least size bytes aligned to 16
// bytes. When the class cache is out of memory, every cache is trimmed once and
// the allocation is retried.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	class, ok := classFor(size)
	if !ok {
		kfmt.Printf("[kmalloc] request for %d bytes exceeds the maximum of %d bytes\n", size, MaxSize())
		return 0, ErrTooLarge
	}

	block, err := h.caches[class].Alloc()
	if err == slab.ErrOutOfMemory {
		h.slabs.TrimAll()
		block, err = h.caches[class].Alloc()
	}
	if err != nil {
		return 0, ErrOutOfMemory
	}

	hdr := (*header)(unsafe.Pointer(block))
	hdr.magic = headerMagic
	hdr.class = uint32(class)
	return block + headerSize, nil
}

// Free releases a block returned by Alloc.
func (h *Heap) Free(addr uintptr) {
	if addr < headerSize || addr%headerSize != 0 {
		panicFn(errBadAddress)
		return
	}

	block := addr - headerSize
	hdr := (*header)(unsafe.Pointer(block))
	if hdr.magic != headerMagic || hdr.class >= classCount {
		panicFn(errCorruptHeader)
		return
	}

	hdr.magic = 0
	h.caches[hdr.class].Free(block)
}

// Caches returns the size class caches from the smallest to the largest.
func (h *Heap) Caches() []*slab.Cache {
	return h.caches[:]
}
