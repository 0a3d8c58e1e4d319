// Package linear provides a bump allocator used while bootstrapping other
// allocators. Memory is handed out from a fixed arena by advancing a cursor
// and can only be given back in LIFO order.
package linear

import (
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
)

var (
	// ErrOutOfMemory is returned when the arena cannot satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "linear", Message: "out of memory"}

	errFreeBelowBase = &kernel.Error{Module: "linear", Message: "free moves the cursor below the arena base"}
	errBadAlignment  = &kernel.Error{Module: "linear", Message: "alignment must be a power of two"}

	panicFn = kfmt.Panic
)

// Allocator hands out memory from the range [base, limit).
type Allocator struct {
	base     uintptr
	limit    uintptr
	position uintptr
}

// Init sets up the allocator to serve size bytes starting at base.
func (a *Allocator) Init(base, size uintptr) {
	a.base = base
	a.limit = base + size
	a.position = base
}

// Alloc reserves size bytes and returns their address.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	return a.AllocAligned(size, 1)
}

// AllocAligned reserves size bytes at an address that is a multiple of align.
// Any padding needed to reach the alignment is consumed as well.
func (a *Allocator) AllocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		panicFn(errBadAlignment)
		return 0, errBadAlignment
	}

	addr := (a.position + align - 1) &^ (align - 1)
	if addr < a.position || addr > a.limit || size > a.limit-addr {
		return 0, ErrOutOfMemory
	}

	a.position = addr + size
	return addr, nil
}

// Free returns the last size bytes handed out to the arena.
func (a *Allocator) Free(size uintptr) {
	if size > a.position-a.base {
		panicFn(errFreeBelowBase)
		return
	}

	a.position -= size
}

// Occupied returns the number of bytes handed out so far.
func (a *Allocator) Occupied() uintptr {
	return a.position - a.base
}

// Seal forbids any further allocation from the arena. Memory already handed
// out remains valid.
func (a *Allocator) Seal() {
	a.limit = a.position
}

// UsedRange returns the [start, end) range of memory handed out so far.
func (a *Allocator) UsedRange() (uintptr, uintptr) {
	return a.base, a.position
}
