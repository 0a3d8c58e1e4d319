// Package mm defines the frame and page primitives shared by the physical
// and object allocators.
package mm

import (
	"math"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
)

// Frame is the index of a physical page.
type Frame uintptr

// InvalidFrame is returned alongside an error by frame allocators.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns false for InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

var (
	frameAllocator FrameAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn reserves a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator installs the allocator used by AllocFrame. Boot code
// replaces it as more capable allocators come online.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame reserves a frame from the installed allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}
