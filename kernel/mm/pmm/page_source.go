package pmm

import (
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/mm"
)

// PageSource hands out single frames through their direct-mapped virtual
// addresses. It satisfies slab.PageSource.
type PageSource struct{}

// AllocPage reserves a frame and returns its virtual address.
func (PageSource) AllocPage() (uintptr, *kernel.Error) {
	frame, err := AllocFrame()
	if err != nil {
		return 0, err
	}
	return frame.Address() + physAllocator.physOffset, nil
}

// FreePage releases the frame mapped at the given virtual address.
func (PageSource) FreePage(page uintptr) {
	FreeFrames(mm.FrameFromAddress(page-physAllocator.physOffset), 0)
}
