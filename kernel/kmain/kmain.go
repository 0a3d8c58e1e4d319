package kmain

import (
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/hal/multiboot"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/kmalloc"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/pmm"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/slab"
)

// StaticSlabPages is the number of pages set aside for the slab allocator's
// meta caches before any physical memory manager exists.
const StaticSlabPages = 4

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	panicFn = kfmt.Panic

	// directMapOffset is added to physical addresses to obtain the virtual
	// address they are accessible at.
	directMapOffset uintptr

	// staticSlabStorage has room for StaticSlabPages page-aligned pages.
	staticSlabStorage [(StaticSlabPages + 1) * mem.PageSize]byte

	// SlabAllocator is the kernel's object allocator.
	SlabAllocator slab.Allocator

	// Heap serves general purpose allocations on top of SlabAllocator.
	Heap kmalloc.Heap
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader as well as the physical addresses for the
// kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd, directMapOffset); err != nil {
		panicFn(err)
		return
	}

	SlabAllocator.Init(slab.Config{
		Pages:             pmm.PageSource{},
		StaticStorage:     uintptr(unsafe.Pointer(&staticSlabStorage[0])),
		StaticStorageSize: mem.Size(len(staticSlabStorage)),
	})

	if err = Heap.Init(&SlabAllocator); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] memory subsystem online; %d free frames\n", pmm.FreeFrameCount())

	// Use panicFn instead of panic to prevent the compiler from
	// treating the call as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
