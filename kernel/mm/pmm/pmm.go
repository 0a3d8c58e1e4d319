// Package pmm manages physical memory. Every available region reported by the
// boot loader becomes a zone with its own buddy allocator whose metadata is
// stored inside the zone.
package pmm

import (
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/hal/multiboot"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/buddy"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/linear"
	"github.com/jbqxo/yaeos-sub000/kernel/sync"
)

// maxZones is the maximum number of regions that can be managed.
const maxZones = 16

var (
	// ErrOutOfMemory is returned when no zone can satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errNoUsableMemory   = &kernel.Error{Module: "pmm", Message: "no usable memory regions"}
	errFrameNotManaged  = &kernel.Error{Module: "pmm", Message: "frame does not belong to any zone"}
	errZoneSetupFailure = &kernel.Error{Module: "pmm", Message: "unable to set up zone metadata"}

	panicFn = kfmt.Panic

	// physAllocator is the system-wide physical memory manager set up by
	// Init.
	physAllocator zoneAllocator
)

// zone is a contiguous run of page frames managed by its own buddy allocator.
type zone struct {
	baseFrame  mm.Frame
	frames     uint32
	metaFrames uint32
	buddy      buddy.Manager
}

func (z *zone) contains(frame mm.Frame) bool {
	return frame >= z.baseFrame && frame < z.baseFrame+mm.Frame(z.frames)
}

type zoneAllocator struct {
	lock sync.Spinlock

	zones     [maxZones]zone
	zoneCount int

	physOffset uintptr

	// kernel image extents; kernelEndFrame is exclusive.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// ZoneInfo describes a zone for reporting purposes.
type ZoneInfo struct {
	BaseFrame  mm.Frame
	Frames     uint32
	MetaFrames uint32
	FreeFrames uint32
	MaxOrder   mem.PageOrder
}

// Init builds a zone for every available memory region reported by the boot
// loader and registers AllocFrame as the system frame allocator. Frames
// occupied by the kernel image [kernelStart, kernelEnd) are never handed out.
// Physical memory must be accessible at physical address + physOffset.
func Init(kernelStart, kernelEnd, physOffset uintptr) *kernel.Error {
	physAllocator = zoneAllocator{}
	if err := physAllocator.init(kernelStart, kernelEnd, physOffset); err != nil {
		return err
	}

	mm.SetFrameAllocator(AllocFrame)
	return nil
}

func (alloc *zoneAllocator) init(kernelStart, kernelEnd, physOffset uintptr) *kernel.Error {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	alloc.physOffset = physOffset
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = mm.FrameFromAddress(kernelEnd + pageSizeMinus1)
	if kernelEnd <= kernelStart {
		alloc.kernelEndFrame = alloc.kernelStartFrame
	}

	alloc.printMemoryMap()

	alloc.lock.Acquire()
	var err *kernel.Error
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if alloc.zoneCount == maxZones {
			kfmt.Printf("[pmm] zone table full; ignoring region at 0x%x\n", region.PhysAddress)
			return false
		}

		err = alloc.addZone(region)
		return err == nil
	})
	alloc.lock.Release()

	if err != nil {
		return err
	}
	if alloc.zoneCount == 0 {
		return errNoUsableMemory
	}

	kfmt.Printf("[pmm] %d zones, free memory: %dKb\n", alloc.zoneCount, uint64(alloc.freeFrameCount())*uint64(mem.PageSize/mem.Kb))
	return nil
}

// addZone creates a zone for an available region. Region extents are rounded
// inwards to page boundaries. Regions that cannot hold their own metadata are
// skipped.
func (alloc *zoneAllocator) addZone(region *multiboot.MemoryMapEntry) *kernel.Error {
	if region.Type != multiboot.MemAvailable {
		return nil
	}

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	startAddr := (region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
	endAddr := (region.PhysAddress + region.Length) &^ pageSizeMinus1
	if endAddr <= startAddr {
		return nil
	}

	startFrame := mm.Frame(startAddr >> mem.PageShift)
	frameCount := (endAddr - startAddr) >> mem.PageShift
	if frameCount > uint64(^uint32(0)) {
		frameCount = uint64(^uint32(0))
	}
	frames := uint32(frameCount)

	metaFrames := uint32(mem.Size(buddy.PredictSize(frames)).Pages())

	// The metadata goes to the head of the zone unless the kernel image is
	// there, in which case it goes right after the image.
	metaStart := uint32(0)
	if kStart, kEnd, ok := alloc.kernelFramesIn(startFrame, frames); ok && kStart < metaFrames {
		metaStart = kEnd
	}
	if uint64(metaStart)+uint64(metaFrames) >= uint64(frames) {
		kfmt.Printf("[pmm] skipping region at 0x%x: too small to hold its own metadata\n", region.PhysAddress)
		return nil
	}

	z := &alloc.zones[alloc.zoneCount]
	z.baseFrame = startFrame
	z.frames = frames
	z.metaFrames = metaFrames

	var arena linear.Allocator
	arena.Init(
		(startFrame+mm.Frame(metaStart)).Address()+alloc.physOffset,
		uintptr(metaFrames)<<mem.PageShift,
	)
	if err := z.buddy.Init(frames, &arena); err != nil {
		return errZoneSetupFailure
	}
	arena.Seal()

	for frame := metaStart; frame < metaStart+metaFrames; frame++ {
		z.buddy.TryAlloc(frame)
	}
	if kStart, kEnd, ok := alloc.kernelFramesIn(startFrame, frames); ok {
		for frame := kStart; frame < kEnd; frame++ {
			z.buddy.TryAlloc(frame)
		}
	}

	alloc.zoneCount++
	return nil
}

// kernelFramesIn returns the zone-relative [start, end) range of kernel image
// frames that fall inside the given frame range.
func (alloc *zoneAllocator) kernelFramesIn(base mm.Frame, frames uint32) (uint32, uint32, bool) {
	end := base + mm.Frame(frames)
	kStart, kEnd := alloc.kernelStartFrame, alloc.kernelEndFrame
	if kStart < base {
		kStart = base
	}
	if kEnd > end {
		kEnd = end
	}
	if kStart >= kEnd {
		return 0, 0, false
	}

	return uint32(kStart - base), uint32(kEnd - base), true
}

// printMemoryMap prints the memory map provided by the boot loader.
func (alloc *zoneAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	if alloc.kernelEndFrame > alloc.kernelStartFrame {
		kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x, reserved pages: %d\n",
			alloc.kernelStartAddr, alloc.kernelEndAddr, uint64(alloc.kernelEndFrame-alloc.kernelStartFrame))
	}
}

func (alloc *zoneAllocator) allocFrames(order mem.PageOrder) (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := 0; i < alloc.zoneCount; i++ {
		z := &alloc.zones[i]
		if frame, err := z.buddy.Alloc(order); err == nil {
			return z.baseFrame + mm.Frame(frame), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

func (alloc *zoneAllocator) zoneFor(frame mm.Frame) *zone {
	for i := 0; i < alloc.zoneCount; i++ {
		if alloc.zones[i].contains(frame) {
			return &alloc.zones[i]
		}
	}
	return nil
}

func (alloc *zoneAllocator) freeFrameCount() uint64 {
	var free uint64
	for i := 0; i < alloc.zoneCount; i++ {
		free += uint64(alloc.zones[i].buddy.FreeFrames())
	}
	return free
}

// AllocFrame reserves a single physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return physAllocator.allocFrames(0)
}

// AllocFrames reserves 2^order physically contiguous frames and returns the
// first one. The block never spans zones.
func AllocFrames(order mem.PageOrder) (mm.Frame, *kernel.Error) {
	return physAllocator.allocFrames(order)
}

// FreeFrames releases a block obtained from AllocFrame or AllocFrames.
func FreeFrames(frame mm.Frame, order mem.PageOrder) {
	physAllocator.lock.Acquire()
	defer physAllocator.lock.Release()

	z := physAllocator.zoneFor(frame)
	if z == nil {
		panicFn(errFrameNotManaged)
		return
	}

	z.buddy.Free(uint32(frame-z.baseFrame), order)
}

// IsFree returns true if the frame belongs to a zone and is not in use.
func IsFree(frame mm.Frame) bool {
	physAllocator.lock.Acquire()
	defer physAllocator.lock.Release()

	z := physAllocator.zoneFor(frame)
	return z != nil && z.buddy.IsFree(uint32(frame-z.baseFrame))
}

// FreeFrameCount returns the number of free frames across all zones.
func FreeFrameCount() uint64 {
	physAllocator.lock.Acquire()
	defer physAllocator.lock.Release()
	return physAllocator.freeFrameCount()
}

// VisitZones invokes visitor for each zone until it returns false.
func VisitZones(visitor func(ZoneInfo) bool) {
	physAllocator.lock.Acquire()
	defer physAllocator.lock.Release()

	for i := 0; i < physAllocator.zoneCount; i++ {
		z := &physAllocator.zones[i]
		info := ZoneInfo{
			BaseFrame:  z.baseFrame,
			Frames:     z.frames,
			MetaFrames: z.metaFrames,
			FreeFrames: z.buddy.FreeFrames(),
			MaxOrder:   z.buddy.MaxOrder(),
		}
		if !visitor(info) {
			return
		}
	}
}
