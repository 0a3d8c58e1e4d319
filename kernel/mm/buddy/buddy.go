// Package buddy implements a binary buddy allocator over a contiguous range of
// page frames.
//
// The manager keeps one bitmap per order. Bit i of the bitmap for order o
// tracks the block spanning frames [i<<o, (i+1)<<o) and is set whenever any
// frame inside that block is in use. Allocations at some order therefore only
// need to look for the first clear bit in a single bitmap.
package buddy

import (
	"math/bits"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/ds/bitmap"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/linear"
	"github.com/jbqxo/yaeos-sub000/kernel/sync"
)

// maxLevels bounds the number of orders a manager can track. Frame counts are
// 32-bit so log2 never exceeds 31.
const maxLevels = 32

var (
	// ErrOutOfMemory is returned when no block of the requested order is
	// available.
	ErrOutOfMemory = &kernel.Error{Module: "buddy", Message: "out of memory"}

	errNoFrames         = &kernel.Error{Module: "buddy", Message: "managed range must contain at least one frame"}
	errOrderTooLarge    = &kernel.Error{Module: "buddy", Message: "order exceeds the maximum order of the manager"}
	errMisalignedFrame  = &kernel.Error{Module: "buddy", Message: "frame is not aligned to the block order"}
	errFrameOutOfRange  = &kernel.Error{Module: "buddy", Message: "frame outside the managed range"}
	errBlockAlreadyFree = &kernel.Error{Module: "buddy", Message: "block is already free"}
	errBadShrink        = &kernel.Error{Module: "buddy", Message: "shrink must keep between one frame and the current frame count"}

	panicFn = kfmt.Panic
)

// Manager tracks the allocation state of a contiguous range of frames. Frame
// indices are relative to the start of the range.
type Manager struct {
	lock sync.Spinlock

	levels   [maxLevels]bitmap.Bitmap
	frames   uint32
	maxOrder mem.PageOrder
}

// log2Floor returns floor(log2(v)) for v > 0.
func log2Floor(v uint32) mem.PageOrder {
	return mem.PageOrder(bits.Len32(v) - 1)
}

// PredictSize returns the number of bytes of metadata that Init will carve
// out of its arena for a manager of the given size.
func PredictSize(frames uint32) uintptr {
	if frames == 0 {
		return 0
	}

	var size uintptr
	for order := mem.PageOrder(0); order <= log2Floor(frames); order++ {
		size += bitmap.PredictSize(frames >> order)
	}
	return size
}

// Init prepares the manager to track frames frames, taking the memory for its
// bitmaps from arena. All frames start out free. If the arena runs out of
// space, the arena is restored to its previous state and the manager is left
// untouched.
func (m *Manager) Init(frames uint32, arena *linear.Allocator) *kernel.Error {
	if frames == 0 {
		panicFn(errNoFrames)
		return errNoFrames
	}

	maxOrder := log2Floor(frames)
	start := arena.Occupied()

	var addrs [maxLevels]uintptr
	for order := mem.PageOrder(0); order <= maxOrder; order++ {
		addr, err := arena.AllocAligned(bitmap.PredictSize(frames>>order), 8)
		if err != nil {
			arena.Free(arena.Occupied() - start)
			return ErrOutOfMemory
		}
		addrs[order] = addr
	}

	m.frames = frames
	m.maxOrder = maxOrder
	for order := mem.PageOrder(0); order <= maxOrder; order++ {
		m.levels[order].InitAt(addrs[order], frames>>order)
	}

	return nil
}

// Frames returns the number of frames tracked by the manager.
func (m *Manager) Frames() uint32 {
	return m.frames
}

// MaxOrder returns the largest order that can be allocated.
func (m *Manager) MaxOrder() mem.PageOrder {
	return m.maxOrder
}

// FreeFrames returns the number of free frames.
func (m *Manager) FreeFrames() uint32 {
	m.lock.Acquire()
	count := m.levels[0].CountFalse()
	m.lock.Release()
	return count
}

// Alloc reserves a block of 2^order frames and returns the index of its first
// frame. The returned index is always a multiple of 2^order.
func (m *Manager) Alloc(order mem.PageOrder) (uint32, *kernel.Error) {
	if order > m.maxOrder {
		return 0, ErrOutOfMemory
	}

	m.lock.Acquire()
	defer m.lock.Release()

	index, ok := m.levels[order].SearchFalse()
	if !ok {
		return 0, ErrOutOfMemory
	}

	m.occupy(order, index)
	return index << order, nil
}

// TryAlloc reserves the single frame at the given index. It returns false if
// the frame is already in use.
func (m *Manager) TryAlloc(frame uint32) bool {
	if frame >= m.frames {
		panicFn(errFrameOutOfRange)
		return false
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if m.levels[0].Get(frame) {
		return false
	}

	m.occupy(0, frame)
	return true
}

// Free releases the block of 2^order frames starting at frame and merges it
// with its buddies where possible.
func (m *Manager) Free(frame uint32, order mem.PageOrder) {
	switch {
	case order > m.maxOrder:
		panicFn(errOrderTooLarge)
		return
	case frame&(uint32(1)<<order-1) != 0:
		panicFn(errMisalignedFrame)
		return
	case frame>>order >= m.levels[order].Len():
		panicFn(errFrameOutOfRange)
		return
	}

	index := frame >> order

	m.lock.Acquire()
	defer m.lock.Release()

	if !m.levels[order].Get(index) {
		panicFn(errBlockAlreadyFree)
		return
	}

	m.setBlock(order, index, false)

	// Clear ancestors for as long as both halves are free.
	for level := order; level < m.maxOrder; level++ {
		parent := index >> 1
		if parent >= m.levels[level+1].Len() {
			break
		}

		if m.levels[level].Get(parent<<1) || m.levels[level].Get(parent<<1+1) {
			break
		}

		m.levels[level+1].SetFalse(parent)
		index = parent
	}
}

// IsFree returns true if the frame at the given index is not in use.
func (m *Manager) IsFree(frame uint32) bool {
	if frame >= m.frames {
		panicFn(errFrameOutOfRange)
		return false
	}

	m.lock.Acquire()
	defer m.lock.Release()
	return !m.levels[0].Get(frame)
}

// Shrink reduces the managed range to its first frames frames. The state of
// the remaining frames is preserved; frames past the new end are forgotten.
func (m *Manager) Shrink(frames uint32) {
	if frames == 0 || frames > m.frames {
		panicFn(errBadShrink)
		return
	}

	m.lock.Acquire()
	defer m.lock.Release()

	newMaxOrder := log2Floor(frames)
	for order := mem.PageOrder(0); order <= newMaxOrder; order++ {
		m.levels[order].Resize(frames >> order)
	}
	for order := newMaxOrder + 1; order <= m.maxOrder; order++ {
		m.levels[order] = bitmap.Bitmap{}
	}

	// A block is in use iff either half is in use.
	for order := mem.PageOrder(1); order <= newMaxOrder; order++ {
		lower, upper := &m.levels[order-1], &m.levels[order]
		for index := uint32(0); index < upper.Len(); index++ {
			if lower.Get(index<<1) || lower.Get(index<<1+1) {
				upper.SetTrue(index)
			} else {
				upper.SetFalse(index)
			}
		}
	}

	m.frames = frames
	m.maxOrder = newMaxOrder
}

// occupy marks the block (order, index), every block it contains and every
// block containing it as in use.
func (m *Manager) occupy(order mem.PageOrder, index uint32) {
	m.setBlock(order, index, true)

	for level := order + 1; level <= m.maxOrder; level++ {
		// An odd trailing block has no parent.
		parent := index >> (level - order)
		if parent >= m.levels[level].Len() {
			break
		}
		m.levels[level].SetTrue(parent)
	}
}

// setBlock sets or clears the bit for (order, index) along with the bits of
// all the finer blocks it contains.
func (m *Manager) setBlock(order mem.PageOrder, index uint32, inUse bool) {
	for level := int(order); level >= 0; level-- {
		shift := order - mem.PageOrder(level)
		first, last := index<<shift, (index+1)<<shift
		for bit := first; bit < last; bit++ {
			if inUse {
				m.levels[level].SetTrue(bit)
			} else {
				m.levels[level].SetFalse(bit)
			}
		}
	}
}
