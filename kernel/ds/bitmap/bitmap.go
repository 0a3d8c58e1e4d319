// Package bitmap implements a fixed-capacity bit set over borrowed storage.
//
// A Bitmap never allocates: its words come either from a caller-provided
// slice or from a raw memory region handed out by a bootstrap allocator.
// Bits past the logical length are kept false at all times so that scans can
// operate on whole words.
package bitmap

import (
	"math/bits"
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
)

const (
	wordShift = 6
	wordBits  = 1 << wordShift
	wordBytes = wordBits / 8
)

var (
	// panicFn is invoked when a bitmap is misused. It is replaced by tests.
	panicFn = kfmt.Panic

	errIndexOutOfRange = &kernel.Error{Module: "bitmap", Message: "bit index out of range"}
	errZeroLength      = &kernel.Error{Module: "bitmap", Message: "bitmap length must be greater than zero"}
	errStorageTooSmall = &kernel.Error{Module: "bitmap", Message: "storage too small for the requested length"}
)

// Bitmap is a set of bits indexed from 0 to Len()-1. A set bit is true.
type Bitmap struct {
	words  []uint64
	length uint32
}

// wordsFor returns the number of 64-bit words needed to hold n bits.
func wordsFor(n uint32) uint32 {
	return (n + wordBits - 1) >> wordShift
}

// PredictSize returns the number of bytes of storage that a bitmap with the
// given number of bits requires. Storage is always a whole number of words.
func PredictSize(nbits uint32) uintptr {
	return uintptr(wordsFor(nbits)) * wordBytes
}

// Init sets up the bitmap to track nbits bits using words as its storage.
// The full capacity of words becomes available to later Resize calls. All
// bits are cleared.
func (b *Bitmap) Init(words []uint64, nbits uint32) {
	switch {
	case nbits == 0:
		panicFn(errZeroLength)
		return
	case uint64(cap(words)) < uint64(wordsFor(nbits)):
		panicFn(errStorageTooSmall)
		return
	}

	words = words[:cap(words)]
	for i := range words {
		words[i] = 0
	}
	b.words = words[:wordsFor(nbits)]
	b.length = nbits
}

// InitAt overlays the bitmap on PredictSize(nbits) bytes of raw memory starting
// at addr, which must be 8-byte aligned, and clears all bits.
func (b *Bitmap) InitAt(addr uintptr, nbits uint32) {
	if nbits == 0 {
		panicFn(errZeroLength)
		return
	}

	words := unsafe.Slice((*uint64)(unsafe.Pointer(addr)), wordsFor(nbits))
	b.Init(words, nbits)
}

// Len returns the logical number of bits in the bitmap.
func (b *Bitmap) Len() uint32 {
	return b.length
}

// Get returns the value of the bit at index.
func (b *Bitmap) Get(index uint32) bool {
	if index >= b.length {
		panicFn(errIndexOutOfRange)
		return false
	}

	return b.words[index>>wordShift]&(1<<(index&(wordBits-1))) != 0
}

// SetTrue sets the bit at index.
func (b *Bitmap) SetTrue(index uint32) {
	if index >= b.length {
		panicFn(errIndexOutOfRange)
		return
	}

	b.words[index>>wordShift] |= 1 << (index & (wordBits - 1))
}

// SetFalse clears the bit at index.
func (b *Bitmap) SetFalse(index uint32) {
	if index >= b.length {
		panicFn(errIndexOutOfRange)
		return
	}

	b.words[index>>wordShift] &^= 1 << (index & (wordBits - 1))
}

// SearchFalse returns the index of the first clear bit. The second return
// value is false if every bit in the bitmap is set.
func (b *Bitmap) SearchFalse() (uint32, bool) {
	for wordIndex, word := range b.words {
		if word == ^uint64(0) {
			continue
		}

		index := uint32(wordIndex)<<wordShift + uint32(bits.TrailingZeros64(^word))
		if index >= b.length {
			break
		}
		return index, true
	}

	return 0, false
}

// CountFalse returns the number of clear bits.
func (b *Bitmap) CountFalse() uint32 {
	var set uint32
	for _, word := range b.words {
		set += uint32(bits.OnesCount64(word))
	}
	return b.length - set
}

// Resize changes the logical length of the bitmap to nbits. Growing is only
// possible within the storage supplied to Init; newly exposed bits are clear.
// Shrinking clears the bits that fall past the new length.
func (b *Bitmap) Resize(nbits uint32) {
	switch {
	case nbits == 0:
		panicFn(errZeroLength)
		return
	case uint64(cap(b.words)) < uint64(wordsFor(nbits)):
		panicFn(errStorageTooSmall)
		return
	}

	if nbits > b.length {
		b.words = b.words[:wordsFor(nbits)]
		b.clearRange(b.length, nbits)
	} else {
		b.clearRange(nbits, b.length)
		b.words = b.words[:wordsFor(nbits)]
	}
	b.length = nbits
}

// clearRange clears bits in [from, to). The range may extend past the current
// length but must fit in the active words.
func (b *Bitmap) clearRange(from, to uint32) {
	for from < to {
		offset := from & (wordBits - 1)
		if offset == 0 && to-from >= wordBits {
			b.words[from>>wordShift] = 0
			from += wordBits
			continue
		}

		b.words[from>>wordShift] &^= 1 << offset
		from++
	}
}
