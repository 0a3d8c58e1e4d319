package kernel

import "unsafe"

// overlay returns a byte slice that aliases size bytes starting at addr.
func overlay(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop it seeds the first byte and then performs log2(size)
// doubling copies.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}
