package mm

import "github.com/jbqxo/yaeos-sub000/kernel/mem"

// Page is the index of a virtual page.
type Page uintptr

// Address returns the virtual address of the first byte of the page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}

// PageAligned returns true if addr lies on a page boundary.
func PageAligned(addr uintptr) bool {
	return addr&uintptr(mem.PageSize-1) == 0
}
