// Package multiboot reads the memory map that a multiboot2 compliant boot
// loader passes to the kernel.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// infoHeaderSize is the size of the fixed part of the info block (total size
// followed by a reserved dword) and of every tag header.
const infoHeaderSize = 8

// tagHeader precedes the contents of each tag. Tags start at 8-byte aligned
// offsets; size covers the header and the contents but not the padding.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader precedes the entries of the memory map tag.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region: its physical address, its length
// and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region. It
// returns false to stop the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var infoData uintptr

// SetInfoPtr records the address of the multiboot info block. It must be
// called before any other function of this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes visitor for each entry of the boot loader's memory
// map. Entries with an unknown type are reported as MemReserved. The visitor
// receives a copy of the entry.
func VisitMemRegions(visitor MemRegionVisitor) {
	contents, size := findTagByType(tagMemoryMap)
	if size < uint32(unsafe.Sizeof(mmapHeader{})) {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(contents))
	if hdr.entrySize == 0 {
		return
	}

	var entry MemoryMapEntry
	end := contents + uintptr(size)
	for cur := contents + unsafe.Sizeof(mmapHeader{}); cur+uintptr(hdr.entrySize) <= end; cur += uintptr(hdr.entrySize) {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(cur))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// findTagByType scans the info block for the first tag of the given type and
// returns the address and length of its contents, or (0, 0) if the tag is
// missing.
func findTagByType(wanted tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	cur := infoData + infoHeaderSize
	for {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		switch {
		case hdr.tagType == tagMbSectionEnd || hdr.size < infoHeaderSize:
			return 0, 0
		case hdr.tagType == wanted:
			return cur + infoHeaderSize, hdr.size - infoHeaderSize
		}

		cur += (uintptr(hdr.size) + 7) &^ 7
	}
}
