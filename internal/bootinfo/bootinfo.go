// Package bootinfo builds multiboot2 information blocks for exercising the
// kernel's boot path from a regular process.
package bootinfo

import (
	"encoding/binary"
	"unsafe"
)

// Tag types understood by the kernel.
const (
	tagEnd            = 0
	tagBootCmdLine    = 1
	tagBootLoaderName = 2
	tagMemoryMap      = 6

	mmapEntrySize = 24
)

// Memory region types.
const (
	Available       uint32 = 1
	Reserved        uint32 = 2
	AcpiReclaimable uint32 = 3
	Nvs             uint32 = 4
)

// Region is one entry of the memory map.
type Region struct {
	Addr   uint64
	Length uint64
	Type   uint32
}

// Builder accumulates tags and renders them into an info block.
type Builder struct {
	tags [][]byte
}

// CommandLine adds a boot command line tag.
func (b *Builder) CommandLine(cmdline string) *Builder {
	return b.stringTag(tagBootCmdLine, cmdline)
}

// BootLoaderName adds a boot loader name tag.
func (b *Builder) BootLoaderName(name string) *Builder {
	return b.stringTag(tagBootLoaderName, name)
}

func (b *Builder) stringTag(tagType uint32, value string) *Builder {
	tag := make([]byte, 8, 8+len(value)+1)
	tag = append(tag, value...)
	tag = append(tag, 0)
	binary.LittleEndian.PutUint32(tag[0:], tagType)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	b.tags = append(b.tags, tag)
	return b
}

// MemoryMap adds a memory map tag with the given regions.
func (b *Builder) MemoryMap(regions ...Region) *Builder {
	tag := make([]byte, 16+len(regions)*mmapEntrySize)
	binary.LittleEndian.PutUint32(tag[0:], tagMemoryMap)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	binary.LittleEndian.PutUint32(tag[8:], mmapEntrySize)
	binary.LittleEndian.PutUint32(tag[12:], 0)

	for i, region := range regions {
		entry := tag[16+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(entry[0:], region.Addr)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], region.Type)
	}

	b.tags = append(b.tags, tag)
	return b
}

// Bytes renders the info block. The result is backed by 64-bit words so that
// its first byte is 8-byte aligned as the multiboot layout requires.
func (b *Builder) Bytes() []byte {
	size := 8
	for _, tag := range b.tags {
		size += pad8(len(tag))
	}
	size += 8

	words := make([]uint64, size/8)
	out := wordsAsBytes(words)

	binary.LittleEndian.PutUint32(out[0:], uint32(size))
	offset := 8
	for _, tag := range b.tags {
		copy(out[offset:], tag)
		offset += pad8(len(tag))
	}
	binary.LittleEndian.PutUint32(out[offset:], tagEnd)
	binary.LittleEndian.PutUint32(out[offset+4:], 8)

	return out
}

func pad8(n int) int {
	return (n + 7) &^ 7
}

func wordsAsBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}
