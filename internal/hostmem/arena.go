// Package hostmem provides page-aligned raw memory for running the kernel
// allocators inside a regular process. Memory is mapped anonymously so it
// lives outside the Go heap and is never scanned or moved by the runtime.
package hostmem

import (
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Arena is an anonymous private mapping.
type Arena struct {
	mapping []byte
}

// NewArena maps size bytes, rounded up to whole pages.
func NewArena(size mem.Size) (*Arena, error) {
	if size == 0 {
		return nil, errors.New("arena size must be greater than zero")
	}

	size = mem.Size(size.Pages()) * mem.PageSize
	mapping, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes", size)
	}

	return &Arena{mapping: mapping}, nil
}

// Base returns the address of the first byte of the arena.
func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.mapping[0]))
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() mem.Size {
	return mem.Size(len(a.mapping))
}

// Contains returns true if addr falls inside the arena.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.Base() && addr < a.Base()+uintptr(len(a.mapping))
}

// Close unmaps the arena. Addresses handed out from it must not be used
// afterwards.
func (a *Arena) Close() error {
	if a.mapping == nil {
		return nil
	}

	err := unix.Munmap(a.mapping)
	a.mapping = nil
	return errors.Wrap(err, "unmapping arena")
}
