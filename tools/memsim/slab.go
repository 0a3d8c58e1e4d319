package main

import (
	"io"

	"github.com/jbqxo/yaeos-sub000/internal/hostmem"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/kmalloc"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/slab"
	"github.com/pkg/errors"
)

// maxObjectSize keeps every cache geometry able to hold at least one object
// per slab.
const maxObjectSize = uint(mem.PageSize / 2)

// newSlabAllocator returns a slab allocator drawing from a bounded set of
// pages. The returned arena must be closed by the caller.
func newSlabAllocator(pageCount int) (*slab.Allocator, *hostmem.Pages, *hostmem.Arena, error) {
	arena, err := hostmem.NewArena(mem.Size(pageCount) * mem.PageSize)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "allocating slab pages")
	}

	pages := hostmem.NewPages(arena, pageCount)
	alloc := new(slab.Allocator)
	alloc.Init(slab.Config{Pages: pages})
	return alloc, pages, arena, nil
}

func printStats(w io.Writer, s slab.Stats) {
	kfmt.Fprintf(w, "%20s size %4d stride %4d capacity %3d slabs %d/%d/%d (empty/partial/full) objects %d colour %d/%d\n",
		s.Name, s.ObjectSize, s.Stride, s.Capacity,
		s.EmptySlabs, s.PartialSlabs, s.FullSlabs,
		s.ObjectsInUse, s.ColourNext, s.ColourMax,
	)
}

func runSlab(cfg *Config, w io.Writer) error {
	if cfg.ObjectSize > maxObjectSize || cfg.ObjectAlign > maxObjectSize {
		return errors.Errorf("object size and alignment must not exceed %d bytes", maxObjectSize)
	}

	alloc, pages, arena, err := newSlabAllocator(cfg.Pages)
	if err != nil {
		return err
	}
	defer arena.Close()

	cache, kerr := alloc.Create("memsim_objects", uintptr(cfg.ObjectSize), uintptr(cfg.ObjectAlign), nil)
	if kerr != nil {
		return errors.Wrap(kerr, "creating cache")
	}

	objects := make([]uintptr, 0, cfg.Objects)
	for len(objects) < cfg.Objects {
		obj, kerr := cache.Alloc()
		if kerr != nil {
			kfmt.Fprintf(w, "allocation %d failed: %s\n", len(objects), kerr.Message)
			break
		}
		objects = append(objects, obj)
	}

	kfmt.Fprintf(w, "allocated %d objects using %d pages\n", len(objects), pages.InUse())
	printStats(w, cache.Stats())

	for i := len(objects) - 1; i >= 0; i-- {
		cache.Free(objects[i])
	}
	kfmt.Fprintf(w, "freed %d objects; trim released %d pages\n", len(objects), cache.Trim())

	alloc.Destroy(cache)
	kfmt.Fprintf(w, "pages in use after destroy: %d\n", pages.InUse())
	return nil
}

func runKmalloc(cfg *Config, w io.Writer) error {
	alloc, pages, arena, err := newSlabAllocator(cfg.Pages)
	if err != nil {
		return err
	}
	defer arena.Close()

	var heap kmalloc.Heap
	if kerr := heap.Init(alloc); kerr != nil {
		return errors.Wrap(kerr, "initializing kmalloc heap")
	}

	var blocks []uintptr
	for _, size := range cfg.Sizes {
		addr, kerr := heap.Alloc(uintptr(size))
		if kerr != nil {
			kfmt.Fprintf(w, "kmalloc(%d): %s\n", size, kerr.Message)
			continue
		}
		kfmt.Fprintf(w, "kmalloc(%d) = base+0x%x\n", size, addr-arena.Base())
		blocks = append(blocks, addr)
	}

	kfmt.Fprintf(w, "pages in use: %d\n", pages.InUse())
	for _, cache := range heap.Caches() {
		if s := cache.Stats(); s.ObjectsInUse != 0 {
			printStats(w, s)
		}
	}

	for _, addr := range blocks {
		heap.Free(addr)
	}
	kfmt.Fprintf(w, "freed %d blocks; trim released %d pages\n", len(blocks), alloc.TrimAll())
	return nil
}
