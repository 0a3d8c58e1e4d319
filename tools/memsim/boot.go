package main

import (
	"io"
	"runtime"
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/internal/bootinfo"
	"github.com/jbqxo/yaeos-sub000/internal/hostmem"
	"github.com/jbqxo/yaeos-sub000/kernel/hal/multiboot"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/pmm"
	"github.com/pkg/errors"
)

func runBoot(cfg *Config, w io.Writer) error {
	regions, err := cfg.bootRegions()
	if err != nil {
		return err
	}

	// Only available regions are ever touched, so the arena only has to
	// reach the end of the highest one.
	var physEnd uint64
	for _, r := range regions {
		if r.Type == bootinfo.Available && r.Addr+r.Length > physEnd {
			physEnd = r.Addr + r.Length
		}
	}
	if physEnd == 0 {
		return errors.New("memory map has no available regions")
	}

	arena, err := hostmem.NewArena(mem.Size(physEnd))
	if err != nil {
		return errors.Wrap(err, "allocating physical memory")
	}
	defer arena.Close()

	blob := new(bootinfo.Builder).
		BootLoaderName("memsim").
		MemoryMap(regions...).
		Bytes()
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&blob[0])))
	defer multiboot.SetInfoPtr(0)

	if kerr := pmm.Init(uintptr(cfg.KernelStart), uintptr(cfg.KernelEnd), arena.Base()); kerr != nil {
		return errors.Wrap(kerr, "initializing physical memory manager")
	}

	pmm.VisitZones(func(z pmm.ZoneInfo) bool {
		kfmt.Fprintf(w, "zone at frame %6d: %6d frames, %d metadata frames, %6d free, max order %d\n",
			uint64(z.BaseFrame), z.Frames, z.MetaFrames, z.FreeFrames, uint8(z.MaxOrder))
		return true
	})
	kfmt.Fprintf(w, "free frames: %d\n", pmm.FreeFrameCount())

	runtime.KeepAlive(blob)
	return nil
}
