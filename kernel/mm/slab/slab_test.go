package slab

import (
	"bytes"
	"sync"
	"testing"
	"unsafe"

	"github.com/jbqxo/yaeos-sub000/internal/hostmem"
	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	panicFn = func(e interface{}) { panic(e) }
}

const pageMask = uintptr(mem.PageSize - 1)

type fixture struct {
	pages   *hostmem.Pages
	alloc   *Allocator
	reserve *hostmem.Arena
}

// newFixture returns an allocator backed by a 512-page arena that allows at
// most pageLimit outstanding pages (0 for no limit) plus reservePages pages
// of static storage.
func newFixture(t *testing.T, pageLimit, reservePages int) *fixture {
	arena, err := hostmem.NewArena(512 * mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	f := &fixture{
		pages: hostmem.NewPages(arena, pageLimit),
		alloc: new(Allocator),
	}

	cfg := Config{Pages: f.pages}
	if reservePages != 0 {
		f.reserve, err = hostmem.NewArena(mem.Size(reservePages) * mem.PageSize)
		require.NoError(t, err)
		t.Cleanup(func() { f.reserve.Close() })

		cfg.StaticStorage = f.reserve.Base()
		cfg.StaticStorageSize = f.reserve.Size()
	}

	f.alloc.Init(cfg)
	return f
}

func (f *fixture) create(t *testing.T, name string, size, align uintptr, lifecycle ObjectLifecycle) *Cache {
	c, err := f.alloc.Create(name, size, align, lifecycle)
	require.Nil(t, err)
	require.NotNil(t, c)
	return c
}

func mustAlloc(t *testing.T, c *Cache) uintptr {
	obj, err := c.Alloc()
	require.Nil(t, err)
	require.NotZero(t, obj)
	return obj
}

func TestGeometry(t *testing.T) {
	require.Equal(t, uintptr(16), pageHeaderSize)
	require.Equal(t, uintptr(56), slabHeaderSize)
	require.Equal(t, uintptr(8), smallCtlSize)

	specs := []struct {
		size, align uintptr
		expLarge    uint32
		expStride   uintptr
		expFirst    uintptr
		expCapacity uint32
		expMax      uintptr
		expStep     uintptr
	}{
		{32, 0, 0, 40, 72, 100, 24, 8},
		{1, 0, 0, 16, 72, 251, 8, 8},
		{32, 4, 0, 40, 72, 100, 24, 8},
		{100, 64, 0, 128, 128, 31, 0, 64},
		{511, 0, 0, 520, 72, 7, 384, 8},
		{512, 0, 1, 512, 16, 7, 496, 8},
		{1000, 512, 1, 1024, 512, 3, 512, 512},
		{2064, 0, 1, 2064, 16, 1, 2016, 8},
		{4096, 0, 1, 4096, 16, 0, 0, 0},
	}

	for specIndex, spec := range specs {
		var rec cacheRecord
		computeGeometry(&rec, spec.size, spec.align)

		assert.Equal(t, spec.expLarge, rec.large, "[spec %d] large", specIndex)
		assert.Equal(t, spec.expStride, rec.stride, "[spec %d] stride", specIndex)
		assert.Equal(t, spec.expFirst, rec.firstOffset, "[spec %d] first offset", specIndex)
		assert.Equal(t, spec.expCapacity, rec.capacity, "[spec %d] capacity", specIndex)
		assert.Equal(t, spec.expMax, rec.colourMax, "[spec %d] colour max", specIndex)
		assert.Equal(t, spec.expStep, rec.colourStep, "[spec %d] colour step", specIndex)
	}
}

func TestInitRegistersMetaCaches(t *testing.T) {
	f := newFixture(t, 0, 0)

	var names []string
	f.alloc.Caches(func(c *Cache) bool {
		names = append(names, c.Name())
		return true
	})
	require.ElementsMatch(t, []string{"slab_alloc_caches", "slab_alloc_slabs", "slab_alloc_bufctls"}, names)
	require.Zero(t, f.pages.InUse(), "meta caches grow lazily")

	f.create(t, "user", 64, 0, nil)

	var first string
	f.alloc.Caches(func(c *Cache) bool {
		first = c.Name()
		return false
	})
	require.Equal(t, "user", first)
}

func TestThirtyTwoByteObjectsSpillIntoSecondSlab(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "obj32", 32, 0, nil)

	capacity := uint32((uintptr(mem.PageSize) - roundUp(pageHeaderSize+slabHeaderSize, ctlAlign)) / (32 + smallCtlSize))
	require.Equal(t, capacity, c.Stats().Capacity)

	for i := uint32(0); i < capacity+1; i++ {
		mustAlloc(t, c)
	}

	stats := c.Stats()
	require.Equal(t, uint32(2), stats.EmptySlabs+stats.PartialSlabs+stats.FullSlabs)
	require.Equal(t, uint32(1), stats.FullSlabs)
	require.Equal(t, uint32(1), stats.PartialSlabs)
	require.Equal(t, capacity+1, stats.ObjectsInUse)

	// One page for the cache record plus the two slabs.
	require.Equal(t, 3, f.pages.InUse())
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, 0, 0)

	for _, spec := range []struct{ size, align uintptr }{{24, 0}, {200, 32}, {700, 0}, {1500, 256}} {
		c := f.create(t, "roundtrip", spec.size, spec.align, nil)
		stats := c.Stats()
		count := int(stats.Capacity)*3 + 1

		live := make(map[uintptr]bool)
		var order []uintptr
		for i := 0; i < count; i++ {
			obj := mustAlloc(t, c)
			require.False(t, live[obj], "object 0x%x handed out twice", obj)
			require.Zero(t, obj%stats.Align, "object 0x%x misaligned", obj)
			kernel.Memset(obj, byte(i), spec.size)
			live[obj] = true
			order = append(order, obj)
		}

		// Objects must not overlap: every object still holds its pattern.
		for i, obj := range order {
			require.Equal(t, byte(i), *(*byte)(unsafe.Pointer(obj + spec.size - 1)))
		}

		for _, obj := range order {
			c.Free(obj)
		}
		require.Zero(t, c.Stats().ObjectsInUse)

		// Reallocating the same number of objects reuses the existing slabs.
		pagesInUse := f.pages.InUse()
		seen := make(map[uintptr]bool)
		for i := 0; i < count; i++ {
			obj := mustAlloc(t, c)
			require.False(t, seen[obj])
			seen[obj] = true
		}
		require.Equal(t, pagesInUse, f.pages.InUse())

		f.alloc.Destroy(c)
	}

	f.alloc.TrimAll()
	require.Zero(t, f.pages.InUse())
}

func TestEmptyToFull(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "fill", 128, 0, nil)
	capacity := c.Stats().Capacity

	var page uintptr
	for i := uint32(0); i < capacity; i++ {
		obj := mustAlloc(t, c)
		if i == 0 {
			page = obj &^ pageMask
		}
		require.Equal(t, page, obj&^pageMask, "all objects of a slab share its page")

		stats := c.Stats()
		if i+1 < capacity {
			require.Equal(t, uint32(1), stats.PartialSlabs)
		} else {
			require.Equal(t, uint32(1), stats.FullSlabs)
			require.Zero(t, stats.PartialSlabs)
		}
	}

	obj := mustAlloc(t, c)
	require.NotEqual(t, page, obj&^pageMask)
	stats := c.Stats()
	require.Equal(t, uint32(1), stats.FullSlabs)
	require.Equal(t, uint32(1), stats.PartialSlabs)
}

func TestPartialSlabsArePreferred(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "prefer", 256, 0, nil)
	capacity := int(c.Stats().Capacity)

	var objs []uintptr
	for i := 0; i < capacity*2; i++ {
		objs = append(objs, mustAlloc(t, c))
	}

	// Empty the first slab and leave one free slot in the second.
	for _, obj := range objs[:capacity] {
		c.Free(obj)
	}
	c.Free(objs[capacity])

	stats := c.Stats()
	require.Equal(t, uint32(1), stats.EmptySlabs)
	require.Equal(t, uint32(1), stats.PartialSlabs)

	obj := mustAlloc(t, c)
	require.Equal(t, objs[capacity], obj)
	require.Equal(t, uint32(1), c.Stats().FullSlabs)
}

func TestTrim(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "trim", 64, 0, nil)
	capacity := int(c.Stats().Capacity)

	var objs []uintptr
	for i := 0; i < capacity*3; i++ {
		objs = append(objs, mustAlloc(t, c))
	}
	require.Equal(t, 4, f.pages.InUse())
	require.Zero(t, c.Trim(), "full slabs are never trimmed")

	for _, obj := range objs {
		c.Free(obj)
	}
	require.Equal(t, uint32(3), c.Stats().EmptySlabs)

	require.Equal(t, 3, c.Trim())
	require.Equal(t, 1, f.pages.InUse())
	require.Zero(t, c.Trim())

	t.Run("trim all", func(t *testing.T) {
		other := f.create(t, "trim-other", 1024, 0, nil)
		a, b := mustAlloc(t, c), mustAlloc(t, other)
		c.Free(a)
		other.Free(b)

		// Both user slabs plus the meta slabs backing the large cache.
		require.Equal(t, 4, f.alloc.TrimAll())
		require.Equal(t, 1, f.pages.InUse())
	})
}

func TestColouring(t *testing.T) {
	f := newFixture(t, 0, 0)

	specs := []struct {
		size     uintptr
		expFirst []uintptr
	}{
		// colour max 24, step 8
		{32, []uintptr{72, 80, 88, 96, 72, 80}},
		// colour max 1008, step 8
		{1024, []uintptr{16, 24, 32, 40}},
	}

	for specIndex, spec := range specs {
		c := f.create(t, "colour", spec.size, 0, nil)
		capacity := int(c.Stats().Capacity)

		for slabIndex, expOffset := range spec.expFirst {
			first := mustAlloc(t, c)
			assert.Equal(t, expOffset, first&pageMask, "[spec %d] slab %d", specIndex, slabIndex)
			for i := 1; i < capacity; i++ {
				mustAlloc(t, c)
			}
		}
	}
}

type countingLifecycle struct {
	mu          sync.Mutex
	constructed map[uintptr]int
	destructed  map[uintptr]int
}

func newCountingLifecycle() *countingLifecycle {
	return &countingLifecycle{constructed: make(map[uintptr]int), destructed: make(map[uintptr]int)}
}

func (l *countingLifecycle) Construct(obj uintptr) {
	l.mu.Lock()
	l.constructed[obj]++
	l.mu.Unlock()
	*(*uint64)(unsafe.Pointer(obj)) = 0xc0ffee
}

func (l *countingLifecycle) Destruct(obj uintptr) {
	l.mu.Lock()
	l.destructed[obj]++
	l.mu.Unlock()
}

func TestLifecycle(t *testing.T) {
	for _, size := range []uintptr{48, 600} {
		f := newFixture(t, 0, 0)
		life := newCountingLifecycle()
		c := f.create(t, "life", size, 0, life)
		capacity := int(c.Stats().Capacity)

		obj := mustAlloc(t, c)
		require.Len(t, life.constructed, capacity, "constructor runs for every slot of a new slab")
		require.Equal(t, uint64(0xc0ffee), *(*uint64)(unsafe.Pointer(obj)))

		c.Free(obj)
		again := mustAlloc(t, c)
		require.Equal(t, 1, life.constructed[again], "objects are not reconstructed on reuse")
		require.Empty(t, life.destructed, "destructors only run when a slab is destroyed")

		var out bytes.Buffer
		kfmt.SetOutputSink(&out)
		f.alloc.Destroy(c)
		kfmt.SetOutputSink(nil)

		require.Contains(t, out.String(), "[slab] destroying cache life")
		require.Len(t, life.destructed, capacity-1, "live objects are not destructed")
		require.Zero(t, life.destructed[again])
	}
}

func TestLargeObjectBookkeeping(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "large", 1024, 0, nil)
	require.True(t, c.Stats().Large)
	require.Equal(t, uint32(3), c.Stats().Capacity)

	var objs []uintptr
	for i := 0; i < 4; i++ {
		objs = append(objs, mustAlloc(t, c))
	}

	require.Equal(t, uint32(2), f.alloc.slabHeaders.Stats().ObjectsInUse)
	require.Equal(t, uint32(2), f.alloc.bufctls.Stats().ObjectsInUse, "one control record per free object")

	for _, obj := range objs {
		c.Free(obj)
	}
	require.Equal(t, uint32(6), f.alloc.bufctls.Stats().ObjectsInUse)

	require.PanicsWithValue(t, errDoubleFree, func() { c.Free(objs[0]) })

	require.Equal(t, 2, c.Trim())
	require.Zero(t, f.alloc.bufctls.Stats().ObjectsInUse)
	require.Zero(t, f.alloc.slabHeaders.Stats().ObjectsInUse)
}

func TestInvariantViolations(t *testing.T) {
	f := newFixture(t, 0, 0)
	small := f.create(t, "small", 64, 0, nil)
	other := f.create(t, "other", 64, 0, nil)

	obj := mustAlloc(t, small)
	mustAlloc(t, small)
	stray, err := f.pages.AllocPage()
	require.Nil(t, err)

	specs := []struct {
		fn     func()
		expErr *kernel.Error
	}{
		{func() { other.Free(obj) }, errWrongCache},
		{func() { small.Free(obj + 8) }, errBadObjectAddress},
		{func() { small.Free(obj &^ pageMask) }, errBadObjectAddress},
		{func() { small.Free(stray + 128) }, errNotSlabObject},
		{func() { small.Free(0) }, errNotSlabObject},
		{func() { f.alloc.Destroy(&f.alloc.bufctls) }, errDestroyMetaCache},
		{func() { f.alloc.Create("zero", 0, 0, nil) }, errZeroObjectSize},
		{func() { f.alloc.Create("align", 16, 24, nil) }, errBadAlignment},
		{func() { f.alloc.Create("huge", uintptr(mem.PageSize), 0, nil) }, errNoObjectsPerSlab},
		{func() { f.alloc.Create("aligned-out", 1024, uintptr(mem.PageSize), nil) }, errNoObjectsPerSlab},
	}

	for specIndex, spec := range specs {
		require.PanicsWithValue(t, spec.expErr, spec.fn, "[spec %d]", specIndex)
	}

	small.Free(obj)
	require.PanicsWithValue(t, errDoubleFree, func() { small.Free(obj) })
}

func TestUnalignedPage(t *testing.T) {
	f := newFixture(t, 0, 0)
	var a Allocator
	a.Init(Config{Pages: PageSourceFuncs{
		AllocFn: func() (uintptr, *kernel.Error) {
			page, err := f.pages.AllocPage()
			return page + 8, err
		},
		FreeFn: f.pages.FreePage,
	}})

	require.PanicsWithValue(t, errUnalignedPage, func() { a.Create("bad", 32, 0, nil) })
	require.PanicsWithValue(t, errNoPageSource, func() { new(Allocator).Init(Config{}) })
}

func TestOutOfMemory(t *testing.T) {
	f := newFixture(t, 1, 2)

	// The single page goes to the cache records, the user slab then fails.
	c := f.create(t, "oom", 128, 0, nil)
	require.Equal(t, 1, f.pages.InUse())
	_, err := c.Alloc()
	require.Equal(t, ErrOutOfMemory, err)

	// Meta caches fall back to the static reserve.
	f.pages.SetLimit(2)
	large := f.create(t, "oom-large", 2048, 0, nil)
	obj := mustAlloc(t, large)
	require.Equal(t, 2, f.pages.InUse())
	require.Equal(t, uint32(0), f.alloc.reserve.FreeCount())

	_, err = large.Alloc()
	require.Equal(t, ErrOutOfMemory, err)

	large.Free(obj)
	require.Equal(t, 1, large.Trim())
	require.Equal(t, 2, f.alloc.TrimAll(), "meta slabs on reserve pages are trimmed too")
	require.Equal(t, uint32(2), f.alloc.reserve.FreeCount())

	// Freeing a large object needs a control record; with no page left
	// anywhere this is fatal.
	obj = mustAlloc(t, large)
	f.pages.SetLimit(f.pages.InUse())
	var fill []uintptr
	for {
		ctl, err := f.alloc.bufctls.Alloc()
		if err != nil {
			break
		}
		fill = append(fill, ctl)
	}
	require.PanicsWithValue(t, errNoBufctl, func() { large.Free(obj) })
	for _, ctl := range fill {
		f.alloc.bufctls.Free(ctl)
	}
}

func TestCacheHandleTable(t *testing.T) {
	f := newFixture(t, 0, 0)

	allocs := testing.AllocsPerRun(20, func() {
		c, err := f.alloc.Create("transient", 64, 0, nil)
		if err != nil {
			panic(err)
		}
		f.alloc.Destroy(c)
	})
	require.Zero(t, allocs, "Create and Destroy must not allocate from the Go heap")

	caches := make([]*Cache, 0, MaxCaches)
	for len(caches) < MaxCaches {
		caches = append(caches, f.create(t, "handle", 64, 0, nil))
	}

	c, err := f.alloc.Create("one-too-many", 64, 0, nil)
	require.Equal(t, ErrTooManyCaches, err)
	require.Nil(t, c)

	victim := caches[MaxCaches/2]
	f.alloc.Destroy(victim)
	c = f.create(t, "reused", 64, 0, nil)
	require.True(t, c == victim, "expected the released handle to be reused")
	require.Equal(t, "reused", c.Name())

	obj := mustAlloc(t, c)
	c.Free(obj)
}

func TestConcurrentAllocFree(t *testing.T) {
	f := newFixture(t, 0, 0)
	c := f.create(t, "concurrent", 16, 0, nil)

	const (
		workers = 8
		rounds  = 500
	)

	var wg sync.WaitGroup
	errCh := make(chan string, workers)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id uint64) {
			defer wg.Done()
			var held []uintptr
			for i := 0; i < rounds; i++ {
				obj, err := c.Alloc()
				if err != nil {
					errCh <- err.Error()
					return
				}
				*(*uint64)(unsafe.Pointer(obj)) = id
				held = append(held, obj)

				if i%3 == 2 {
					for _, h := range held {
						if *(*uint64)(unsafe.Pointer(h)) != id {
							errCh <- "object shared between workers"
							return
						}
						c.Free(h)
					}
					held = held[:0]
				}
			}
			for _, h := range held {
				c.Free(h)
			}
		}(uint64(w + 1))
	}
	wg.Wait()
	close(errCh)

	for msg := range errCh {
		t.Error(msg)
	}
	require.Zero(t, c.Stats().ObjectsInUse)
}
