package mem

const (
	// PointerShift is log2 of the pointer size in bytes.
	PointerShift = 3

	// PageShift converts between addresses and page indices.
	PageShift = 12

	// PageSize is the size of a page frame and of a slab.
	PageSize = Size(1 << PageShift)
)
