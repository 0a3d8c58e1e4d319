package slab

// push inserts the slab at the head of the list for the given state.
func (r *cacheRecord) push(state uint32, slab uintptr) {
	sh := slabAt(slab)
	sh.state = state
	sh.prev = 0
	sh.next = r.lists[state]
	if sh.next != 0 {
		slabAt(sh.next).prev = slab
	}
	r.lists[state] = slab
	r.counts[state]++
}

// unlink removes the slab from whichever list it is on.
func (r *cacheRecord) unlink(slab uintptr) {
	sh := slabAt(slab)
	if sh.prev != 0 {
		slabAt(sh.prev).next = sh.next
	} else {
		r.lists[sh.state] = sh.next
	}
	if sh.next != 0 {
		slabAt(sh.next).prev = sh.prev
	}
	sh.prev, sh.next = 0, 0
	r.counts[sh.state]--
}

// stateFor maps an in-use object count to a slab state.
func (r *cacheRecord) stateFor(inUse uint32) uint32 {
	switch inUse {
	case 0:
		return stateEmpty
	case r.capacity:
		return stateFull
	default:
		return statePartial
	}
}

// relist moves the slab to the list matching its in-use count.
func (r *cacheRecord) relist(slab uintptr) {
	sh := slabAt(slab)
	if state := r.stateFor(sh.inUse); state != sh.state {
		r.unlink(slab)
		r.push(state, slab)
	}
}
