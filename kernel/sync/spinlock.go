// Package sync provides the spinlock that guards the allocators' compound
// updates.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts after which a
// waiter gives up its time slice.
const spinsBeforeYield = 64

var (
	// yieldFn is invoked by waiters that keep finding the lock held.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 0; ; spins++ {
		// Test before test-and-set so waiters spin on a shared cache line.
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if spins == spinsBeforeYield {
			spins = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
