// Package sync provides synchronization primitive implementations for
// spinlocks and interrupt-safe locks.
package sync

import "sync/atomic"

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts
	// after which a spinning task invokes yieldFn.
	attemptsBeforeYielding = 64
)

var (
	// TODO: replace with real yield function when context-switching is implemented.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, attemptsBeforeYielding)
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

// acquireSpinlock spins until state can be flipped from 0 to 1. The spinning
// task yields every attemptsBeforeYielding failed attempts if a yield
// function has been registered.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(1); !atomic.CompareAndSwapUint32(state, 0, 1); attempts++ {
		if attempts%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}
