package sync

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/cpu"
)

var (
	// the following functions are mocked by tests as cli/sti fault when
	// executed outside ring-0.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	errGuardNotHeld = &kernel.Error{Module: "sync", Message: "IRQ guard is not held"}
)

// IRQLock protects a value of type T against concurrent access from both
// regular kernel code and interrupt handlers running on the same CPU.
// Acquiring the lock disables interrupt delivery on the current CPU so an
// interrupt handler can never spin on a lock held by the code it interrupted.
// Critical sections must therefore be kept short.
//
// The zero value is an unlocked IRQLock protecting the zero value of T.
type IRQLock[T any] struct {
	lock  Spinlock
	value T
}

// IRQGuard grants exclusive access to the value protected by an IRQLock.
// Guards must not be copied once obtained; Unlock restores the interrupt
// state that was active when the lock was acquired.
type IRQGuard[T any] struct {
	lock       *Spinlock
	value      *T
	restoreIRQ bool
}

// Lock disables interrupts, spins until the lock is acquired and returns a
// guard for the protected value.
func (l *IRQLock[T]) Lock() IRQGuard[T] {
	restoreIRQ := saveAndDisableInterrupts()
	l.lock.Acquire()

	return IRQGuard[T]{lock: &l.lock, value: &l.value, restoreIRQ: restoreIRQ}
}

// TryLock attempts to acquire the lock without spinning. If the lock is
// already held, TryLock restores the interrupt state and returns false.
func (l *IRQLock[T]) TryLock() (IRQGuard[T], bool) {
	restoreIRQ := saveAndDisableInterrupts()
	if !l.lock.TryToAcquire() {
		if restoreIRQ {
			enableInterruptsFn()
		}
		return IRQGuard[T]{}, false
	}

	return IRQGuard[T]{lock: &l.lock, value: &l.value, restoreIRQ: restoreIRQ}, true
}

// LockMap acquires l and narrows the returned guard to the sub-view of the
// protected value selected by fn. If fn panics the lock is released before
// the panic propagates.
func LockMap[T, U any](l *IRQLock[T], fn func(*T) *U) IRQGuard[U] {
	guard := l.Lock()

	mapped := false
	defer func() {
		if !mapped {
			guard.Unlock()
		}
	}()

	view := fn(guard.value)
	mapped = true

	return IRQGuard[U]{lock: guard.lock, value: view, restoreIRQ: guard.restoreIRQ}
}

// Held returns true if the guard still holds its lock.
func (g *IRQGuard[T]) Held() bool {
	return g.lock != nil
}

// Value returns a pointer to the protected value. The pointer must not be
// retained after the guard is unlocked.
func (g *IRQGuard[T]) Value() *T {
	if g.lock == nil {
		panic(errGuardNotHeld)
	}

	return g.value
}

// Unlock releases the lock and re-enables interrupts if they were enabled
// when the lock was acquired.
func (g *IRQGuard[T]) Unlock() {
	if g.lock == nil {
		panic(errGuardNotHeld)
	}

	g.lock.Release()
	g.lock, g.value = nil, nil

	if g.restoreIRQ {
		enableInterruptsFn()
	}
}

// saveAndDisableInterrupts disables interrupts and reports whether they were
// enabled beforehand.
func saveAndDisableInterrupts() bool {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	return enabled
}

// NewIRQLock returns an unlocked IRQLock protecting v.
func NewIRQLock[T any](v T) *IRQLock[T] {
	return &IRQLock[T]{value: v}
}
