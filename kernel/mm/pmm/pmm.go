// Package pmm implements the physical frame allocator.
package pmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/sync"
)

// allocLock guards the system-wide frame allocator.
var allocLock sync.IRQLock[Allocator]

// Init sets up the kernel physical memory allocation sub-system. The frames
// that hold the kernel image [kernelStart, kernelEnd) are never handed out.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	guard := allocLock.Lock()
	defer guard.Unlock()

	alloc := guard.Value()
	if alloc.free != nil {
		return errAlreadyInitialized
	}

	*alloc = NewAllocator(kernelStart, kernelEnd)
	alloc.boot.printMemoryMap()
	return nil
}

// AllocFrame reserves a single frame from the system allocator. The
// allocator lock is held only for the duration of the call.
func AllocFrame() (mm.Frame, *kernel.Error) {
	guard := allocLock.Lock()
	defer guard.Unlock()

	return guard.Value().AllocFrame()
}

// FreeFrame returns a frame to the system allocator. The allocator lock is
// held only for the duration of the call.
func FreeFrame(frame mm.Frame) {
	guard := allocLock.Lock()
	defer guard.Unlock()

	guard.Value().FreeFrame(frame)
}

// Lock acquires exclusive access to the system allocator until the returned
// guard is unlocked. Interrupts remain disabled while the guard is held so
// callers should keep the batch of operations short.
func Lock() sync.IRQGuard[Allocator] {
	return allocLock.Lock()
}
