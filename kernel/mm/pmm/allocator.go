package pmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/google/btree"
)

const (
	// freeSetDegree is the btree degree used for the set of released frames.
	freeSetDegree = 16

	// freeSetNodes is the number of btree nodes that are allocated up front
	// when the allocator is created. Releasing and reusing frames draws its
	// nodes from this pool.
	freeSetNodes = 64
)

var (
	errOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errInvalidFrame       = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that was never allocated"}
	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "allocator used before initialization"}
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator already initialized"}
)

var (
	_ mm.FrameAllocator   = (*Allocator)(nil)
	_ mm.FrameDeallocator = (*Allocator)(nil)
)

// Allocator manages the physical frames of the system. Fresh frames are
// obtained from the boot memory allocator; frames that are released are kept
// in an ordered set and handed out again (lowest first) before any fresh
// frame is used.
//
// Allocator is not safe for concurrent use. The package-level functions
// serialize access through an IRQLock.
type Allocator struct {
	boot bootMemAllocator
	free *btree.BTreeG[mm.Frame]

	allocated uint64
}

// NewAllocator returns an Allocator that carves frames out of the available
// memory regions reported by the bootloader, skipping the frames occupied by
// the kernel image [kernelStart, kernelEnd).
func NewAllocator(kernelStart, kernelEnd uintptr) Allocator {
	var a Allocator
	a.boot.init(kernelStart, kernelEnd)
	a.free = newFreeSet()
	return a
}

// newFreeSet returns an empty ordered frame set whose nodes come from a free
// list filled at creation time. Filling the tree and clearing it back into
// the free list leaves the pooled nodes with item storage that later inserts
// and deletes reuse.
func newFreeSet() *btree.BTreeG[mm.Frame] {
	pool := btree.NewFreeListG[mm.Frame](freeSetNodes)
	set := btree.NewWithFreeListG(freeSetDegree, func(a, b mm.Frame) bool { return a < b }, pool)

	for frame := mm.Frame(0); frame < freeSetNodes*(freeSetDegree-1); frame++ {
		set.ReplaceOrInsert(frame)
	}
	set.Clear(true)

	return set
}

// AllocFrame implements mm.FrameAllocator.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.free == nil {
		return mm.InvalidFrame, errNotInitialized
	}

	if frame, ok := a.free.DeleteMin(); ok {
		a.allocated++
		return frame, nil
	}

	frame, err := a.boot.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, errOutOfMemory
	}

	a.allocated++
	return frame, nil
}

// FreeFrame implements mm.FrameDeallocator. Releasing a frame that was never
// handed out or a frame that is already free is a fatal error.
func (a *Allocator) FreeFrame(frame mm.Frame) {
	switch {
	case a.free == nil:
		panic(errNotInitialized)
	case !frame.Valid() || !a.issued(frame):
		panic(errInvalidFrame)
	}

	if _, found := a.free.ReplaceOrInsert(frame); found {
		panic(errDoubleFree)
	}
	a.allocated--
}

// issued returns true if frame was handed out by the boot memory allocator.
// Frames in reserved regions, inside the kernel image or past the allocation
// watermark were never handed out.
func (a *Allocator) issued(frame mm.Frame) bool {
	return a.boot.issued(frame)
}

// IsFree returns true if frame is currently held in the set of released
// frames.
func (a *Allocator) IsFree(frame mm.Frame) bool {
	return a.free != nil && a.free.Has(frame)
}

// FreeCount returns the number of released frames that are waiting to be
// handed out again.
func (a *Allocator) FreeCount() int {
	if a.free == nil {
		return 0
	}
	return a.free.Len()
}

// AllocatedCount returns the number of frames that are currently in use.
func (a *Allocator) AllocatedCount() uint64 {
	return a.allocated
}
