package mm

import (
	"math"

	"github.com/fossabot/nebulet/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if f can be encoded in a page table entry.
func (f Frame) Valid() bool {
	return f <= MaxFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by anything that can hand out a single
// physical frame. Implementations report exhaustion by returning a non-nil
// error together with InvalidFrame.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
}

// FrameDeallocator is implemented by anything that can take back a frame
// previously obtained from a FrameAllocator.
type FrameDeallocator interface {
	FreeFrame(Frame)
}

// FrameAllocatorFunc adapts a plain function to the FrameAllocator interface.
type FrameAllocatorFunc func() (Frame, *kernel.Error)

// AllocFrame calls fn.
func (fn FrameAllocatorFunc) AllocFrame() (Frame, *kernel.Error) { return fn() }

// FrameDeallocatorFunc adapts a plain function to the FrameDeallocator interface.
type FrameDeallocatorFunc func(Frame)

// FreeFrame calls fn.
func (fn FrameDeallocatorFunc) FreeFrame(f Frame) { fn(f) }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
