package vmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// earlyReserveEndAddr which coincides with the end of the kernel
	// address space below the recursive window.
	earlyReserveLastUsed = earlyReserveEndAddr

	earlyReserveRegionFn = EarlyReserveRegion

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}

	// keepFrame is passed to Unmap when rolling back mappings to frames that
	// belong to the caller.
	keepFrame = mm.FrameDeallocatorFunc(func(mm.Frame) {})
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the kernel address space, establishes the mapping and
// returns back the Page that corresponds to the region start.
func (m *PageMapper) MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	startPage := mm.PageFromAddress(startAddr)
	if err = m.mapFrames(startPage, frame, size>>mm.PageShift, flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (m *PageMapper) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := ((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift

	if err := m.mapFrames(startPage, startFrame, pageCount, flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// mapFrames maps pageCount consecutive pages starting at page to consecutive
// frames starting at frame using a single LockedPageMapper. Either all pages
// are mapped or, if an error occurs, none of them.
func (m *PageMapper) mapFrames(page mm.Page, frame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	var flushes FlushBatch

	batch := m.Lock()
	defer batch.Release()

	for i := uintptr(0); i < pageCount; i++ {
		flush, err := batch.MapTo(page+mm.Page(i), frame+mm.Frame(i), flags)
		if err != nil {
			// Unmap invalidates each page itself so the pending
			// flushes can be dropped.
			for ; i > 0; i-- {
				_, _ = batch.table.Unmap(page+mm.Page(i-1), keepFrame)
			}
			return err
		}
		flushes.Add(flush)
	}

	flushes.Flush()
	return nil
}
