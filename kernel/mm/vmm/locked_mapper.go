package vmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/mm/pmm"
	"github.com/fossabot/nebulet/kernel/sync"
)

// LockedPageMapper holds both the global page table and the system frame
// allocator for the duration of a batch of operations. Each operation has
// the same contract as its PageMapper counterpart except that running out of
// physical memory is reported as ErrFrameAllocationFailed instead of being
// fatal.
//
// A LockedPageMapper must be used by a single caller and must be released
// before its parent PageMapper is used again. Interrupts stay disabled until
// Release so batches should be kept short.
type LockedPageMapper struct {
	parent *PageMapper
	table  *RecursivePageTable
	alloc  sync.IRQGuard[pmm.Allocator]
}

// held returns the borrowed page table or panics if the mapper has been
// released.
func (m *LockedPageMapper) held() *RecursivePageTable {
	if m.table == nil {
		panic(errMapperReleased)
	}
	return m.table
}

// Map allocates a frame and maps page to it.
func (m *LockedPageMapper) Map(page mm.Page, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	frame, flush, err := m.held().Map(page, flags, m.alloc.Value())
	if err == nil {
		tracef("map 0x%16x -> 0x%x (flags: 0x%x, batch)\n", page.Address(), frame.Address(), uintptr(flags))
	}
	return flush, err
}

// MapTo maps page to a frame owned by the caller.
func (m *LockedPageMapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	flush, err := m.held().MapTo(page, frame, flags, m.alloc.Value())
	if err == nil {
		tracef("map 0x%16x -> 0x%x (flags: 0x%x, batch)\n", page.Address(), frame.Address(), uintptr(flags))
	}
	return flush, err
}

// Unmap removes the translation for page and returns its frame to the held
// frame allocator.
func (m *LockedPageMapper) Unmap(page mm.Page) (Flush, *kernel.Error) {
	flush, err := m.held().Unmap(page, m.alloc.Value())
	if err == nil {
		tracef("unmap 0x%16x (batch)\n", page.Address())
	}
	return flush, err
}

// Remap replaces the flags of the existing translation for page.
func (m *LockedPageMapper) Remap(page mm.Page, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	flush, err := m.held().UpdateFlags(page, flags)
	if err == nil {
		tracef("remap 0x%16x (flags: 0x%x, batch)\n", page.Address(), uintptr(flags))
	}
	return flush, err
}

// Translate returns the frame that page is mapped to.
func (m *LockedPageMapper) Translate(page mm.Page) (mm.Frame, bool) {
	return m.held().Translate(page)
}

// TranslateEntry returns the frame and the flags of the translation for page.
func (m *LockedPageMapper) TranslateEntry(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	return m.held().TranslateEntry(page)
}

// TranslateAddr returns the physical address that virtAddr is mapped to.
func (m *LockedPageMapper) TranslateAddr(virtAddr uintptr) (uintptr, bool) {
	return m.held().TranslateAddr(virtAddr)
}

// Release unlocks the frame allocator and hands the page table back to the
// parent PageMapper.
func (m *LockedPageMapper) Release() {
	if m.table == nil {
		panic(errMapperReleased)
	}

	m.alloc.Unlock()
	m.table = nil
	m.parent.busy = false
}
