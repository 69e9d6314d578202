package vmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/mm/pmm"
	"github.com/fossabot/nebulet/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocFrameFn    = pmm.AllocFrame
	freeFrameFn     = pmm.FreeFrame
	lockAllocatorFn = pmm.Lock

	errMapperBusy     = &kernel.Error{Module: "vmm", Message: "page mapper used while a locked page mapper is active"}
	errMapperReleased = &kernel.Error{Module: "vmm", Message: "page mapper used after release"}
)

// systemAllocator forwards to the system frame allocator, acquiring its lock
// for every call.
type systemAllocator struct{}

func (systemAllocator) AllocFrame() (mm.Frame, *kernel.Error) { return allocFrameFn() }
func (systemAllocator) FreeFrame(frame mm.Frame)               { freeFrameFn(frame) }

// PageMapper provides exclusive access to the global page table. Only one
// PageMapper can exist at any time; obtaining another one spins until the
// current one is released. Interrupts stay disabled on the current CPU for
// the lifetime of a PageMapper.
type PageMapper struct {
	guard sync.IRQGuard[RecursivePageTable]

	// busy is set while a LockedPageMapper borrows the table.
	busy bool
}

// table returns the page table or panics if the mapper cannot be used.
func (m *PageMapper) table() *RecursivePageTable {
	switch {
	case !m.guard.Held():
		panic(errMapperReleased)
	case m.busy:
		panic(errMapperBusy)
	}
	return m.guard.Value()
}

// Map allocates a frame and maps page to it. Running out of physical memory
// is a fatal error for Map; batch callers that want to handle exhaustion
// should use a LockedPageMapper instead.
func (m *PageMapper) Map(page mm.Page, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	frame, flush, err := m.table().Map(page, flags, systemAllocator{})
	if err == ErrFrameAllocationFailed {
		panic(err)
	}

	if err == nil {
		tracef("map 0x%16x -> 0x%x (flags: 0x%x)\n", page.Address(), frame.Address(), uintptr(flags))
	}
	return flush, err
}

// MapTo maps page to a frame owned by the caller. Page tables that need to
// be created are allocated from the system frame allocator.
func (m *PageMapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	flush, err := m.table().MapTo(page, frame, flags, systemAllocator{})
	if err == nil {
		tracef("map 0x%16x -> 0x%x (flags: 0x%x)\n", page.Address(), frame.Address(), uintptr(flags))
	}
	return flush, err
}

// Unmap removes the translation for page and returns its frame to the system
// frame allocator.
func (m *PageMapper) Unmap(page mm.Page) (Flush, *kernel.Error) {
	flush, err := m.table().Unmap(page, systemAllocator{})
	if err == nil {
		tracef("unmap 0x%16x\n", page.Address())
	}
	return flush, err
}

// Remap replaces the flags of the existing translation for page.
func (m *PageMapper) Remap(page mm.Page, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	flush, err := m.table().UpdateFlags(page, flags)
	if err == nil {
		tracef("remap 0x%16x (flags: 0x%x)\n", page.Address(), uintptr(flags))
	}
	return flush, err
}

// Translate returns the frame that page is mapped to.
func (m *PageMapper) Translate(page mm.Page) (mm.Frame, bool) {
	return m.table().Translate(page)
}

// TranslateEntry returns the frame and the flags of the translation for page.
func (m *PageMapper) TranslateEntry(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	return m.table().TranslateEntry(page)
}

// TranslateAddr returns the physical address that virtAddr is mapped to.
func (m *PageMapper) TranslateAddr(virtAddr uintptr) (uintptr, bool) {
	return m.table().TranslateAddr(virtAddr)
}

// Lock acquires the system frame allocator and returns a LockedPageMapper
// that performs all of its allocations through it. m cannot be used until
// the LockedPageMapper is released.
func (m *PageMapper) Lock() *LockedPageMapper {
	table := m.table()
	m.busy = true

	return &LockedPageMapper{
		parent: m,
		table:  table,
		alloc:  lockAllocatorFn(),
	}
}

// Release unlocks the global page table. The mapper cannot be used
// afterwards.
func (m *PageMapper) Release() {
	if m.busy {
		panic(errMapperBusy)
	}
	if !m.guard.Held() {
		panic(errMapperReleased)
	}
	m.guard.Unlock()
}
