package vmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/fossabot/nebulet/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to route page table accesses through an emulated MMU.
	// When compiling the kernel this function will be automatically
	// inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// storeEntryFn publishes a new value for a page table entry. Tests
	// override it to observe every entry update.
	storeEntryFn = storeEntry
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// makeEntry encodes a page table entry for frame with the given flags.
func makeEntry(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry((frame.Address() & ptePhysPageMask) | uintptr(flags))
}

// loadEntry reads a page table entry with a single 64-bit load.
func loadEntry(pte *pageTableEntry) pageTableEntry {
	return pageTableEntry(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(pte))))
}

// storeEntry replaces a page table entry with a single 64-bit store. The MMU
// and any interrupt handler running on this CPU observe either the old or the
// new value, never a mix of both.
func storeEntry(pte *pageTableEntry, value pageTableEntry) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(pte)), uintptr(value))
}
