package vmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/cpu"
	"github.com/fossabot/nebulet/kernel/mm"
)

var (
	// hasNoExecuteFn is mocked by tests so flag validation does not depend
	// on the host CPU.
	hasNoExecuteFn = cpu.HasNoExecute

	// ErrAlreadyMapped is returned when mapping a page that already has a
	// translation.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrNotMapped is returned when unmapping or remapping a page that has
	// no translation.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "page is not mapped"}

	// ErrFrameAllocationFailed is returned when the frame allocator cannot
	// supply a frame for the page or for a missing page table.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "frame allocation failed"}

	// ErrInvalidFlagsForLevel is returned when the requested flags cannot
	// be used for a 4K page table entry.
	ErrInvalidFlagsForLevel = &kernel.Error{Module: "vmm", Message: "invalid flags for page table level"}

	// ErrParentEntryHugePage is returned when a P3 or P2 entry on the path
	// to the page already maps a huge page.
	ErrParentEntryHugePage = &kernel.Error{Module: "vmm", Message: "parent entry maps a huge page"}

	// ErrRecursiveSlotReserved is returned for pages that fall inside the
	// address window covered by the recursive P4 slot.
	ErrRecursiveSlotReserved = &kernel.Error{Module: "vmm", Message: "page belongs to the recursive mapping window"}
)

// RecursivePageTable provides access to the active 4-level page table tree
// through a recursive P4 entry. The table of any level is visible at a fixed
// virtual address, so no separate mapping of physical memory is required to
// read or modify it.
//
// RecursivePageTable is not safe for concurrent use; the package serializes
// access through the lock that guards the global instance.
type RecursivePageTable struct {
	recursiveIndex uintptr
	p4Addr         uintptr
}

// newRecursivePageTable returns a table view that reaches its frames through
// the P4 slot at recursiveIndex.
func newRecursivePageTable(recursiveIndex uintptr) RecursivePageTable {
	return RecursivePageTable{
		recursiveIndex: recursiveIndex,
		p4Addr:         recursiveAddr(recursiveIndex, recursiveIndex, recursiveIndex, recursiveIndex),
	}
}

// recursiveAddr builds the canonical virtual address that uses the four
// supplied table indices.
func recursiveAddr(p4, p3, p2, p1 uintptr) uintptr {
	addr := p4<<pageLevelShifts[0] | p3<<pageLevelShifts[1] | p2<<pageLevelShifts[2] | p1<<pageLevelShifts[3]
	if addr&canonicalSignBit != 0 {
		addr |= ^(canonicalSignBit<<1 - 1)
	}
	return addr
}

// pageIndex returns the table index that page uses at the given level, with
// level 0 being the P4 table.
func pageIndex(page mm.Page, level uint8) uintptr {
	return (page.Address() >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// tableAddr returns the virtual address of the level table that holds the
// entry for page. The address consists of (pageLevels - level) copies of the
// recursive index followed by the first level indices of page.
func (t *RecursivePageTable) tableAddr(page mm.Page, level uint8) uintptr {
	var indices [pageLevels]uintptr
	for i := uint8(0); i < pageLevels; i++ {
		if i < pageLevels-level {
			indices[i] = t.recursiveIndex
		} else {
			indices[i] = pageIndex(page, i-(pageLevels-level))
		}
	}

	return recursiveAddr(indices[0], indices[1], indices[2], indices[3])
}

// entry returns a pointer to the level entry that translates page.
func (t *RecursivePageTable) entry(page mm.Page, level uint8) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(t.tableAddr(page, level) + pageIndex(page, level)<<mm.EntryShift))
}

// walk visits the entries that translate page starting with the P4 entry.
// The walk stops when walkFn returns false, after the P1 entry, or when it
// reaches an entry that does not point to a lower-level table.
func (t *RecursivePageTable) walk(page mm.Page, walkFn func(level uint8, pte *pageTableEntry) bool) {
	for level := uint8(0); level < pageLevels; level++ {
		pte := t.entry(page, level)
		if !walkFn(level, pte) {
			return
		}

		if entry := loadEntry(pte); !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
			return
		}
	}
}

// inRecursiveWindow returns true if page is translated through the
// recursive P4 slot.
func (t *RecursivePageTable) inRecursiveWindow(page mm.Page) bool {
	return pageIndex(page, 0) == t.recursiveIndex
}

// validateFlags checks that flags describe a valid 4K leaf entry.
func validateFlags(flags PageTableEntryFlag) *kernel.Error {
	switch {
	case flags&FlagPresent == 0,
		flags&FlagHugePage != 0,
		uintptr(flags)&ptePhysPageMask != 0,
		flags&FlagNoExecute != 0 && !hasNoExecuteFn():
		return ErrInvalidFlagsForLevel
	}
	return nil
}

// checkMap validates a map request without modifying any entry and returns
// the number of page tables that need to be created for page.
func (t *RecursivePageTable) checkMap(page mm.Page, flags PageTableEntryFlag) (int, *kernel.Error) {
	if err := validateFlags(flags); err != nil {
		return 0, err
	}

	if t.inRecursiveWindow(page) {
		return 0, ErrRecursiveSlotReserved
	}

	var (
		missing int
		err     *kernel.Error
	)
	t.walk(page, func(level uint8, pte *pageTableEntry) bool {
		entry := loadEntry(pte)
		switch {
		case level == pageLevels-1:
			if entry.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
			}
		case !entry.HasFlags(FlagPresent):
			missing = pageLevels - 1 - int(level)
		case entry.HasFlags(FlagHugePage):
			err = ErrParentEntryHugePage
		}
		return true
	})

	return missing, err
}

// MapTo establishes a translation from page to frame. Missing page tables are
// created with frames obtained from alloc. All preconditions are checked and
// all frames are obtained before any entry is modified, so a failed call
// leaves the tree untouched. Frames obtained before an allocation failure
// are handed back if alloc also implements mm.FrameDeallocator.
func (t *RecursivePageTable) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) (Flush, *kernel.Error) {
	missing, err := t.checkMap(page, flags)
	if err != nil {
		return Flush{}, err
	}

	var tables [pageLevels - 1]mm.Frame
	if err = allocFrames(tables[:missing], alloc); err != nil {
		return Flush{}, err
	}

	t.install(page, frame, flags, tables[:missing])
	return Flush{page: page, pending: true}, nil
}

// Map behaves like MapTo but also obtains the frame for page from alloc.
// Map returns the frame that was mapped.
func (t *RecursivePageTable) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) (mm.Frame, Flush, *kernel.Error) {
	missing, err := t.checkMap(page, flags)
	if err != nil {
		return mm.InvalidFrame, Flush{}, err
	}

	// the last slot holds the frame for page itself
	var frames [pageLevels]mm.Frame
	if err = allocFrames(frames[:missing+1], alloc); err != nil {
		return mm.InvalidFrame, Flush{}, err
	}

	frame := frames[missing]
	t.install(page, frame, flags, frames[:missing])
	return frame, Flush{page: page, pending: true}, nil
}

// allocFrames fills frames using alloc. If the allocator runs out of memory
// the frames obtained so far are released.
func allocFrames(frames []mm.Frame, alloc mm.FrameAllocator) *kernel.Error {
	for i := range frames {
		frame, err := alloc.AllocFrame()
		if err == nil {
			frames[i] = frame
			continue
		}

		if dealloc, ok := alloc.(mm.FrameDeallocator); ok {
			for _, obtained := range frames[:i] {
				dealloc.FreeFrame(obtained)
			}
		}
		return ErrFrameAllocationFailed
	}

	return nil
}

// install links the supplied table frames into the tree and writes the leaf
// entry for page. Callers must have validated the request with checkMap and
// must supply exactly as many table frames as checkMap reported missing.
func (t *RecursivePageTable) install(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, tables []mm.Frame) {
	parentFlags := FlagPresent | FlagRW | flags&FlagUserAccessible

	t.walk(page, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			storeEntryFn(pte, makeEntry(frame, flags))
			return false
		}

		entry := loadEntry(pte)
		if !entry.HasFlags(FlagPresent) {
			storeEntryFn(pte, makeEntry(tables[0], parentFlags))
			tables = tables[1:]

			// The new table becomes reachable through the recursive
			// mapping only now that its parent entry is present.
			t.clearTable(page, level+1)
			return true
		}

		if !entry.HasFlags(parentFlags) {
			storeEntryFn(pte, entry|pageTableEntry(parentFlags))
		}
		return true
	})
}

// clearTable zeroes the level table that holds the entry for page.
func (t *RecursivePageTable) clearTable(page mm.Page, level uint8) {
	tableAddr := t.tableAddr(page, level)
	for index := uintptr(0); index < entriesPerTable; index++ {
		storeEntryFn((*pageTableEntry)(ptePtrFn(tableAddr+index<<mm.EntryShift)), 0)
	}
}

// leafEntry returns the P1 entry for page or an error if the page has no
// 4K translation.
func (t *RecursivePageTable) leafEntry(page mm.Page) (*pageTableEntry, *kernel.Error) {
	if t.inRecursiveWindow(page) {
		return nil, ErrRecursiveSlotReserved
	}

	var (
		leaf *pageTableEntry
		err  = ErrNotMapped
	)
	t.walk(page, func(level uint8, pte *pageTableEntry) bool {
		entry := loadEntry(pte)
		switch {
		case !entry.HasFlags(FlagPresent):
		case level == pageLevels-1:
			leaf, err = pte, nil
		case entry.HasFlags(FlagHugePage):
			err = ErrParentEntryHugePage
		}
		return true
	})

	return leaf, err
}

// Unmap removes the translation for page and passes the frame it pointed to
// to dealloc. The stale TLB entry for page is invalidated before the frame is
// released so the frame can never be reached through the old translation.
// The returned Flush is therefore already applied.
func (t *RecursivePageTable) Unmap(page mm.Page, dealloc mm.FrameDeallocator) (Flush, *kernel.Error) {
	pte, err := t.leafEntry(page)
	if err != nil {
		return Flush{}, err
	}

	frame := loadEntry(pte).Frame()
	storeEntryFn(pte, 0)

	flush := Flush{page: page, pending: true}
	flush.Flush()

	dealloc.FreeFrame(frame)
	return flush, nil
}

// UpdateFlags replaces the flags of the existing translation for page. The
// frame that page maps to is not changed.
func (t *RecursivePageTable) UpdateFlags(page mm.Page, flags PageTableEntryFlag) (Flush, *kernel.Error) {
	if err := validateFlags(flags); err != nil {
		return Flush{}, err
	}

	pte, err := t.leafEntry(page)
	if err != nil {
		return Flush{}, err
	}

	if flags&FlagUserAccessible != 0 {
		// make sure the intermediate entries allow user access too
		t.walk(page, func(level uint8, parent *pageTableEntry) bool {
			if level == pageLevels-1 {
				return false
			}
			if entry := loadEntry(parent); !entry.HasFlags(FlagUserAccessible) {
				storeEntryFn(parent, entry|pageTableEntry(FlagUserAccessible))
			}
			return true
		})
	}

	storeEntryFn(pte, makeEntry(loadEntry(pte).Frame(), flags))
	return Flush{page: page, pending: true}, nil
}

// TranslateEntry returns the frame and the flags of the entry that maps page.
// Pages that belong to a huge page mapping report the 4K frame that backs
// them together with the flags of the huge page entry.
func (t *RecursivePageTable) TranslateEntry(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	var (
		frame = mm.InvalidFrame
		flags PageTableEntryFlag
		found bool
	)

	t.walk(page, func(level uint8, pte *pageTableEntry) bool {
		entry := loadEntry(pte)
		switch {
		case !entry.HasFlags(FlagPresent):
		case level == pageLevels-1:
			frame, flags, found = entry.Frame(), entry.Flags(), true
		case entry.HasFlags(FlagHugePage) && level > 0:
			// huge frames are aligned to the page size they map; the low
			// address bits hold FlagHugePAT instead
			pagesPerEntry := mm.Frame(1) << (pageLevelShifts[level] - pageLevelShifts[pageLevels-1])
			frame = entry.Frame()&^(pagesPerEntry-1) + mm.Frame(page)&(pagesPerEntry-1)
			flags = entry.Flags() | PageTableEntryFlag(uintptr(entry))&FlagHugePAT
			found = true
		}
		return true
	})

	return frame, flags, found
}

// Translate returns the frame that page is mapped to.
func (t *RecursivePageTable) Translate(page mm.Page) (mm.Frame, bool) {
	frame, _, found := t.TranslateEntry(page)
	return frame, found
}

// TranslateAddr returns the physical address that virtAddr is mapped to.
func (t *RecursivePageTable) TranslateAddr(virtAddr uintptr) (uintptr, bool) {
	frame, found := t.Translate(mm.PageFromAddress(virtAddr))
	if !found {
		return 0, false
	}

	return frame.Address() + virtAddr&(mm.PageSize-1), true
}
