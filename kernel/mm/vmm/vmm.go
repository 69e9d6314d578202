// Package vmm manages the virtual address space of the running kernel.
//
// The active page table tree is reached through a recursive P4 entry (see
// RecursiveIndex) and exists exactly once. It is guarded by an IRQLock and is
// accessed through a PageMapper, or through a LockedPageMapper for batches of
// operations that also need exclusive access to the frame allocator.
package vmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/cpu"
	"github.com/fossabot/nebulet/kernel/kfmt"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/sync"
)

// tableCell holds the global page table once Init has run.
type tableCell struct {
	table       RecursivePageTable
	initialized bool
}

var (
	// tableLock guards the one and only view of the active page table tree.
	tableLock sync.IRQLock[tableCell]

	// activePDTFn is mocked by tests as reading CR3 faults when executed
	// outside ring-0.
	activePDTFn = cpu.ActivePDT

	errAlreadyInitialized         = &kernel.Error{Module: "vmm", Message: "page table already initialized"}
	errNotInitialized             = &kernel.Error{Module: "vmm", Message: "page table used before initialization"}
	errRecursiveSlotNotConfigured = &kernel.Error{Module: "vmm", Message: "recursive P4 slot does not point to the active page table"}
)

// Init sets up the global page table view over the active page table tree
// and returns a PageMapper for it. The caller must have loaded the P4 table
// into CR3 and pointed its RecursiveIndex slot back at the P4 frame. Init
// may only be called once.
func Init() (*PageMapper, *kernel.Error) {
	guard := tableLock.Lock()
	cell := guard.Value()

	if cell.initialized {
		guard.Unlock()
		return nil, errAlreadyInitialized
	}

	table := newRecursivePageTable(RecursiveIndex)
	recursiveEntry := loadEntry((*pageTableEntry)(ptePtrFn(table.p4Addr + RecursiveIndex<<mm.EntryShift)))
	if !recursiveEntry.HasFlags(FlagPresent|FlagRW) || recursiveEntry.Frame() != mm.FrameFromAddress(activePDTFn()) {
		guard.Unlock()
		return nil, errRecursiveSlotNotConfigured
	}

	cell.table = table
	cell.initialized = true
	guard.Unlock()

	kfmt.Printf("[vmm] page tables reachable via P4 slot %d at 0x%16x\n", uint64(RecursiveIndex), table.p4Addr)
	return NewPageMapper(), nil
}

// NewPageMapper locks the global page table and returns a PageMapper for it.
// The call spins until no other PageMapper exists. Calling NewPageMapper
// before Init is a fatal error.
func NewPageMapper() *PageMapper {
	guard := sync.LockMap(&tableLock, func(cell *tableCell) *RecursivePageTable {
		if !cell.initialized {
			panic(errNotInitialized)
		}
		return &cell.table
	})

	return &PageMapper{guard: guard}
}
