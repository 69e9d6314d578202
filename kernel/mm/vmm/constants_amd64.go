package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = 9

	// entriesPerTable is the number of entries stored in each page table.
	entriesPerTable = 1 << pageLevelBits

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// canonicalSignBit is the highest implemented virtual address bit. Bits
	// 48-63 of a canonical address are copies of this bit.
	canonicalSignBit = uintptr(1 << 47)

	// RecursiveIndex is the P4 slot that points back to the P4 table itself.
	// The slot is reserved for the lifetime of the kernel; pages inside the
	// 512G window it covers can never be mapped through this package.
	RecursiveIndex = entriesPerTable - 1

	// P4VirtualAddr is the address at which the active P4 table is visible
	// once RecursiveIndex is configured. Setting every table index of an
	// address to RecursiveIndex makes the MMU follow the recursive entry
	// for all levels and land on the P4 table. For RecursiveIndex 511 this
	// is 0xfffffffffffff000.
	P4VirtualAddr = uintptr(0xffff000000000000) |
		RecursiveIndex<<39 | RecursiveIndex<<30 | RecursiveIndex<<21 | RecursiveIndex<<12

	// recursiveWindowStart is the first virtual address whose P4 index is
	// RecursiveIndex.
	recursiveWindowStart = uintptr(0xffff000000000000) | RecursiveIndex<<39

	// earlyReserveEndAddr marks the top of the region handed out by
	// EarlyReserveRegion; it is the last page below the recursive window.
	// For amd64 this address uses the following table indices:
	// 510, 511, 511, 511.
	earlyReserveEndAddr = recursiveWindowStart - uintptr(1<<12)
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address starting with the P4 index.
var pageLevelShifts = [pageLevels]uint8{
	39,
	30,
	21,
	12,
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set for P3/P2 entries that map 1G/2M pages directly.
	// 4K mappings cannot be established through such an entry.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is an OS-defined bit that marks pages that must be
	// copied on the first write. This flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagHugePAT selects the page attribute table entry of a 1G/2M page.
	// In 4K entries the same bit is part of the frame address.
	FlagHugePAT PageTableEntryFlag = 1 << 12

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
