package mm

// Paging geometry for amd64 long mode with 4-level page tables.
const (
	// PageShift is log2(PageSize). Shifting a physical or virtual address
	// right by PageShift yields its frame or page number.
	PageShift = uintptr(12)

	// PageSize is the size in bytes of a page, a frame and a page table.
	PageSize = uintptr(1 << PageShift)

	// EntryShift is log2 of the size of a page table entry. The entry for
	// index i lives at byte offset i<<EntryShift of its table.
	EntryShift = uintptr(3)

	// PhysAddrBits is the architectural limit for physical addresses that
	// a page table entry can encode (bits 12-51).
	PhysAddrBits = 52

	// MaxFrame is the highest frame that a page table entry can point to.
	MaxFrame = Frame(1<<(PhysAddrBits-PageShift) - 1)
)
