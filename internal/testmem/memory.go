// Package testmem emulates the physical memory and the page-walking MMU of an
// amd64 machine so that page-table code can be exercised by host-side tests.
//
// Physical frames live in an anonymous mmap-ed arena; frame N occupies the
// bytes [N*PageSize, (N+1)*PageSize) of the arena. Virtual addresses are
// resolved by walking the 4-level tables rooted at the frame installed via
// SetRoot, exactly like the hardware would. This includes walks that go
// through a recursive P4 entry, which lets the kernel code reach its own
// page tables through the emulated MMU.
package testmem

import (
	"fmt"
	"unsafe"

	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"
)

const (
	entryPresent  = uint64(1 << 0)
	entryRW       = uint64(1 << 1)
	entryHugePage = uint64(1 << 7)
	entryAddrMask = uint64(0x000ffffffffff000)

	entriesPerTable = 512
	levelBits       = 9
)

// levelShifts holds the bit offset of the table index for each paging level
// starting with P4.
var levelShifts = [4]uint{39, 30, 21, 12}

// addrMask returns the mask selecting the physical address of an entry at
// the given table index shift. Huge page addresses are aligned to the page
// size they map so the low address bits (including the PAT bit 12) are not
// part of the address.
func addrMask(entry uint64, shift uint, leaf bool) uint64 {
	if leaf || entry&entryHugePage == 0 {
		return entryAddrMask
	}
	return entryAddrMask &^ (uint64(1)<<shift - 1)
}

// Fault describes a virtual address that could not be resolved by the MMU.
type Fault struct {
	VirtAddr uintptr
	Level    int
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at 0x%x (level %d entry not present)", f.VirtAddr, f.Level)
}

// Memory is an emulated physical address space plus MMU.
type Memory struct {
	arena []byte
	root  mm.Frame
}

// New allocates an emulated physical address space with frameCount frames.
func New(frameCount int) (*Memory, error) {
	if frameCount < 2 {
		return nil, errors.Errorf("testmem: need at least 2 frames; got %d", frameCount)
	}

	arena, err := unix.Mmap(-1, 0, frameCount*int(mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "testmem: mmap %d frames", frameCount)
	}

	return &Memory{arena: arena}, nil
}

// Close releases the emulated physical memory.
func (m *Memory) Close() error {
	if m.arena == nil {
		return nil
	}

	err := unix.Munmap(m.arena)
	m.arena = nil
	return errors.Wrap(err, "testmem: munmap")
}

// FrameCount returns the number of emulated frames.
func (m *Memory) FrameCount() int {
	return len(m.arena) / int(mm.PageSize)
}

// BootInfo returns a boot information image whose memory map reports every
// emulated frame except frame 0 as available memory.
func (m *Memory) BootInfo(cmdLine string) BootInfo {
	return BootInfo{
		CmdLine:        cmdLine,
		BootLoaderName: "testmem",
		Regions: []Region{
			{PhysAddress: 0, Length: uint64(mm.PageSize), Type: RegionReserved},
			{PhysAddress: uint64(mm.PageSize), Length: uint64(len(m.arena)) - uint64(mm.PageSize), Type: RegionAvailable},
		},
	}
}

// Frame returns the contents of the given physical frame.
func (m *Memory) Frame(f mm.Frame) []byte {
	if int(f) >= m.FrameCount() {
		panic(fmt.Sprintf("testmem: frame %d outside emulated memory (%d frames)", f, m.FrameCount()))
	}

	off := f.Address()
	return m.arena[off : off+mm.PageSize : off+mm.PageSize]
}

// Table returns the entries of the page table stored in frame f.
func (m *Memory) Table(f mm.Frame) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(&m.Frame(f)[0]))
}

// SetRoot installs frame f as the active P4 table (the emulated CR3).
func (m *Memory) SetRoot(f mm.Frame) {
	m.root = f
}

// Root returns the active P4 frame.
func (m *Memory) Root() mm.Frame {
	return m.root
}

// RootAddr returns the physical address of the active P4 table.
func (m *Memory) RootAddr() uintptr {
	return m.root.Address()
}

// InstallRecursiveRoot clears frame f, points its entry at recursiveIndex
// back to itself and makes it the active P4 table.
func (m *Memory) InstallRecursiveRoot(f mm.Frame, recursiveIndex int) {
	clear(m.Frame(f))
	m.Table(f)[recursiveIndex] = uint64(f.Address()) | entryPresent | entryRW
	m.SetRoot(f)
}

// Resolve walks the page tables of the active P4 table and returns a pointer
// to the emulated physical byte that virtAddr maps to.
func (m *Memory) Resolve(virtAddr uintptr) (unsafe.Pointer, error) {
	frame := m.root
	for level, shift := range levelShifts {
		entry := m.Table(frame)[(uint64(virtAddr)>>shift)&(entriesPerTable-1)]
		if entry&entryPresent == 0 {
			return nil, &Fault{VirtAddr: virtAddr, Level: level}
		}

		if entry&entryHugePage != 0 && level != 0 && level != len(levelShifts)-1 {
			offset := uint64(virtAddr) & (uint64(1)<<shift - 1)
			return m.physPtr(uintptr((entry & addrMask(entry, shift, false)) + offset))
		}

		frame = mm.FrameFromAddress(uintptr(entry & entryAddrMask))
	}

	return m.physPtr(frame.Address() + virtAddr&(mm.PageSize-1))
}

// MustResolve behaves like Resolve but panics if virtAddr is not mapped.
func (m *Memory) MustResolve(virtAddr uintptr) unsafe.Pointer {
	ptr, err := m.Resolve(virtAddr)
	if err != nil {
		panic(err)
	}
	return ptr
}

func (m *Memory) physPtr(physAddr uintptr) (unsafe.Pointer, error) {
	if physAddr >= uintptr(len(m.arena)) {
		return nil, errors.Errorf("testmem: physical address 0x%x outside emulated memory", physAddr)
	}
	return unsafe.Pointer(&m.arena[physAddr]), nil
}

// Checksum returns a hash of the entire emulated physical memory. Tests use
// it to assert that a failed operation did not write to any frame.
func (m *Memory) Checksum() uint64 {
	return xxh3.Hash(m.arena)
}

// IsZero returns true if every byte of frame f is zero.
func (m *Memory) IsZero(f mm.Frame) bool {
	return xxh3.Hash(m.Frame(f)) == zeroPageHash
}

var zeroPageHash = xxh3.Hash(make([]byte, mm.PageSize))
