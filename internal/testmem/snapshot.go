package testmem

import (
	"github.com/fossabot/nebulet/kernel/mm"
	"golang.org/x/exp/slices"
)

// Translation describes a single leaf mapping found by Snapshot.
type Translation struct {
	VirtAddr uintptr
	Frame    mm.Frame
	Flags    uint64
	Huge     bool
}

// Snapshot walks the active page tables and returns every leaf translation,
// ordered by virtual address. The recursive P4 slot is skipped so the result
// only contains translations installed by the code under test.
func (m *Memory) Snapshot(recursiveIndex int) []Translation {
	var out []Translation
	m.collect(m.root, 0, 0, recursiveIndex, &out)

	slices.SortFunc(out, func(a, b Translation) int {
		switch {
		case a.VirtAddr < b.VirtAddr:
			return -1
		case a.VirtAddr > b.VirtAddr:
			return 1
		default:
			return 0
		}
	})
	return out
}

// TableFrames returns the frames used by the page tables reachable from the
// active P4 table (including the P4 frame), ordered by frame number.
func (m *Memory) TableFrames(recursiveIndex int) []mm.Frame {
	frames := []mm.Frame{m.root}
	m.walkTables(m.root, 0, recursiveIndex, &frames)
	slices.Sort(frames)
	return frames
}

func (m *Memory) collect(table mm.Frame, level int, base uint64, recursiveIndex int, out *[]Translation) {
	for index, entry := range m.Table(table) {
		if entry&entryPresent == 0 || (level == 0 && index == recursiveIndex) {
			continue
		}

		virtAddr := signExtend(base | uint64(index)<<levelShifts[level])
		if leaf := level == len(levelShifts)-1; leaf || entry&entryHugePage != 0 {
			mask := addrMask(entry, levelShifts[level], leaf)
			*out = append(*out, Translation{
				VirtAddr: uintptr(virtAddr),
				Frame:    mm.FrameFromAddress(uintptr(entry & mask)),
				Flags:    entry &^ mask,
				Huge:     !leaf,
			})
			continue
		}

		m.collect(mm.FrameFromAddress(uintptr(entry&entryAddrMask)), level+1, virtAddr, recursiveIndex, out)
	}
}

func (m *Memory) walkTables(table mm.Frame, level, recursiveIndex int, out *[]mm.Frame) {
	if level == len(levelShifts)-1 {
		return
	}

	for index, entry := range m.Table(table) {
		if entry&entryPresent == 0 || entry&entryHugePage != 0 || (level == 0 && index == recursiveIndex) {
			continue
		}

		child := mm.FrameFromAddress(uintptr(entry & entryAddrMask))
		*out = append(*out, child)
		m.walkTables(child, level+1, recursiveIndex, out)
	}
}

// signExtend copies bit 47 of addr into bits 48-63.
func signExtend(addr uint64) uint64 {
	if addr&(1<<47) != 0 {
		return addr | 0xffff_0000_0000_0000
	}
	return addr &^ 0xffff_0000_0000_0000
}
