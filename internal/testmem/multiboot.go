package testmem

import (
	"encoding/binary"
	"unsafe"
)

// Multiboot tag types understood by the kernel.
const (
	tagEnd            = 0
	tagBootCmdLine    = 1
	tagBootLoaderName = 2
	tagMemoryMap      = 6

	memoryMapEntrySize = 24
)

// Memory region types as reported by a multiboot2 bootloader.
const (
	RegionAvailable uint32 = iota + 1
	RegionReserved
	RegionAcpiReclaimable
	RegionNvs
)

// Region describes a single memory map entry.
type Region struct {
	PhysAddress uint64
	Length      uint64
	Type        uint32
}

// BootInfo describes the contents of a multiboot2 boot information image.
type BootInfo struct {
	CmdLine        string
	BootLoaderName string
	Regions        []Region
}

// Bytes encodes the boot information using the multiboot2 wire layout. The
// returned slice starts at an 8-byte aligned address and must be kept alive
// while the kernel code holds a pointer to it.
func (bi BootInfo) Bytes() []byte {
	out := make([]byte, 8, 256)

	if bi.CmdLine != "" {
		out = appendTag(out, tagBootCmdLine, append([]byte(bi.CmdLine), 0))
	}

	if bi.BootLoaderName != "" {
		out = appendTag(out, tagBootLoaderName, append([]byte(bi.BootLoaderName), 0))
	}

	if len(bi.Regions) != 0 {
		payload := make([]byte, 0, 8+len(bi.Regions)*memoryMapEntrySize)
		payload = binary.LittleEndian.AppendUint32(payload, memoryMapEntrySize)
		payload = binary.LittleEndian.AppendUint32(payload, 0)
		for _, r := range bi.Regions {
			payload = binary.LittleEndian.AppendUint64(payload, r.PhysAddress)
			payload = binary.LittleEndian.AppendUint64(payload, r.Length)
			payload = binary.LittleEndian.AppendUint32(payload, r.Type)
			payload = binary.LittleEndian.AppendUint32(payload, 0)
		}
		out = appendTag(out, tagMemoryMap, payload)
	}

	out = appendTag(out, tagEnd, nil)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))

	// copy into a uint64-backed buffer to guarantee the alignment that the
	// multiboot parser expects.
	aligned := make([]uint64, (len(out)+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&aligned[0])), len(out))
	copy(buf, out)
	return buf
}

// Ptr returns the address of the first byte of an encoded boot information
// image.
func Ptr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

func appendTag(out []byte, tagType uint32, payload []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, tagType)
	out = binary.LittleEndian.AppendUint32(out, uint32(8+len(payload)))
	out = append(out, payload...)

	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	return out
}
