// Package multiboot reads the boot information structure that a multiboot2
// compliant bootloader passes to the kernel. Only the tags needed to set up
// memory management are decoded: the memory map, the kernel command line and
// the bootloader name.
package multiboot

import (
	"unsafe"
)

var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Per the multiboot2 layout, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// BootLoaderName returns the name reported by the bootloader or an empty
// string if the bootloader did not supply one. The returned string aliases
// the multiboot info data.
func BootLoaderName() string {
	return tagString(tagBootLoaderName)
}

// BootCmdLine returns the raw command line passed to the kernel. The returned
// string aliases the multiboot info data.
func BootCmdLine() string {
	return tagString(tagBootCmdLine)
}

// LookupBootCmdLine scans the kernel command line for a whitespace-separated
// "key=value" or "key" token matching key. Bare keys report their own name as
// the value. LookupBootCmdLine does not allocate so it can be called before
// the kernel heap is available.
func LookupBootCmdLine(key string) (string, bool) {
	cmdLine := BootCmdLine()

	for start := 0; start < len(cmdLine); {
		// skip whitespace
		for start < len(cmdLine) && isSpace(cmdLine[start]) {
			start++
		}

		end := start
		for end < len(cmdLine) && !isSpace(cmdLine[end]) {
			end++
		}

		if token := cmdLine[start:end]; len(token) != 0 {
			sep := 0
			for sep < len(token) && token[sep] != '=' {
				sep++
			}

			if token[:sep] == key {
				if sep == len(token) {
					return key, true
				}
				return token[sep+1:], true
			}
		}

		start = end
	}

	return "", false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

// tagString returns the contents of a tag holding a C-style NULL-terminated
// string.
func tagString(tagType tagType) string {
	curPtr, size := findTagByType(tagType)
	if size == 0 {
		return ""
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size)
	end := 0
	for end < len(data) && data[end] != 0 {
		end++
	}

	return unsafe.String(&data[0], end)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
