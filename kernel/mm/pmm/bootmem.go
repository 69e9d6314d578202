package pmm

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/kfmt"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/multiboot"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// bootMemAllocator hands out frames in increasing order by walking the
// available memory regions reported by the bootloader. The frames occupied
// by the kernel image and frame 0 are never returned.
//
// bootMemAllocator cannot take frames back; Allocator keeps track of
// released frames separately.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd

	if kernelEnd <= kernelStart {
		// empty range; no frame satisfies start <= f <= end
		alloc.kernelStartFrame, alloc.kernelEndFrame = 1, 0
		return
	}

	alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		regionStartFrame, regionEndFrame, ok := availableFrames(region)
		if !ok {
			return true
		}

		// Skip over already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		var next mm.Frame
		switch {
		case alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame:
			next = regionStartFrame
		default:
			next = alloc.lastAllocFrame + 1
		}

		// frame 0 doubles as the "no frame" marker in page table entries
		if next == 0 {
			next = 1
		}

		// jump over the kernel image
		if next >= alloc.kernelStartFrame && next <= alloc.kernelEndFrame {
			next = alloc.kernelEndFrame + 1
		}

		// The above adjustments might push next outside of the region
		// end (e.g kernel ends at last page in the region)
		if next > regionEndFrame {
			return true
		}

		alloc.lastAllocFrame = next
		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// issued returns true if frame has been handed out by AllocFrame. Frames are
// issued in increasing order from the available regions, so any frame up to
// the watermark that lies inside an available region and outside the kernel
// image (and is not frame 0) has been issued.
func (alloc *bootMemAllocator) issued(frame mm.Frame) bool {
	switch {
	case alloc.allocCount == 0, frame == 0, frame > alloc.lastAllocFrame:
		return false
	case frame >= alloc.kernelStartFrame && frame <= alloc.kernelEndFrame:
		return false
	}

	var found bool
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		startFrame, endFrame, ok := availableFrames(region)
		if ok && frame >= startFrame && frame <= endFrame {
			found = true
			return false
		}
		return true
	})

	return found
}

// availableFrames returns the first and last whole frames covered by an
// available memory region. Reported addresses may not be page-aligned so the
// start is rounded up and the end is rounded down. The last return value is
// false for reserved regions and regions smaller than a single page.
func availableFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return 0, 0, false
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
	if endFrame < startFrame {
		return 0, 0, false
	}

	return startFrame, endFrame, true
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
