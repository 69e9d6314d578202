package pmm

import (
	"testing"

	"github.com/fossabot/nebulet/internal/testmem"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/multiboot"
)

// qemuMemoryMap mirrors the memory map reported by qemu for a VM with 128M
// of RAM. It encodes the following available memory regions:
// [     0 -   9fc00] length:    654336
// [100000 - 7fe0000] length: 133038080
var qemuMemoryMap = testmem.BootInfo{
	Regions: []testmem.Region{
		{PhysAddress: 0, Length: 654336, Type: testmem.RegionAvailable},
		{PhysAddress: 654336, Length: 1024, Type: testmem.RegionReserved},
		{PhysAddress: 983040, Length: 65536, Type: testmem.RegionReserved},
		{PhysAddress: 1048576, Length: 133038080, Type: testmem.RegionAvailable},
		{PhysAddress: 134086656, Length: 131072, Type: testmem.RegionReserved},
		{PhysAddress: 4294705152, Length: 262144, Type: testmem.RegionReserved},
	},
}.Bytes()

var noMemoryMap = testmem.BootInfo{CmdLine: "nomem"}.Bytes()

func TestBootMemoryAllocator(t *testing.T) {
	multiboot.SetInfoPtr(testmem.Ptr(qemuMemoryMap))
	defer multiboot.SetInfoPtr(0)

	specs := []struct {
		kernelStart, kernelEnd uintptr
		expAllocCount          uint64
	}{
		{
			// no kernel image to skip
			0xa0000,
			0xa0000,
			// region 1 extents get rounded to [0, 9f000] and provides 159 frames [0 to 158];
			// frame 0 is never handed out
			// region 2 uses the unmodified extents [100000 - 7fe0000] and provides 32480 frames [256-32735]
			158 + 32480,
		},
		{
			// the kernel is loaded at the beginning of region 1 taking 2.5 pages
			0x0,
			0x2800,
			// frames 0, 1 and 2 (round up kernel end) are used by the kernel
			159 - 3 + 32480,
		},
		{
			// the kernel is loaded at the end of region 1 taking 2.5 pages
			0x9c800,
			0x9f000,
			// frames 156, 157 and 158 (round down kernel start) are used by the kernel
			// and frame 0 is skipped
			159 - 3 - 1 + 32480,
		},
		{
			// the kernel (after rounding) uses the entire region 1
			0x123,
			0x9fc00,
			32480,
		},
		{
			// the kernel is loaded at region 2 start + 2K taking 1.5 pages
			0x100800,
			0x102000,
			// frames 256 (kernel start rounded down) and 257 are used by the kernel
			158 + 32480 - 2,
		},
	}

	var alloc bootMemAllocator
	for specIndex, spec := range specs {
		alloc.init(spec.kernelStart, spec.kernelEnd)

		var prevFrame mm.Frame
		for {
			frame, err := alloc.AllocFrame()
			if err != nil {
				if err == errBootAllocOutOfMemory {
					break
				}
				t.Errorf("[spec %d] [frame %d] unexpected allocator error: %v", specIndex, alloc.allocCount, err)
				break
			}

			if frame != alloc.lastAllocFrame {
				t.Errorf("[spec %d] [frame %d] expected allocated frame to be %d; got %d", specIndex, alloc.allocCount, alloc.lastAllocFrame, frame)
			}

			if frame == 0 || frame <= prevFrame {
				t.Errorf("[spec %d] [frame %d] expected frames to be handed out in increasing order starting after frame 0; got %d after %d", specIndex, alloc.allocCount, frame, prevFrame)
			}

			if frame >= alloc.kernelStartFrame && frame <= alloc.kernelEndFrame {
				t.Errorf("[spec %d] allocator returned frame %d which belongs to the kernel image", specIndex, frame)
			}
			prevFrame = frame
		}

		if alloc.allocCount != spec.expAllocCount {
			t.Errorf("[spec %d] expected allocator to allocate %d frames; allocated %d", specIndex, spec.expAllocCount, alloc.allocCount)
		}
	}
}

func TestBootMemoryAllocatorWithoutMemoryMap(t *testing.T) {
	multiboot.SetInfoPtr(testmem.Ptr(noMemoryMap))
	defer multiboot.SetInfoPtr(0)

	var alloc bootMemAllocator
	alloc.init(0, 0)

	if frame, err := alloc.AllocFrame(); err != errBootAllocOutOfMemory || frame.Valid() {
		t.Fatalf("expected errBootAllocOutOfMemory and an invalid frame; got %v, %d", err, frame)
	}
}

func TestBootMemoryAllocatorIssued(t *testing.T) {
	multiboot.SetInfoPtr(testmem.Ptr(qemuMemoryMap))
	defer multiboot.SetInfoPtr(0)

	// frames 256 and 257 hold the kernel image
	var alloc bootMemAllocator
	alloc.init(0x100800, 0x102000)

	if alloc.issued(1) {
		t.Fatal("expected no frame to be issued before the first allocation")
	}

	// region 1 provides frames [1, 158]; the rest come from region 2
	handedOut := make(map[mm.Frame]bool)
	for i := 0; i < 200; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		handedOut[frame] = true
	}

	if exp := mm.Frame(299); alloc.lastAllocFrame != exp {
		t.Fatalf("expected last allocated frame to be %d; got %d", exp, alloc.lastAllocFrame)
	}

	for frame := mm.Frame(0); frame <= alloc.lastAllocFrame+8; frame++ {
		if got := alloc.issued(frame); got != handedOut[frame] {
			t.Errorf("expected issued(%d) to be %t; got %t", frame, handedOut[frame], got)
		}
	}
}
