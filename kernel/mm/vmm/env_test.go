package vmm

import (
	"bytes"
	"io"
	"testing"

	"github.com/fossabot/nebulet/internal/testmem"
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/kfmt"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/mm/pmm"
	"github.com/fossabot/nebulet/kernel/sync"
	"github.com/fossabot/nebulet/multiboot"
)

// rootFrame holds the P4 table of every test environment.
const rootFrame = mm.Frame(1)

// testEnv wires the package to an emulated MMU and a frame allocator that
// hands out the emulated frames.
type testEnv struct {
	t   *testing.T
	mem *testmem.Memory

	// bootInfo must stay reachable while the allocator walks it.
	bootInfo  []byte
	allocLock *sync.IRQLock[pmm.Allocator]

	flushed     []uintptr
	fullFlushes int
}

func newTestEnv(t *testing.T, frameCount int) *testEnv {
	t.Helper()

	mem, err := testmem.New(frameCount)
	if err != nil {
		t.Fatal(err)
	}
	mem.InstallRecursiveRoot(rootFrame, RecursiveIndex)

	env := &testEnv{t: t, mem: mem}
	env.bootInfo = mem.BootInfo("").Bytes()
	multiboot.SetInfoPtr(testmem.Ptr(env.bootInfo))

	// the root frame doubles as the "kernel image" so it is never handed out
	env.allocLock = sync.NewIRQLock(pmm.NewAllocator(rootFrame.Address(), (rootFrame + 1).Address()))

	origPtePtr, origStoreEntry := ptePtrFn, storeEntryFn
	origActivePDT, origHasNoExecute := activePDTFn, hasNoExecuteFn
	origFlushEntry, origFlush := flushTLBEntryFn, flushTLBFn
	origAlloc, origFree, origLockAlloc := allocFrameFn, freeFrameFn, lockAllocatorFn
	origTraceWriter := traceWriter

	ptePtrFn = mem.MustResolve
	storeEntryFn = storeEntry
	activePDTFn = mem.RootAddr
	hasNoExecuteFn = func() bool { return true }
	flushTLBEntryFn = func(virtAddr uintptr) { env.flushed = append(env.flushed, virtAddr) }
	flushTLBFn = func() { env.fullFlushes++ }
	allocFrameFn = func() (mm.Frame, *kernel.Error) {
		guard := env.allocLock.Lock()
		defer guard.Unlock()
		return guard.Value().AllocFrame()
	}
	freeFrameFn = func(frame mm.Frame) {
		guard := env.allocLock.Lock()
		defer guard.Unlock()
		guard.Value().FreeFrame(frame)
	}
	lockAllocatorFn = env.allocLock.Lock
	tableLock = sync.IRQLock[tableCell]{}
	earlyReserveLastUsed = earlyReserveEndAddr
	traceEnabled = false

	t.Cleanup(func() {
		ptePtrFn, storeEntryFn = origPtePtr, origStoreEntry
		activePDTFn, hasNoExecuteFn = origActivePDT, origHasNoExecute
		flushTLBEntryFn, flushTLBFn = origFlushEntry, origFlush
		allocFrameFn, freeFrameFn, lockAllocatorFn = origAlloc, origFree, origLockAlloc
		traceWriter, traceEnabled = origTraceWriter, false
		tableLock = sync.IRQLock[tableCell]{}
		earlyReserveLastUsed = earlyReserveEndAddr
		multiboot.SetInfoPtr(0)

		if err := mem.Close(); err != nil {
			t.Error(err)
		}
	})

	return env
}

// mapper initializes the global page table and returns a PageMapper for it.
func (env *testEnv) mapper() *PageMapper {
	env.t.Helper()

	m, err := Init()
	if err != nil {
		env.t.Fatal(err)
	}
	return m
}

// snapshot returns all translations installed in the emulated page tables.
func (env *testEnv) snapshot() []testmem.Translation {
	return env.mem.Snapshot(RecursiveIndex)
}

// allocated returns the number of frames handed out by the allocator.
func (env *testEnv) allocated() uint64 {
	guard := env.allocLock.Lock()
	defer guard.Unlock()
	return guard.Value().AllocatedCount()
}

// isFree returns true if frame sits in the allocator's free set.
func (env *testEnv) isFree(frame mm.Frame) bool {
	guard := env.allocLock.Lock()
	defer guard.Unlock()
	return guard.Value().IsFree(frame)
}

// expectPanic runs fn and checks that it panics with expErr.
func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}

// captureOutput discards any buffered early kfmt output and redirects kfmt
// to the returned buffer until the test completes.
func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer

	kfmt.SetOutputSink(io.Discard)
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	return &buf
}
