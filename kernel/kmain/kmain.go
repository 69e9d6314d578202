package kmain

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/kfmt"
	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/fossabot/nebulet/kernel/mm/pmm"
	"github.com/fossabot/nebulet/kernel/mm/vmm"
	"github.com/fossabot/nebulet/multiboot"
)

var (
	// the following functions are mocked by tests.
	pmmInitFn = pmm.Init
	vmmInitFn = vmm.Init

	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errSelfTestFailed = &kernel.Error{Module: "kmain", Message: "vmm self-test failed"}
)

// bootConfig holds the options that can be set on the kernel command line.
type bootConfig struct {
	// traceVMM is set by "vmm.trace" and logs every mapping change.
	traceVMM bool

	// selfTest is set by "vmm.selftest" and exercises the page mapper
	// on a scratch page once memory management is up.
	selfTest bool
}

func parseBootConfig() bootConfig {
	var cfg bootConfig
	_, cfg.traceVMM = multiboot.LookupBootCmdLine("vmm.trace")
	_, cfg.selfTest = multiboot.LookupBootCmdLine("vmm.selftest")
	return cfg
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end. The
// rt0 code must also have pointed the vmm.RecursiveIndex slot of the active P4
// table back to itself.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("[kmain] booted by %s\n", multiboot.BootLoaderName())

	if err := initMemory(parseBootConfig(), kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initMemory brings up the physical frame allocator and the global page
// table.
func initMemory(cfg bootConfig, kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := pmmInitFn(kernelStart, kernelEnd); err != nil {
		return err
	}

	vmm.SetTrace(cfg.traceVMM)

	mapper, err := vmmInitFn()
	if err != nil {
		return err
	}
	defer mapper.Release()

	if !cfg.selfTest {
		return nil
	}

	scratchAddr, err := vmm.EarlyReserveRegion(mm.PageSize)
	if err != nil {
		return err
	}

	batch := mapper.Lock()
	defer batch.Release()

	return selfTest(batch, mm.PageFromAddress(scratchAddr))
}

// batchMapper is the subset of vmm.LockedPageMapper used by selfTest.
type batchMapper interface {
	Map(mm.Page, vmm.PageTableEntryFlag) (vmm.Flush, *kernel.Error)
	Remap(mm.Page, vmm.PageTableEntryFlag) (vmm.Flush, *kernel.Error)
	Unmap(mm.Page) (vmm.Flush, *kernel.Error)
	TranslateEntry(mm.Page) (mm.Frame, vmm.PageTableEntryFlag, bool)
}

// selfTest maps, remaps and unmaps page and checks that every step is
// reflected by the translation of page. page must be unmapped on entry and
// is unmapped again when selfTest returns successfully.
func selfTest(batch batchMapper, page mm.Page) *kernel.Error {
	flush, err := batch.Map(page, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return err
	}
	flush.Flush()

	frame, flags, mapped := batch.TranslateEntry(page)
	if !mapped || flags != vmm.FlagPresent|vmm.FlagRW {
		return errSelfTestFailed
	}

	if _, err = batch.Map(page, vmm.FlagPresent); err != vmm.ErrAlreadyMapped {
		return errSelfTestFailed
	}

	if flush, err = batch.Remap(page, vmm.FlagPresent); err != nil {
		return err
	}
	flush.Flush()

	if remapped, flags, _ := batch.TranslateEntry(page); remapped != frame || flags != vmm.FlagPresent {
		return errSelfTestFailed
	}

	if _, err = batch.Unmap(page); err != nil {
		return err
	}

	if _, _, mapped = batch.TranslateEntry(page); mapped {
		return errSelfTestFailed
	}

	if _, err = batch.Unmap(page); err != vmm.ErrNotMapped {
		return errSelfTestFailed
	}

	kfmt.Printf("[kmain] vmm self-test passed using frame 0x%x\n", frame.Address())
	return nil
}
