// Package cpu exposes the amd64 instructions used by the kernel's memory
// management code. The instructions themselves live in cpu_amd64.s.
//
// Privileged instructions fault when executed outside ring-0. The exported
// wrappers check the current privilege level first and turn into no-ops at
// CPL 3, which lets code that depends on them run inside host-side tests.
package cpu

const (
	// flagInterruptEnable is the IF bit of the RFLAGS register.
	flagInterruptEnable = uint64(1 << 9)

	// extendedFeatureLeaf is the CPUID leaf that reports extended
	// processor features such as NX support.
	extendedFeatureLeaf = uint32(0x80000001)

	// edxNoExecuteBit is set in EDX for extendedFeatureLeaf if the CPU
	// supports the no-execute page protection bit.
	edxNoExecuteBit = uint32(1 << 20)
)

var (
	cpuidFn     = ID
	readFlagsFn = readFlags
	cplFn       = currentPrivilegeLevel
)

// Privileged returns true if the code is running in ring-0.
func Privileged() bool {
	return cplFn() == 0
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	if Privileged() {
		sti()
	}
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	if Privileged() {
		cli()
	}
}

// InterruptsEnabled returns true if the interrupt flag is set for the
// current CPU.
func InterruptsEnabled() bool {
	return readFlagsFn()&flagInterruptEnable != 0
}

// Halt stops instruction execution. Outside ring-0 Halt returns immediately.
func Halt() {
	if Privileged() {
		cliHlt()
	}
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	if Privileged() {
		invlpg(virtAddr)
	}
}

// FlushTLB flushes all non-global TLB entries by reloading CR3.
func FlushTLB() {
	if Privileged() {
		writeCR3(readCR3())
	}
}

// ActivePDT returns the physical address of the currently active page table.
// Outside ring-0 ActivePDT returns 0.
func ActivePDT() uintptr {
	if !Privileged() {
		return 0
	}
	return readCR3()
}

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasNoExecute returns true if the CPU supports marking pages as
// non-executable.
func HasNoExecute() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < extendedFeatureLeaf {
		return false
	}

	_, _, _, edx := cpuidFn(extendedFeatureLeaf)
	return edx&edxNoExecuteBit != 0
}

// readFlags returns the contents of the RFLAGS register.
func readFlags() uint64

// currentPrivilegeLevel returns the RPL bits of the CS selector.
func currentPrivilegeLevel() uint8

func sti()
func cli()
func cliHlt()
func invlpg(virtAddr uintptr)
func readCR3() uintptr
func writeCR3(pdt uintptr)
