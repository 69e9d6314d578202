package kfmt

import (
	"github.com/fossabot/nebulet/kernel"
	"github.com/fossabot/nebulet/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// panicking is set while Panic reports an error. A panic raised while
	// reporting (e.g. by a failing output sink) halts without printing.
	panicking bool
)

// Panic reports an unrecoverable error and halts the CPU. Kernel code does
// not call Panic directly; fatal conditions such as running out of physical
// frames while mapping a page are raised with panic(err), which the kernel
// build resolves to Panic through the runtime.gopanic redirect.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	if panicking {
		cpuHaltFn()
		return
	}
	panicking = true

	Printf("\n*** kernel panic ***\n")
	if err := panicError(e); err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** system halted ***\n")

	cpuHaltFn()

	// only reached when halting is mocked
	panicking = false
}

// panicError converts a value passed to panic into a *kernel.Error. Values
// that do not describe an error yield nil.
func panicError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
	case error:
		errRuntimePanic.Message = t.Error()
	default:
		return nil
	}

	return errRuntimePanic
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
