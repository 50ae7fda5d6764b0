package kfmt

import (
	"aurora/kernel"
	"aurora/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	// disableInterruptsFn is mocked by tests.
	disableInterruptsFn = cpu.DisableInterrupts

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU with interrupts disabled. Calls to Panic never return. Panic also
// works as a redirection target for calls to panic() (resolved via
// runtime.gopanic).
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	disableInterruptsFn()

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s", err.Module, err.Message)
		if err.Status != kernel.StatusSuccess {
			Printf(" (status 0x%8x)", uint32(err.Status))
		}
		Printf("\n")
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
