package kfmt

import (
	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic is the fatal sink of the boot path. It outputs the supplied error (if
// not nil) and halts the CPU; calls to Panic never return. Besides
// *kernel.Error values it accepts plain Go errors and strings so that it can
// also report runtime failures.
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

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** boot panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
