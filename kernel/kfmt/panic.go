package kfmt

import "github.com/jbqxo/yaeos-sub000/kernel"

var (
	// cpuHaltFn is invoked once the panic banner has been printed. Tests
	// replace it; the default parks the calling goroutine forever.
	cpuHaltFn = haltForever

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

func haltForever() {
	select {}
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
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
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
