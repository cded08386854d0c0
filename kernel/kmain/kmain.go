package kmain

import (
	"vanadium/kernel"
	"vanadium/kernel/kfmt"
	"vanadium/kernel/kfmt/early"
	"vanadium/kernel/mem/boot"
	"vanadium/kernel/mem/firmware"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// bootInitFn and panicFn are mocked by tests.
	bootInitFn = boot.Init
	panicFn    = kfmt.Panic
)

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 sets up the GDT and a minimal g0 struct that lets Go
// code run on the 4K stack the assembly stub allocated.
//
// rt0 passes the physical address of the firmware memory map handoff blob.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(firmwareInfoPtr uintptr) {
	firmware.SetInfoPtr(firmwareInfoPtr)

	early.Printf("Starting vanadium\n")

	if err := bootInitFn(); err != nil {
		panicFn(err)
	}

	// Use panicFn instead of panic to prevent the compiler from treating
	// kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
