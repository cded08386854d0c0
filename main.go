package main

import "vanadium/kernel/kmain"

var firmwareInfoPtr uintptr

// main makes a dummy call to the real kernel entry point. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code, which it cannot otherwise see any caller for.
//
// A global variable is passed as an argument to Kmain to prevent the
// compiler from inlining the call and dropping Kmain from the generated
// object file.
func main() {
	kmain.Kmain(firmwareInfoPtr)
}
