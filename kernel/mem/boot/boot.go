// Package boot sequences physical memory bring-up. The stages must run in
// order: each one depends on backing memory the previous stage carved out
// for it.
package boot

import (
	"vanadium/kernel"
	"vanadium/kernel/kfmt/early"
	"vanadium/kernel/mem/pmm/buddy"
	"vanadium/kernel/mem/pmm/earlyalloc"
	"vanadium/kernel/mem/pmm/globalmap"
	"vanadium/kernel/mem/vmm"
)

// Stage function vars are mocked by tests so the bring-up order and error
// propagation can be checked without driving the real hardware-touching
// stages end to end.
var (
	setupLinearMapFn = vmm.Setup
	initEarlyAllocFn = earlyalloc.Init
	initGlobalMapFn  = globalmap.Init
	initBuddyFn      = buddy.Init
	maxPFNFn         = globalmap.MaxPFN
)

// Init brings physical memory management online: it establishes the linear
// map, stands up the early bitmap allocator over the bootstrap region, then
// uses it to build the global bitmap and the zoned buddy allocator. The
// firmware memory map must already be installed via firmware.SetInfoPtr
// before Init runs.
func Init() *kernel.Error {
	if err := setupLinearMapFn(); err != nil {
		return err
	}
	early.Printf("boot: linear map established\n")

	if err := initEarlyAllocFn(); err != nil {
		return err
	}
	early.Printf("boot: early allocator ready\n")

	if err := initGlobalMapFn(); err != nil {
		return err
	}
	early.Printf("boot: global bitmap built, %d frames tracked\n", uint64(maxPFNFn())+1)

	if err := initBuddyFn(); err != nil {
		return err
	}
	early.Printf("boot: buddy allocator ready\n")

	return nil
}
