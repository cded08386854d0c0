// Package earlyalloc implements the boot-time bitmap allocator that serves
// page allocations in [0, 1 GiB) before the global bitmap and buddy
// allocator exist. It is seeded from the firmware memory map and from the
// linear-map bootstrap's temporary ledger, and is retired once the global
// bitmap takes over.
package earlyalloc

import (
	"reflect"
	"unsafe"

	"vanadium/kernel"
	"vanadium/kernel/mem"
	"vanadium/kernel/mem/bitmap"
	"vanadium/kernel/mem/firmware"
	"vanadium/kernel/mem/pfn"
	"vanadium/kernel/mem/vmm"
)

// domainPages is the number of 4-KiB pages covered by this allocator: the
// first 1 GiB of physical memory.
const domainPages = uint64(mem.Gb) / uint64(mem.PageSize)

// bitmapWords is the number of uint64 words the bitmap needs to cover
// domainPages bits (256 Kibit -> 32 KiB -> 4096 words).
var bitmapWords = bitmap.WordsFor(domainPages)

var (
	errNotInitialized = &kernel.Error{Module: "earlyalloc", Message: "early allocator has not been initialized"}
	errLedgerEmpty    = &kernel.Error{Module: "earlyalloc", Message: "linear map ledger is empty; it must run before the early allocator"}
	errOutOfMemory    = &kernel.Error{Module: "earlyalloc", Message: "no free pages left in the early allocator's domain"}

	bm            bitmap.Bitmap
	basePFN       pfn.PFN
	bitmapPFNSpan uint64
	initialized   bool

	// physToVirtFn is mocked by tests so the bitmap can be overlaid on
	// ordinary Go-allocated memory instead of a real LMAP mapping.
	physToVirtFn = vmm.PhysToVirt
)

// Init builds the early bitmap: it sizes and places the bitmap itself
// immediately after the last page recorded in the linear-map ledger, marks
// everything allocated, then clears the bits backed by firmware-reported
// free regions (clamped to the 1-GiB domain), and finally re-marks the
// bitmap's own frames and any remaining ledger frames as allocated.
func Init() *kernel.Error {
	ledgerPFNs := vmm.TempLedger().PFNs()
	if len(ledgerPFNs) == 0 {
		return errLedgerEmpty
	}

	lastLedgerPFN := ledgerPFNs[len(ledgerPFNs)-1]
	basePFN = pfn.PFN(uintptr(lastLedgerPFN) + 1)
	bitmapPFNSpan = (bitmapWords*8 + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	bm = bitmap.Over(overlayWords(basePFN, bitmapWords), domainPages)
	bm.SetAll()

	firmware.VisitRegions(func(e *firmware.MemoryMapEntry) bool {
		if e.Type != firmware.MemAvailable {
			return true
		}
		if e.PhysAddress >= uint64(mem.Gb) {
			return true
		}

		startPFN := e.PhysAddress >> mem.PageShift
		endPFN := (e.PhysAddress + e.Length) >> mem.PageShift
		if endPFN > domainPages {
			endPFN = domainPages
		}
		if endPFN > startPFN {
			bm.ClearRange(startPFN, endPFN-startPFN)
		}
		return true
	})

	bm.SetRange(uint64(basePFN), bitmapPFNSpan)

	for _, p := range ledgerPFNs {
		pfnVal := uint64(p)
		if pfnVal >= uint64(basePFN) && pfnVal < uint64(basePFN)+bitmapPFNSpan {
			continue
		}
		if pfnVal < domainPages {
			bm.Set(pfnVal)
		}
	}

	initialized = true
	return nil
}

// overlayWords returns a []uint64 view of n words of physical memory
// starting at base, addressed through the linear map. It does not clear
// the memory.
func overlayWords(base pfn.PFN, n uint64) []uint64 {
	addr := physToVirtFn(base.Address())
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(n),
		Cap:  int(n),
	}))
}

// Alloc reserves pages contiguous 4-KiB frames in [0, 1 GiB) and returns
// their LMAP virtual address, or an error if no run of that length is free.
func Alloc(pages uint64) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}

	start, ok := bm.FirstFit(pages)
	if !ok {
		return 0, errOutOfMemory
	}

	bm.SetRange(start, pages)
	return physToVirtFn(pfn.PFN(start).Address()), nil
}

// FreePages returns the number of still-unallocated pages in this
// allocator's domain.
func FreePages() uint64 {
	if !initialized {
		return 0
	}

	var free uint64
	for bit := uint64(0); bit < domainPages; bit++ {
		if !bm.Test(bit) {
			free++
		}
	}
	return free
}

// SetPhysToVirtForTesting overrides the physical-to-virtual translation
// used by Init and Alloc. It exists so tests of downstream consumers (the
// global bitmap builder) can drive this package against fake backing
// memory instead of a real linear map. It returns a function that restores
// the previous translator.
func SetPhysToVirtForTesting(fn func(uintptr) uintptr) (restore func()) {
	prev := physToVirtFn
	physToVirtFn = fn
	return func() { physToVirtFn = prev }
}

// Bitmap exposes the underlying occupancy bitmap so the global bitmap
// builder can copy its state over.
func Bitmap() *bitmap.Bitmap {
	return &bm
}

// BasePFN returns the first PFN occupied by the early bitmap's own backing
// storage, and span returns how many PFNs it occupies — the global bitmap
// builder needs both to clear them once the early allocator is retired.
func BasePFN() (base pfn.PFN, span uint64) {
	return basePFN, bitmapPFNSpan
}
