// Package globalmap builds the system-wide frame occupancy bitmap once the
// full firmware memory map is available, and retires the earlyalloc
// allocator into it. It also serves as the second-stage, first-fit
// allocator the buddy package uses once, at bring-up, to carve out the
// frame-metadata table's own backing pages.
package globalmap

import (
	"reflect"
	"unsafe"

	"vanadium/kernel"
	"vanadium/kernel/mem"
	"vanadium/kernel/mem/bitmap"
	"vanadium/kernel/mem/firmware"
	"vanadium/kernel/mem/pfn"
	"vanadium/kernel/mem/pmm/earlyalloc"
)

var (
	errNotInitialized = &kernel.Error{Module: "globalmap", Message: "global bitmap has not been initialized"}
	errNoMemory       = &kernel.Error{Module: "globalmap", Message: "no memory reported by the firmware memory map"}
	errOutOfMemory    = &kernel.Error{Module: "globalmap", Message: "no free run of that length in the global bitmap"}

	bm          bitmap.Bitmap
	maxPFN      pfn.PFN
	initialized bool
)

// MaxPFN returns the highest frame number inside any region the firmware
// memory map marks as available; reserved regions do not count. Valid only
// after Init returns successfully.
func MaxPFN() pfn.PFN {
	return maxPFN
}

// Bitmap exposes the global occupancy bitmap, e.g. so the buddy package can
// walk it while seeding its free lists.
func Bitmap() *bitmap.Bitmap {
	return &bm
}

func computeMaxPFN() pfn.PFN {
	var maxEnd uint64
	firmware.VisitRegions(func(e *firmware.MemoryMapEntry) bool {
		if e.Type != firmware.MemAvailable {
			return true
		}
		end := (e.PhysAddress + e.Length) >> mem.PageShift
		if end > maxEnd {
			maxEnd = end
		}
		return true
	})
	if maxEnd == 0 {
		return pfn.Invalid
	}
	return pfn.PFN(maxEnd - 1)
}

// Init computes the highest available frame, sizes and places the global
// bitmap over pages borrowed from earlyalloc, clears every firmware-free
// frame, then inherits the early bitmap's occupancy verbatim over the
// domain it covers and finally clears the early bitmap's own backing
// frames: the early allocator's job ends here.
func Init() *kernel.Error {
	maxPFN = computeMaxPFN()
	if !maxPFN.IsValid() {
		return errNoMemory
	}

	bits := uint64(maxPFN) + 1
	words := bitmap.WordsFor(bits)
	pages := (words*8 + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	addr, err := earlyalloc.Alloc(pages)
	if err != nil {
		return err
	}

	bm = bitmap.Over(overlayWords(addr, words), bits)
	bm.SetAll()

	firmware.VisitRegions(func(e *firmware.MemoryMapEntry) bool {
		if e.Type != firmware.MemAvailable {
			return true
		}
		start := e.PhysAddress >> mem.PageShift
		end := (e.PhysAddress + e.Length) >> mem.PageShift
		if end > bits {
			end = bits
		}
		if end > start {
			bm.ClearRange(start, end-start)
		}
		return true
	})

	bm.CopyFrom(earlyalloc.Bitmap())

	// The early bitmap's own backing frames were allocated out of its
	// domain and now show up as occupied in the copy above. Reclaim them:
	// the global bitmap lives in its own frames from here on.
	basePFN, span := earlyalloc.BasePFN()
	bm.ClearRange(uint64(basePFN), span)

	initialized = true
	return nil
}

// overlayWords returns a []uint64 view of n words at the virtual address
// addr, which must already be mapped (it comes from earlyalloc, which
// allocates via the linear map).
func overlayWords(addr uintptr, n uint64) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(n),
		Cap:  int(n),
	}))
}

// Alloc reserves pages contiguous frames anywhere in the global bitmap's
// domain and returns the PFN of the first one. It is a one-shot, first-fit
// allocator used only to carve out the frame-metadata table itself; once
// the buddy allocator is up, all further allocation goes through it
// instead.
func Alloc(pages uint64) (pfn.PFN, *kernel.Error) {
	if !initialized {
		return pfn.Invalid, errNotInitialized
	}

	start, ok := bm.FirstFit(pages)
	if !ok {
		return pfn.Invalid, errOutOfMemory
	}

	bm.SetRange(start, pages)
	return pfn.PFN(start), nil
}
