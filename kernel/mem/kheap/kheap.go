// Package kheap translates byte-sized allocation requests into buddy-order
// page allocations. It is a thin shim: the only policy it owns is the
// downward zone fallback the core buddy allocator deliberately does not
// implement itself.
package kheap

import (
	"vanadium/kernel"
	"vanadium/kernel/mem"
	"vanadium/kernel/mem/pfn"
	"vanadium/kernel/mem/pmm/buddy"
)

var (
	errZeroSize = &kernel.Error{Module: "kheap", Message: "allocation size must be non-zero"}
	errTooLarge = &kernel.Error{Module: "kheap", Message: "requested size exceeds the largest buddy order"}

	// allocPagesFn and freePagesFn are mocked by tests.
	allocPagesFn = buddy.AllocPages
	freePagesFn  = buddy.FreePages
)

// sizeToOrder returns the smallest order whose block can hold size bytes.
// A size that fits in a single page is order 0; size==0 is the caller's
// responsibility to reject before calling this.
func sizeToOrder(size uint64) uint8 {
	pageCount := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if pageCount <= 1 {
		return 0
	}

	pageCount--
	var order uint8
	for pageCount > 0 {
		pageCount >>= 1
		order++
	}
	return order
}

// Alloc allocates enough pages to hold size bytes, preferring zone and
// falling back to progressively lower zones (never higher) when the
// preferred one is exhausted.
func Alloc(size uint64, zone buddy.Zone) (pfn.PFN, *kernel.Error) {
	if size == 0 {
		return pfn.Invalid, errZeroSize
	}

	order := sizeToOrder(size)
	if order >= mem.MaxOrder {
		return pfn.Invalid, errTooLarge
	}

	var lastErr *kernel.Error
	for z := int16(zone); z >= int16(buddy.ZoneDMA); z-- {
		p, err := allocPagesFn(order, buddy.Zone(z))
		if err == nil {
			return p, nil
		}
		lastErr = err
	}

	return pfn.Invalid, lastErr
}

// Free releases a block previously returned by Alloc.
func Free(p pfn.PFN) *kernel.Error {
	return freePagesFn(p)
}
