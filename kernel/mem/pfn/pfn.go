// Package pfn defines the physical frame number type shared by every stage
// of the memory bring-up pipeline. A PFN only ever identifies a physical
// page; it carries no order or zone information of its own; that lives in
// the frame metadata table, which is the single source of truth for both.
package pfn

import (
	"math"

	"vanadium/kernel/mem"
)

// PFN identifies a physical memory page by its index, i.e. physAddr >> PageShift.
type PFN uintptr

// Invalid is returned by allocators when they fail to reserve a frame.
const Invalid = PFN(math.MaxUint64)

// IsValid returns true if this is not the sentinel Invalid value.
func (f PFN) IsValid() bool {
	return f != Invalid
}

// Address returns the physical address corresponding to this PFN.
func (f PFN) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FromAddress returns the PFN containing the given physical address.
func FromAddress(physAddr uintptr) PFN {
	return PFN(physAddr >> mem.PageShift)
}
