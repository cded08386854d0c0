package vmm

import (
	"unsafe"

	"vanadium/kernel"
	"vanadium/kernel/cpu"
	"vanadium/kernel/mem"
	"vanadium/kernel/mem/firmware"
	"vanadium/kernel/mem/pfn"
)

const (
	pageTableEntries = 512

	// lmapTopLevelEntries is the number of top-level (PML4) entries that
	// must be populated to cover LMapSize: each entry's PDPT in turn
	// covers pageTableEntries 1-GiB leaves, so
	// lmapTopLevelEntries*pageTableEntries*1GiB == LMapSize.
	lmapTopLevelEntries = uintptr(mem.LMapSize) / (pageTableEntries * uintptr(mem.Gb))

	// scratchRegionSize is the amount of scratch memory the bootstrap
	// bump-allocates page-table pages from.
	scratchRegionSize = 2 * uintptr(mem.Mb)

	// scratchRegionCeiling bounds where the scratch region may start;
	// firmware is assumed to have already identity-mapped this range.
	scratchRegionCeiling = uint64(16) * uint64(mem.Gb)
)

var (
	// activePDTFn and switchPDTFn are mocked by tests.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	errNoScratchMemory = &kernel.Error{Module: "vmm", Message: "no scratch memory available for linear map bootstrap"}
	errScratchExhausted = &kernel.Error{Module: "vmm", Message: "linear map scratch region exhausted"}

	ledger Ledger
)

// Ledger records the PFNs of page-table pages allocated while the linear
// map was being built, so the early bitmap allocator can mark them used.
// Its capacity is fixed: the bootstrap never allocates more than
// mem.TempLedgerCap pages (16 PDPTs, in practice).
type Ledger struct {
	pfns  [mem.TempLedgerCap]pfn.PFN
	count int
}

// PFNs returns the recorded frames.
func (l *Ledger) PFNs() []pfn.PFN {
	return l.pfns[:l.count]
}

// Record appends p to the ledger. It is exported so tests of downstream
// consumers (the early bitmap allocator) can seed a ledger without running
// the full linear-map bootstrap.
func (l *Ledger) Record(p pfn.PFN) *kernel.Error {
	if l.count >= len(l.pfns) {
		return errScratchExhausted
	}
	l.pfns[l.count] = p
	l.count++
	return nil
}

// TempLedger returns the bootstrap's allocation ledger.
func TempLedger() *Ledger {
	return &ledger
}

// scratchBumpAllocator hands out zeroed 4-KiB pages from a fixed physical
// region, in ascending address order, and records each one in the ledger.
type scratchBumpAllocator struct {
	next, limit uintptr
}

func (s *scratchBumpAllocator) allocPage() (uintptr, *kernel.Error) {
	if s.next+uintptr(mem.PageSize) > s.limit {
		return 0, errScratchExhausted
	}

	addr := s.next
	s.next += uintptr(mem.PageSize)

	kernel.Memset(addr, 0, uintptr(mem.PageSize))
	if err := ledger.Record(pfn.FromAddress(addr)); err != nil {
		return 0, err
	}

	return addr, nil
}

// findScratchRegion returns the physical base of a free, firmware-reported
// region of at least size bytes that starts below scratchRegionCeiling.
func findScratchRegion(size uintptr) (uintptr, *kernel.Error) {
	var found uintptr

	firmware.VisitRegions(func(e *firmware.MemoryMapEntry) bool {
		if e.Type != firmware.MemAvailable {
			return true
		}
		if e.PhysAddress < scratchRegionCeiling && e.Length >= uint64(size) {
			found = uintptr(e.PhysAddress)
			return false
		}
		return true
	})

	if found == 0 {
		return 0, errNoScratchMemory
	}
	return found, nil
}

func pml4Index(addr uintptr) uintptr { return (addr >> 39) & (pageTableEntries - 1) }
func pdptIndex(addr uintptr) uintptr { return (addr >> 30) & (pageTableEntries - 1) }

// Setup builds the linear map: a virtual window starting at mem.LMapBase
// that aliases [0, mem.LMapSize) of physical memory one-to-one using 1-GiB
// pages. After Setup returns without error, for any physical address
// P < mem.LMapSize, mem.LMapBase+P is a valid, present, writable virtual
// address mapping P.
func Setup() *kernel.Error {
	scratchBase, err := findScratchRegion(scratchRegionSize)
	if err != nil {
		return err
	}

	alloc := &scratchBumpAllocator{next: scratchBase, limit: scratchBase + scratchRegionSize}

	pml4Phys := activePDTFn()
	pml4 := (*[pageTableEntries]pageTableEntry)(unsafe.Pointer(pml4Phys))

	baseIdx := pml4Index(mem.LMapBase)
	for i := uintptr(0); i < lmapTopLevelEntries; i++ {
		idx := baseIdx + i
		if !pml4[idx].HasFlags(FlagPresent) {
			pdptPhys, err := alloc.allocPage()
			if err != nil {
				return err
			}
			pml4[idx] = pageTableEntry(pdptPhys)
			pml4[idx].SetFlags(FlagPresent | FlagRW)
		}
	}

	totalLeaves := uintptr(mem.LMapSize / mem.Gb)
	for i := uintptr(0); i < totalLeaves; i++ {
		virt := mem.LMapBase + i*uintptr(mem.Gb)
		phys := i * uintptr(mem.Gb)

		pdptPhys := uintptr(pml4[pml4Index(virt)]) & ptePhysPageMask
		pdpt := (*[pageTableEntries]pageTableEntry)(unsafe.Pointer(pdptPhys))

		entry := &pdpt[pdptIndex(virt)]
		*entry = pageTableEntry(phys)
		entry.SetFlags(FlagPresent | FlagRW | FlagHugePage)
	}

	switchPDTFn(pml4Phys)
	return nil
}

// PhysToVirt returns the LMAP virtual address aliasing the given physical
// address. The caller is responsible for ensuring physAddr < mem.LMapSize.
func PhysToVirt(physAddr uintptr) uintptr {
	return mem.LMapBase + physAddr
}

// VirtToPhys is the inverse of PhysToVirt.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - mem.LMapBase
}
