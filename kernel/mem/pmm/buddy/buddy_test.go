package buddy

import (
	"testing"

	"vanadium/kernel/mem"
	"vanadium/kernel/mem/pfn"
)

// setupToyZone resets the package's global state to a single ZoneDMA zone
// of numPages frames, seeded as one maximal aligned free block, and
// DMA32/Normal left empty. It bypasses the real bring-up pipeline so
// split/merge/coalesce behavior can be checked against exact PFNs.
func setupToyZone(numPages uint64) {
	table = make([]frameRecord, numPages)
	for i := range table {
		table[i] = frameRecord{zone: zoneNone, prev: pfn.Invalid, next: pfn.Invalid}
	}

	for z := range zones {
		zones[z] = zoneState{}
		for o := range zones[z].areas {
			zones[z].areas[o].head = pfn.Invalid
		}
	}
	zones[ZoneDMA].startPFN = 0
	zones[ZoneDMA].endPFN = pfn.PFN(numPages)

	order := uint8(0)
	for (uint64(1) << (order + 1)) <= numPages {
		order++
	}
	markBlock(0, order, ZoneDMA, true, 0)
	addToFreeList(ZoneDMA, order, pfn.PFN(0))

	initialized = true
}

func TestAllocPagesBasic(t *testing.T) {
	setupToyZone(16)

	p, err := AllocPages(2, ZoneDMA)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	if uint64(p)%4 != 0 {
		t.Errorf("expected order-2 block aligned to 4; got pfn %d", p)
	}
	if !table[p].isHead || table[p].isFree {
		t.Errorf("expected allocated head frame; got %+v", table[p])
	}
	if table[p].refCount != 1 {
		t.Errorf("expected refCount 1 after alloc; got %d", table[p].refCount)
	}
	for i := uint64(0); i < 4; i++ {
		if table[uint64(p)+i].isFree {
			t.Errorf("frame %d still marked free after alloc", uint64(p)+i)
		}
	}
}

func TestAllocPagesEmptyZone(t *testing.T) {
	setupToyZone(16)

	if _, err := AllocPages(0, ZoneDMA32); err != errZoneEmpty {
		t.Fatalf("expected errZoneEmpty; got %v", err)
	}
}

func TestAllocPagesBadOrder(t *testing.T) {
	setupToyZone(16)

	if _, err := AllocPages(mem.MaxOrder, ZoneDMA); err != errBadOrder {
		t.Fatalf("expected errBadOrder; got %v", err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	setupToyZone(16)

	p, err := AllocPages(3, ZoneDMA)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}

	if err := FreePages(p); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}

	if zones[ZoneDMA].areas[4].head != pfn.PFN(0) {
		t.Fatalf("expected the whole zone to re-coalesce into a single order-4 block at pfn 0; head=%v", zones[ZoneDMA].areas[4].head)
	}
	if !table[0].isFree || table[0].order != 4 {
		t.Fatalf("expected pfn 0 to be a free order-4 head; got %+v", table[0])
	}
}

func TestFreeInteriorFrameIsNoop(t *testing.T) {
	setupToyZone(16)

	p, err := AllocPages(2, ZoneDMA)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}

	if err := FreePages(p + 1); err != nil {
		t.Fatalf("expected nil (no-op) error freeing an interior frame; got %v", err)
	}
	if table[p].isFree {
		t.Error("expected the block to remain allocated after freeing an interior frame")
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	setupToyZone(16)

	p, err := AllocPages(0, ZoneDMA)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	if err := FreePages(p); err != nil {
		t.Fatalf("first FreePages failed: %v", err)
	}
	if err := FreePages(p); err != nil {
		t.Fatalf("expected nil (no-op) error on double free; got %v", err)
	}
}

// setupPartiallyAllocatedZone builds a 16-page ZoneDMA where pfns 0..3 are
// each allocated as their own order-0 block, pfns 4..7 are allocated as a
// single order-2 block, and pfns 8..15 are allocated as a single order-3
// block. Nothing starts out free, so freeing 0..3 can only ever coalesce
// up to order 2 — the order-2 sibling at pfn 4 and the order-3 sibling at
// pfn 8 stay allocated and block any further merge.
func setupPartiallyAllocatedZone() {
	const numPages = 16
	table = make([]frameRecord, numPages)
	for i := range table {
		table[i] = frameRecord{zone: zoneNone, prev: pfn.Invalid, next: pfn.Invalid}
	}

	for z := range zones {
		zones[z] = zoneState{}
		for o := range zones[z].areas {
			zones[z].areas[o].head = pfn.Invalid
		}
	}
	zones[ZoneDMA].startPFN = 0
	zones[ZoneDMA].endPFN = pfn.PFN(numPages)

	for i := uint64(0); i < 4; i++ {
		markBlock(i, 0, ZoneDMA, false, 1)
	}
	markBlock(4, 2, ZoneDMA, false, 1)
	markBlock(8, 3, ZoneDMA, false, 1)

	initialized = true
}

func TestCoalesceOutOfOrderFrees(t *testing.T) {
	setupPartiallyAllocatedZone()

	order := []pfn.PFN{1, 3, 0, 2}
	for _, p := range order {
		if err := FreePages(p); err != nil {
			t.Fatalf("FreePages(%v) failed: %v", p, err)
		}
	}

	if !table[0].isFree || table[0].order != 2 {
		t.Fatalf("expected pfns 0..3 to have coalesced into a single free order-2 block; got %+v", table[0])
	}
	if zones[ZoneDMA].areas[2].head != pfn.PFN(0) {
		t.Fatalf("expected order-2 free list to contain pfn 0; got %v", zones[ZoneDMA].areas[2].head)
	}
	for o := 0; o < 2; o++ {
		if zones[ZoneDMA].areas[o].head.IsValid() {
			t.Errorf("expected order-%d free list to be empty after full coalescing; got %v", o, zones[ZoneDMA].areas[o].head)
		}
	}
	// The order-2 and order-3 siblings were never freed; they must not
	// have been folded into any free list.
	if table[4].isFree || table[8].isFree {
		t.Error("expected the untouched sibling blocks at pfn 4 and pfn 8 to remain allocated")
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	setupToyZone(16)

	if _, err := AllocPages(5, ZoneDMA); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory for an order bigger than the whole zone; got %v", err)
	}
}

func TestAllocPagesBeforeInit(t *testing.T) {
	initialized = false
	if _, err := AllocPages(0, ZoneDMA); err != errNotReady {
		t.Fatalf("expected errNotReady; got %v", err)
	}
}
