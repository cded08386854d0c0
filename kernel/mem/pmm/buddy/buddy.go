// Package buddy implements the zoned, order-based page allocator: zone
// layout, the frame metadata table, and split/merge/coalesce over
// address-ordered free lists. It is the only allocator left in the hot
// path once bring-up completes; globalmap and earlyalloc are retired by
// the time Init returns.
package buddy

import (
	"reflect"
	"unsafe"

	"vanadium/kernel"
	"vanadium/kernel/mem"
	"vanadium/kernel/mem/pfn"
	"vanadium/kernel/mem/pmm/globalmap"
	"vanadium/kernel/mem/vmm"
	"vanadium/kernel/sync"
)

// Zone identifies a frame's addressability class. Zones are ordered
// DMA < DMA32 < Normal; fallback (in the heap shim) only ever walks
// downward from a caller's preferred zone toward DMA.
type Zone uint8

const (
	ZoneDMA Zone = iota
	ZoneDMA32
	ZoneNormal
	zoneCount = 3
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "NORMAL"
	default:
		return "?"
	}
}

// zoneNone marks a frame that has not been assigned to any zone (it lies
// beyond max_pfn, or the table slot was never seeded).
const zoneNone = Zone(0xFF)

const (
	dmaEndPFN    = uint64(16) * uint64(mem.Mb) / uint64(mem.PageSize)
	dma32Ceiling = uint64(4) * uint64(mem.Gb) / uint64(mem.PageSize)
)

var (
	errBadOrder     = &kernel.Error{Module: "buddy", Message: "order out of range"}
	errBadZone      = &kernel.Error{Module: "buddy", Message: "zone out of range"}
	errZoneEmpty    = &kernel.Error{Module: "buddy", Message: "requested zone has no frames"}
	errOutOfMemory  = &kernel.Error{Module: "buddy", Message: "no free block of that order in the requested zone"}
	errNotAllocated = &kernel.Error{Module: "buddy", Message: "pfn does not refer to an allocated block head"}
	errNotReady     = &kernel.Error{Module: "buddy", Message: "buddy allocator has not been initialized"}
)

// frameRecord is the per-frame metadata entry (spec.md §3's "frame
// metadata table"). Free-list linkage is by PFN, indexing back into this
// same table, rather than by a pointer embedded in the free page itself:
// an index survives being read back before or after the page it names is
// mapped, and needs no physical/virtual translation to follow.
type frameRecord struct {
	zone     Zone
	order    uint8
	isHead   bool
	isFree   bool
	refCount uint32
	mapCount uint32
	prev     pfn.PFN
	next     pfn.PFN
}

type freeArea struct {
	head pfn.PFN
}

// zoneState mirrors spec.md's zone_t. The lock is padded onto its own
// cache line by sync.Spinlock so a core spinning on one zone does not
// bounce cache lines belonging to an adjacent zone or the table lock.
type zoneState struct {
	lock     sync.Spinlock
	startPFN pfn.PFN
	endPFN   pfn.PFN
	areas    [mem.MaxOrder]freeArea
}

var (
	// tableLock is the frame-metadata lock (mem_block.lock in spec.md
	// §5): outermost in the lock order. Acquire it, then at most one
	// zoneState.lock; never the reverse, never two zone locks at once.
	tableLock sync.Spinlock

	zones [zoneCount]zoneState
	table []frameRecord

	initialized bool

	// physToVirtFn is mocked by tests.
	physToVirtFn = vmm.PhysToVirt
)

// Init builds the zone layout, allocates the frame metadata table out of
// the global bitmap, and seeds per-zone free lists from the global
// bitmap's occupancy. After it returns successfully AllocPages/FreePages
// are safe to call concurrently.
func Init() *kernel.Error {
	maxPFN := globalmap.MaxPFN()
	if !maxPFN.IsValid() {
		return errNotReady
	}

	initZones(maxPFN)

	if err := allocTable(maxPFN); err != nil {
		return err
	}

	seedZonesFromBitmap()

	initialized = true
	return nil
}

func initZones(maxPFN pfn.PFN) {
	zones[ZoneDMA] = zoneState{startPFN: 0, endPFN: pfn.PFN(dmaEndPFN)}

	if uint64(maxPFN) < dma32Ceiling {
		zones[ZoneDMA32] = zoneState{startPFN: pfn.PFN(dmaEndPFN), endPFN: maxPFN + 1}
		zones[ZoneNormal] = zoneState{startPFN: 0, endPFN: 0}
	} else {
		zones[ZoneDMA32] = zoneState{startPFN: pfn.PFN(dmaEndPFN), endPFN: pfn.PFN(dma32Ceiling)}
		zones[ZoneNormal] = zoneState{startPFN: pfn.PFN(dma32Ceiling), endPFN: maxPFN + 1}
	}

	for z := range zones {
		for o := range zones[z].areas {
			zones[z].areas[o].head = pfn.Invalid
		}
	}
}

func allocTable(maxPFN pfn.PFN) *kernel.Error {
	n := uint64(maxPFN) + 1
	recordSize := uint64(unsafe.Sizeof(frameRecord{}))
	bytes := n * recordSize
	pages := (bytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	start, err := globalmap.Alloc(pages)
	if err != nil {
		return err
	}

	table = overlayRecords(physToVirtFn(start.Address()), n)
	for i := range table {
		table[i] = frameRecord{zone: zoneNone, prev: pfn.Invalid, next: pfn.Invalid}
	}
	return nil
}

func overlayRecords(addr uintptr, n uint64) []frameRecord {
	return *(*[]frameRecord)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(n),
		Cap:  int(n),
	}))
}

// seedZonesFromBitmap walks each zone's PFN range against the global
// bitmap once, single-threaded (no secondary cores yet, so no locking):
// allocated bits become order-0 allocated heads, and maximal free runs are
// greedily carved into the largest aligned blocks and linked into the
// zone's free lists.
func seedZonesFromBitmap() {
	bm := globalmap.Bitmap()

	for z := Zone(0); z < zoneCount; z++ {
		zs := &zones[z]
		if zs.startPFN >= zs.endPFN {
			continue
		}

		p := uint64(zs.startPFN)
		end := uint64(zs.endPFN)

		for p < end {
			if bm.Test(p) {
				table[p] = frameRecord{zone: z, order: 0, isHead: true, refCount: 1, prev: pfn.Invalid, next: pfn.Invalid}
				p++
				continue
			}

			runStart := p
			for p < end && !bm.Test(p) {
				p++
			}
			carveFreeRun(z, runStart, p-runStart)
		}
	}
}

func carveFreeRun(z Zone, start, length uint64) {
	cur, remaining := start, length
	for remaining > 0 {
		order := bestOrder(cur, remaining)
		blockSize := uint64(1) << order

		markBlock(cur, order, z, true, 0)
		addToFreeList(z, order, pfn.PFN(cur))

		cur += blockSize
		remaining -= blockSize
	}
}

// bestOrder picks the largest order whose block both fits in remaining
// pages and is naturally aligned at addr.
func bestOrder(addr, remaining uint64) uint8 {
	for order := mem.MaxOrder - 1; order >= 0; order-- {
		size := uint64(1) << uint(order)
		if size <= remaining && addr&(size-1) == 0 {
			return uint8(order)
		}
	}
	return 0
}

func markBlock(start uint64, order uint8, z Zone, isFree bool, refCount uint32) {
	pages := uint64(1) << order
	for i := uint64(0); i < pages; i++ {
		table[start+i] = frameRecord{
			zone:     z,
			order:    order,
			isHead:   i == 0,
			isFree:   isFree,
			refCount: refCount,
			prev:     pfn.Invalid,
			next:     pfn.Invalid,
		}
	}
}

// addToFreeList inserts p, already carrying the given zone/order in its
// own record, into zones[z].areas[order] in ascending-PFN order. Callers
// must hold tableLock and zones[z].lock (or run during single-threaded
// bring-up).
func addToFreeList(z Zone, order uint8, p pfn.PFN) {
	area := &zones[z].areas[order]
	table[p].prev = pfn.Invalid
	table[p].next = pfn.Invalid

	if !area.head.IsValid() {
		area.head = p
		return
	}

	var prev pfn.PFN = pfn.Invalid
	cur := area.head
	for cur.IsValid() && cur < p {
		prev = cur
		cur = table[cur].next
	}

	if !prev.IsValid() {
		table[p].next = area.head
		table[area.head].prev = p
		area.head = p
		return
	}

	table[prev].next = p
	table[p].prev = prev
	table[p].next = cur
	if cur.IsValid() {
		table[cur].prev = p
	}
}

// removeFromFreeList unlinks p from whatever free list its own record
// names (via its zone/order fields). Callers must hold tableLock and the
// owning zone's lock.
func removeFromFreeList(p pfn.PFN) {
	rec := &table[p]
	if rec.zone == zoneNone {
		return
	}

	area := &zones[rec.zone].areas[rec.order]
	prev, next := rec.prev, rec.next

	if !prev.IsValid() {
		area.head = next
	} else {
		table[prev].next = next
	}
	if next.IsValid() {
		table[next].prev = prev
	}
}

// splitBlock halves the block headed at p (order must be ≥1) into two
// order-1 blocks, re-linking both into free_areas[order-1]. The left half
// keeps p's PFN.
func splitBlock(p pfn.PFN) pfn.PFN {
	rec := table[p]
	zone, order := rec.zone, rec.order
	buddy := pfn.PFN(uint64(p) ^ (uint64(1) << (order - 1)))

	removeFromFreeList(p)

	markBlock(uint64(p), order-1, zone, true, 0)
	markBlock(uint64(buddy), order-1, zone, true, 0)

	addToFreeList(zone, order-1, p)
	addToFreeList(zone, order-1, buddy)

	return p
}

// mergeBlocks combines two free buddies of the same order and zone into a
// single block of order+1, linked into the higher free list. It fails
// (second return false) if p1/p2 are not in fact buddies.
func mergeBlocks(p1, p2 pfn.PFN) (pfn.PFN, bool) {
	r1, r2 := table[p1], table[p2]
	if r1.order != r2.order || r1.zone != r2.zone {
		return pfn.Invalid, false
	}
	if (uint64(p1) ^ uint64(p2)) != (uint64(1) << r1.order) {
		return pfn.Invalid, false
	}

	merged := p1
	if p2 < p1 {
		merged = p2
	}
	newOrder := r1.order + 1

	removeFromFreeList(p1)
	removeFromFreeList(p2)
	addToFreeList(r1.zone, newOrder, merged)

	pages := uint64(1) << newOrder
	for i := uint64(0); i < pages; i++ {
		cur := &table[uint64(merged)+i]
		cur.isHead = i == 0
		cur.order = newOrder
		cur.isFree = true
	}

	return merged, true
}

// AllocPages allocates a 2^order-page block from zone, splitting a larger
// free block if no exact-order block is available. It does not fall back
// to other zones; that policy belongs to the caller (the heap shim).
func AllocPages(order uint8, zone Zone) (pfn.PFN, *kernel.Error) {
	if !initialized {
		return pfn.Invalid, errNotReady
	}
	if order >= mem.MaxOrder {
		return pfn.Invalid, errBadOrder
	}
	if zone >= zoneCount {
		return pfn.Invalid, errBadZone
	}

	tableLock.Acquire()
	defer tableLock.Release()

	zs := &zones[zone]
	if zs.startPFN >= zs.endPFN {
		return pfn.Invalid, errZoneEmpty
	}

	zs.lock.Acquire()
	defer zs.lock.Release()

	var found pfn.PFN = pfn.Invalid
	var foundOrder uint8
	for co := order; co < mem.MaxOrder; co++ {
		head := zs.areas[co].head
		if !head.IsValid() {
			continue
		}
		rec := &table[head]
		if !rec.isFree || rec.order != co || rec.zone != zone {
			continue
		}
		found, foundOrder = head, co
		break
	}

	if !found.IsValid() {
		return pfn.Invalid, errOutOfMemory
	}

	p := found
	for co := foundOrder; co > order; co-- {
		p = splitBlock(p)
	}

	removeFromFreeList(p)

	pages := uint64(1) << order
	for i := uint64(0); i < pages; i++ {
		rec := &table[uint64(p)+i]
		rec.isFree = false
		rec.isHead = i == 0
		rec.refCount = 1
	}

	return p, nil
}

// FreePages releases a block previously returned by AllocPages. Freeing an
// interior frame, a still-free block, or decrementing ref_count to a value
// still above zero is a no-op, not an error: misuse must not corrupt
// allocator state (spec.md §7 class 3).
func FreePages(p pfn.PFN) *kernel.Error {
	if !initialized {
		return errNotReady
	}
	if !p.IsValid() || uint64(p) >= uint64(len(table)) {
		return errNotAllocated
	}

	zone := table[p].zone
	if zone == zoneNone {
		return errNotAllocated
	}

	tableLock.Acquire()
	defer tableLock.Release()

	zs := &zones[zone]
	zs.lock.Acquire()
	defer zs.lock.Release()

	rec := &table[p]
	if !rec.isHead || rec.isFree {
		return nil
	}

	order := rec.order
	pages := uint64(1) << order
	for i := uint64(0); i < pages; i++ {
		cur := &table[uint64(p)+i]
		if cur.refCount > 0 {
			cur.refCount--
		}
	}
	if rec.refCount > 0 {
		return nil
	}

	for i := uint64(0); i < pages; i++ {
		table[uint64(p)+i].isFree = true
	}
	addToFreeList(zone, order, p)

	coalesce(p, order)
	return nil
}

// coalesce repeatedly merges the block at p with its buddy, as long as the
// buddy is free and is the immediate neighbor in the free list (the
// consequence of address-ordered lists spec.md §4.6 relies on instead of
// scanning).
func coalesce(p pfn.PFN, order uint8) {
	curPFN, curOrder := p, order

	for curOrder < mem.MaxOrder-1 {
		isLeft := uint64(curPFN)&(uint64(1)<<curOrder) == 0

		var merged pfn.PFN
		var ok bool
		if isLeft {
			buddy := pfn.PFN(uint64(curPFN) + (uint64(1) << curOrder))
			if table[curPFN].next == buddy {
				merged, ok = mergeBlocks(curPFN, buddy)
			}
		} else {
			buddy := pfn.PFN(uint64(curPFN) - (uint64(1) << curOrder))
			if table[curPFN].prev == buddy {
				merged, ok = mergeBlocks(buddy, curPFN)
			}
		}

		if !ok {
			return
		}
		curPFN = merged
		curOrder = table[merged].order
	}
}

// Ready reports whether Init has completed.
func Ready() bool {
	return initialized
}
