package firmware

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// buildBlob assembles a synthetic firmware handoff blob: a 128-byte header
// (only the Size field is populated) followed by the raw encoding of each
// entry.
func buildBlob(entries []struct {
	ptr, size uint64
	typeCode  uint32
}) []byte {
	blob := make([]byte, headerSize+len(entries)*int(rawEntrySize))
	binary.LittleEndian.PutUint64(blob[8:16], uint64(len(blob)))

	off := headerSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(blob[off:], e.ptr)
		binary.LittleEndian.PutUint64(blob[off+8:], e.size)
		binary.LittleEndian.PutUint32(blob[off+16:], e.typeCode)
		off += int(rawEntrySize)
	}

	return blob
}

func TestVisitRegions(t *testing.T) {
	blob := buildBlob([]struct {
		ptr, size uint64
		typeCode  uint32
	}{
		{0, 0x9FC00, rawFreeType},
		{0x9FC00, 0x400, 2},
		{0x100000, 0x7EE0000, rawFreeType},
	})

	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemEntryType
	}{
		{0, 0x9FC00, MemAvailable},
		{0x9FC00, 0x400, MemReserved},
		{0x100000, 0x7EE0000, MemAvailable},
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&blob[0])))

	var visitCount int
	VisitRegions(func(entry *MemoryMapEntry) bool {
		if visitCount >= len(specs) {
			t.Fatalf("visitor invoked more than %d times", len(specs))
		}
		spec := specs[visitCount]
		if entry.PhysAddress != spec.expPhys {
			t.Errorf("[visit %d] expected phys addr %x; got %x", visitCount, spec.expPhys, entry.PhysAddress)
		}
		if entry.Length != spec.expLen {
			t.Errorf("[visit %d] expected length %x; got %x", visitCount, spec.expLen, entry.Length)
		}
		if entry.Type != spec.expType {
			t.Errorf("[visit %d] expected type %v; got %v", visitCount, spec.expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected visitor to run %d times; got %d", len(specs), visitCount)
	}
}

func TestVisitRegionsStopsEarly(t *testing.T) {
	blob := buildBlob([]struct {
		ptr, size uint64
		typeCode  uint32
	}{
		{0, 0x1000, rawFreeType},
		{0x1000, 0x1000, rawFreeType},
		{0x2000, 0x1000, rawFreeType},
	})

	SetInfoPtr(uintptr(unsafe.Pointer(&blob[0])))

	var visitCount int
	VisitRegions(func(entry *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected visitor to stop after first call; ran %d times", visitCount)
	}
}

func TestVisitRegionsNoInfoPtr(t *testing.T) {
	SetInfoPtr(0)

	var visitCount int
	VisitRegions(func(entry *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Error("expected no visits when no info pointer has been set")
	}
}
