package memwatch

import (
	"sync"
	"unsafe"
)

// RegionID stably and uniquely identifies a watched region for the
// lifetime of the process. 0 is reserved for "invalid".
type RegionID uint32

// InvalidRegionID is the zero value returned by Watch on failure.
const InvalidRegionID RegionID = 0

// AdapterID namespaces region IDs by the language binding or subsystem
// that registered them.
type AdapterID uint32

// InvalidAdapterID is the zero value; no adapter is ever assigned it.
const InvalidAdapterID AdapterID = 0

// SnapshotMode controls whether a region keeps an in-engine byte
// snapshot between checks (§4.5) or relies solely on its rolling hash.
// Grounded on the TRACKING_MODE_FAST / TRACKING_MODE_FULL knob in the
// original C implementation's memwatch_unified.h.
type SnapshotMode int

const (
	// SnapshotAuto keeps a byte snapshot only for regions at or below
	// snapshotThreshold (4 KiB default), matching spec.md §4.5's default
	// rule.
	SnapshotAuto SnapshotMode = iota
	// SnapshotFull always keeps a byte snapshot regardless of region
	// size, trading memory for avoiding a live-memory re-read on every
	// preview.
	SnapshotFull
)

// snapshotThreshold is the default size at or below which SnapshotAuto
// regions keep an in-engine byte snapshot (spec.md §4.5).
const snapshotThreshold = 4096

// Region is one contiguous caller-registered byte range watched for
// changes. Its base address and length never change while it is alive;
// the memory it points to is assumed to be stable (not relocated by a
// garbage collector) for the region's lifetime — callers register
// mmap'd, malloc'd, or otherwise pinned memory, never a movable Go
// slice's backing array.
type Region struct {
	ID           RegionID
	Addr         uintptr
	Size         uintptr
	AdapterID    AdapterID
	Name         string
	Metadata     any
	SnapshotMode SnapshotMode

	mu       sync.Mutex
	hash     uint64
	snapshot []byte
	epoch    uint64
	// lastSpillKey is the Value Store key of this region's most recently
	// spilled full value. For regions above InlineValueCap the worker
	// takes the next diff's "old" value from this previously spilled
	// "new" record rather than from `snapshot` (which only a SnapshotFull
	// region of that size keeps), so the baseline taken at watch time is
	// the only full copy ever written for an unchanged region.
	lastSpillKey   string
	lastCheckNanos int64
}

// Bytes returns a view of the region's live memory. The returned slice
// aliases the watched memory directly; callers of package-internal code
// must not retain it past the current operation.
func (r *Region) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Addr)), r.Size)
}

// keepsSnapshot reports whether this region should keep an in-engine
// byte snapshot, per §4.5's "per-region snapshot storage" rule.
func (r *Region) keepsSnapshot() bool {
	return r.SnapshotMode == SnapshotFull || r.Size <= snapshotThreshold
}

// Overlaps reports whether [addr, addr+size) intersects this region.
func (r *Region) Overlaps(addr, size uintptr) bool {
	end := r.Addr + r.Size
	otherEnd := addr + size
	return r.Addr < otherEnd && addr < end
}

// pages returns every page-aligned base address this region overlaps,
// for a given page size.
func (r *Region) pages(pageSize uintptr) []uintptr {
	start := r.Addr &^ (pageSize - 1)
	end := (r.Addr + r.Size + pageSize - 1) &^ (pageSize - 1)
	pages := make([]uintptr, 0, (end-start)/pageSize)
	for p := start; p < end; p += pageSize {
		pages = append(pages, p)
	}
	return pages
}

// snapshotOf returns a full copy of b. Used to seed and refresh the
// in-engine snapshot.
func snapshotOf(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
