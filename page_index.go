package memwatch

import "sync"

// pageBucket is the engine's per-protected-page metadata: every region
// overlapping the page. The bucket is empty when len(regionIDs) is zero.
type pageBucket struct {
	base      uintptr
	regionIDs []RegionID
}

func (b *pageBucket) remove(id RegionID) {
	for i, cand := range b.regionIDs {
		if cand == id {
			b.regionIDs = append(b.regionIDs[:i], b.regionIDs[i+1:]...)
			return
		}
	}
}

func (b *pageBucket) contains(id RegionID) bool {
	for _, cand := range b.regionIDs {
		if cand == id {
			return true
		}
	}
	return false
}

// pageArmer is implemented by a capture backend; the page index calls
// it off the signal path (from Watch/Unwatch, never from the trap
// handler) whenever a page transitions between the Clean and Armed
// states of §4.9.
type pageArmer interface {
	ArmPage(base uintptr) error
	DisarmPage(base uintptr) error
}

// pageIndex maps a protected page's base address to the regions that
// overlap it. Lookups from the worker happen off the signal path, so a
// plain mutex-guarded map is sufficient (§4.2): page bases are sparse
// and the hot path (the trap handler / uffd poller) never touches this
// structure directly, only the ring.
type pageIndex struct {
	pageSize uintptr
	armer    pageArmer

	mu      sync.RWMutex
	buckets map[uintptr]*pageBucket
}

func newPageIndex(pageSize uintptr, armer pageArmer) *pageIndex {
	return &pageIndex{
		pageSize: pageSize,
		armer:    armer,
		buckets:  make(map[uintptr]*pageBucket),
	}
}

// attachRegion attaches r to every page it overlaps, arming protection
// on any page that previously had no regions. On arming failure for any
// page, already-attached pages for this region are rolled back so a
// failed Watch leaves no partial state.
func (p *pageIndex) attachRegion(r *Region) error {
	pages := r.pages(p.pageSize)
	attached := make([]uintptr, 0, len(pages))

	rollback := func() {
		for _, base := range attached {
			p.detachOne(base, r.ID)
		}
	}

	p.mu.Lock()
	for _, base := range pages {
		b, ok := p.buckets[base]
		firstOnPage := !ok
		if !ok {
			b = &pageBucket{base: base}
			p.buckets[base] = b
		}
		b.regionIDs = append(b.regionIDs, r.ID)
		attached = append(attached, base)

		if firstOnPage {
			p.mu.Unlock()
			if err := p.armer.ArmPage(base); err != nil {
				p.mu.Lock()
				p.buckets[base].remove(r.ID)
				p.mu.Unlock()
				rollback()
				return NewError(PlatformFail, err)
			}
			p.mu.Lock()
		}
	}
	p.mu.Unlock()
	return nil
}

// detachRegion removes r from every page it overlaps, disarming
// protection on any page that becomes empty.
func (p *pageIndex) detachRegion(r *Region) {
	for _, base := range r.pages(p.pageSize) {
		p.detachOne(base, r.ID)
	}
}

func (p *pageIndex) detachOne(base uintptr, id RegionID) {
	p.mu.Lock()
	b, ok := p.buckets[base]
	if !ok {
		p.mu.Unlock()
		return
	}
	b.remove(id)
	empty := len(b.regionIDs) == 0
	if empty {
		delete(p.buckets, base)
	}
	p.mu.Unlock()

	if empty {
		_ = p.armer.DisarmPage(base)
	}
}

// find returns the region IDs overlapping base, in registration order.
func (p *pageIndex) find(base uintptr) []RegionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.buckets[base]
	if !ok {
		return nil
	}
	out := make([]RegionID, len(b.regionIDs))
	copy(out, b.regionIDs)
	return out
}

// pageCount returns the number of currently protected pages.
func (p *pageIndex) pageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buckets)
}

// rearm re-arms write protection on base after the Worker's coalescing
// window elapses (TempWritable → Armed in §4.9). A no-op if base is no
// longer tracked is the armer's concern, not this index's.
func (p *pageIndex) rearm(base uintptr) error {
	return p.armer.ArmPage(base)
}

// alreadyTracks reports whether base is a page this index already
// protects. Watch does not call it; foreign-protection detection relies
// on the backend's Register instead.
func (p *pageIndex) alreadyTracks(base uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.buckets[base]
	return ok
}

// Pages implements capture.PageSource for the sampling backend: a
// snapshot of every currently protected page base.
func (p *pageIndex) Pages() []uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uintptr, 0, len(p.buckets))
	for base := range p.buckets {
		out = append(out, base)
	}
	return out
}
