package memwatch

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/memwatch/ring"
)

// defaultCoalesceWindow and defaultIdleSleep are §4.5's W and idle-sleep
// defaults (5 ms, 1 ms respectively).
const (
	defaultCoalesceWindow = 5 * time.Millisecond
	defaultIdleSleep      = time.Millisecond
	defaultBatchSize      = 256
)

// ringSource is the minimal draining surface the Worker needs from
// ring.Ring.
type ringSource interface {
	Drain(out []ring.Event, max int) []ring.Event
}

// rearmer is the minimal surface the Worker needs to re-arm a page
// after its coalescing window elapses.
type rearmer interface {
	rearm(base uintptr) error
}

// valueSpiller is the minimal Value Store surface the Worker needs to
// spill payloads too large to inline. A nil valueSpiller means no store
// was configured; spills then degrade to Payload.Unavailable per
// §4.10's "engine continues without persistence-backed spill".
type valueSpiller interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
}

// worker is the Differ/Worker of §4.5: one dedicated goroutine draining
// the Event Ring, computing per-region diffs, and delivering Change
// Events.
type worker struct {
	src     ringSource
	regions *regionTable
	pages   *pageIndex
	hub     *subscriberHub
	store   valueSpiller
	armer   rearmer
	hasher  Hasher
	clock   Clock
	log     *slog.Logger

	coalesceWindow time.Duration
	idleSleep      time.Duration
	batchSize      int

	seq         atomic.Uint64
	totalEvents atomic.Uint64

	rearmMu      sync.Mutex
	pendingRearm map[uintptr]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newWorker(src ringSource, regions *regionTable, pages *pageIndex, hub *subscriberHub, store valueSpiller, armer rearmer, hasher Hasher, clock Clock, log *slog.Logger) *worker {
	return &worker{
		src:            src,
		regions:        regions,
		pages:          pages,
		hub:            hub,
		store:          store,
		armer:          armer,
		hasher:         hasher,
		clock:          clock,
		log:            log,
		coalesceWindow: defaultCoalesceWindow,
		idleSleep:      defaultIdleSleep,
		batchSize:      defaultBatchSize,
		pendingRearm:   make(map[uintptr]time.Time),
		stopCh:         make(chan struct{}),
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

// stop signals the Worker and blocks until its goroutine has finished
// draining and returned, per §5's "shutdown ... joins the Worker".
func (w *worker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *worker) run() {
	defer w.wg.Done()
	batch := make([]ring.Event, 0, w.batchSize)

	for {
		select {
		case <-w.stopCh:
			w.drainOnce(batch)
			return
		default:
		}

		batch = w.src.Drain(batch[:0], w.batchSize)
		if len(batch) == 0 {
			w.processDueRearms()
			select {
			case <-w.stopCh:
				w.drainOnce(batch)
				return
			case <-time.After(w.idleSleep):
			}
			continue
		}

		for _, ev := range batch {
			w.processPage(ev)
		}
		w.processDueRearms()
	}
}

// drainOnce does a final best-effort drain on shutdown so events
// produced just before the stop signal are not silently lost.
func (w *worker) drainOnce(batch []ring.Event) {
	for {
		batch = w.src.Drain(batch[:0], w.batchSize)
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			w.processPage(ev)
		}
	}
}

// processPage handles one Raw Event: re-hash every region overlapping
// the faulting page, publish a Change Event for each that actually
// changed, and schedule the page's re-arm.
func (w *worker) processPage(ev ring.Event) {
	ids := w.pages.find(ev.PageBase)
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		r, ok := w.regions.lookup(id)
		if !ok {
			continue
		}
		w.diffRegion(r, ev.FaultIP)
	}
	w.scheduleRearm(ev.PageBase)
}

// diffRegion re-hashes r and, if its content changed, publishes a
// Change Event.
func (w *worker) diffRegion(r *Region, faultIP uintptr) {
	r.mu.Lock()

	live := r.Bytes()
	newHash := w.hasher.Hash(live)
	r.lastCheckNanos = w.clock.NowNanos()
	if newHash == r.hash {
		r.mu.Unlock()
		return
	}

	newBytes := make([]byte, len(live))
	copy(newBytes, live)

	var oldBytes []byte
	if r.keepsSnapshot() {
		oldBytes = r.snapshot
	}

	epoch := r.epoch + 1
	oldPayload, newPayload, oldPreviewSrc := w.buildPayloads(r, oldBytes, newBytes, epoch)

	r.hash = newHash
	r.epoch = epoch
	if r.keepsSnapshot() {
		r.snapshot = snapshotOf(newBytes)
	}
	adapterID, regionID, name := r.AdapterID, r.ID, r.Name
	r.mu.Unlock()

	ev := ChangeEvent{
		Seq:            w.seq.Add(1),
		TimestampNanos: w.clock.NowNanos(),
		AdapterID:      adapterID,
		RegionID:       regionID,
		RegionName:     name,
		FaultIP:        faultIP,
		OldPreview:     preview(oldPreviewSrc),
		NewPreview:     preview(newBytes),
		OldValue:       oldPayload,
		NewValue:       newPayload,
		Epoch:          epoch,
	}
	w.hub.deliver(ev)
	w.totalEvents.Add(1)
}

// buildPayloads encodes old/new per §3: inline for regions at or below
// InlineValueCap, spilled to the Value Store otherwise. The "old" value
// for a spilling region comes from the Value Store, not from any
// in-memory snapshot (even a SnapshotFull region's snapshot is not
// consulted here): it is whatever was spilled as "new" at its previous
// epoch — the baseline captured at Watch time if this is the first
// diff, or Payload.Unavailable if no store was configured to hold it.
// It also returns the bytes the caller should derive OldPreview from:
// for an inline region that's oldBytes itself, for a spilling region
// it's the same previously-spilled value oldPayload is built from, so
// a region that never keeps an in-RAM snapshot still reports a non-empty
// OldPreview (§3/§6 require old_preview be populated whenever an old
// value exists at all, not only when it was inlined).
func (w *worker) buildPayloads(r *Region, oldBytes, newBytes []byte, epoch uint64) (oldPayload, newPayload Payload, oldPreviewSrc []byte) {
	if r.Size <= InlineValueCap {
		return Payload{Inline: oldBytes}, Payload{Inline: newBytes}, oldBytes
	}

	if w.store == nil {
		return Payload{Unavailable: true}, Payload{Unavailable: true}, nil
	}

	oldKey := fmt.Sprintf("mem/%d/%d/%d/old", r.AdapterID, r.ID, epoch)
	newKey := fmt.Sprintf("mem/%d/%d/%d/new", r.AdapterID, r.ID, epoch)

	if r.lastSpillKey != "" {
		if prev, err := w.store.Get([]byte(r.lastSpillKey)); err == nil {
			oldPreviewSrc = prev
			if err := w.store.Put([]byte(oldKey), prev); err == nil {
				oldPayload = Payload{StoreKey: oldKey}
			} else {
				oldPayload = Payload{Unavailable: true}
			}
		} else {
			oldPayload = Payload{Unavailable: true}
		}
	} else {
		oldPayload = Payload{Unavailable: true}
	}

	if err := w.store.Put([]byte(newKey), newBytes); err != nil {
		newPayload = Payload{Unavailable: true}
	} else {
		newPayload = Payload{StoreKey: newKey}
		r.lastSpillKey = newKey
	}
	return oldPayload, newPayload, oldPreviewSrc
}

// spillBaseline is called by Watch (never by the worker goroutine) to
// seed the Value Store with a region's content at registration time, so
// its first diff has a real "old" value to report (end-to-end scenario
// 4 in §8 requires this for regions that never keep an in-RAM
// snapshot).
func spillBaseline(store valueSpiller, r *Region) {
	if store == nil || r.Size <= InlineValueCap {
		return
	}
	key := fmt.Sprintf("mem/%d/%d/0/new", r.AdapterID, r.ID)
	if err := store.Put([]byte(key), r.Bytes()); err == nil {
		r.lastSpillKey = key
	}
}

// scheduleRearm defers re-arming base until the coalescing window
// elapses, so a burst of writes inside the window fuses into one diff
// instead of re-arming (and re-faulting) after every single write.
func (w *worker) scheduleRearm(base uintptr) {
	w.rearmMu.Lock()
	defer w.rearmMu.Unlock()
	w.pendingRearm[base] = time.Now().Add(w.coalesceWindow)
}

// processDueRearms re-arms every page whose coalescing window has
// elapsed. Called between batches and whenever the ring runs dry, so
// the Worker never idles with a page left writable past its window.
func (w *worker) processDueRearms() {
	now := time.Now()
	w.rearmMu.Lock()
	due := make([]uintptr, 0, len(w.pendingRearm))
	for base, at := range w.pendingRearm {
		if !now.Before(at) {
			due = append(due, base)
			delete(w.pendingRearm, base)
		}
	}
	w.rearmMu.Unlock()

	for _, base := range due {
		if err := w.armer.rearm(base); err != nil && w.log != nil {
			w.log.Warn("re-arm failed", "page_base", base, "error", err)
		}
	}
}
