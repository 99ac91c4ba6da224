package memwatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sharedcode/memwatch/capture"
	"github.com/sharedcode/memwatch/ring"
	"github.com/sharedcode/memwatch/valuestore"
)

// CaptureMode selects the Trap Handler backend (§9's "portable
// protection" design note, promoted to a first-class Init option).
type CaptureMode int

const (
	// ModeAuto prefers the userfaultfd backend where available and
	// falls back to periodic sampling everywhere else.
	ModeAuto CaptureMode = iota
	// ModeFaultTrap requires the userfaultfd backend; Init fails with
	// PlatformFail where it is unavailable.
	ModeFaultTrap
	// ModeSampling always uses the portable periodic-sampling backend.
	ModeSampling
)

// Config configures a new Engine. The zero Config is valid; every field
// has a documented default.
type Config struct {
	Mode CaptureMode

	// RingCapacity overrides ring.DefaultCapacity.
	RingCapacity int
	// PollQueueCapacity overrides defaultPollQueueCapacity.
	PollQueueCapacity int
	// SamplingInterval overrides the sampling backend's tick period
	// when Mode selects (or falls back to) sampling.
	SamplingInterval time.Duration
	// PageSize overrides the platform page size probe, for tests.
	PageSize uintptr

	// ValueStorePath, if non-empty, opens a Value Store at that path
	// for payload spill. Leaving it empty runs the engine without
	// persistence-backed spill (§4.10's degrade path): large payloads
	// are delivered with Payload.Unavailable set.
	ValueStorePath    string
	ValueStoreOptions valuestore.Options

	Logger *slog.Logger
}

// regionRegisterer is implemented by backends that need the kernel
// told about a tracked range before any page within it can be armed
// (the userfaultfd backend). The sampling backend does not implement
// it, and Watch skips the page-alignment precondition accordingly.
type regionRegisterer interface {
	Register(addr, size uintptr) error
	Unregister(addr, size uintptr) error
}

// Engine is one running capture engine instance. §9's "do not support
// multiple simultaneous engines" non-goal is enforced by Init: only one
// Engine may be running process-wide at a time, reachable through the
// package-level atomic pointer trap-handler callbacks would use on a
// platform where the handler truly runs in interrupt context.
type Engine struct {
	gen      UUID
	pageSize uintptr
	clock    Clock
	hasher   Hasher
	log      *slog.Logger

	regions  *regionTable
	pages    *pageIndex
	adapters *adapterRegistry
	ringBuf  *ring.Ring
	backend  capture.Backend
	worker   *worker
	hub      *subscriberHub
	store    *valuestore.Store

	mu      sync.Mutex
	running bool
}

var globalEngine atomic.Pointer[Engine]

// Active returns the process-wide running Engine, or nil if none is
// initialized.
func Active() *Engine {
	return globalEngine.Load()
}

// Init starts the capture engine. It fails with PreconditionFail if an
// engine is already running (only one is ever supported, §9) and with
// PlatformFail if the chosen backend cannot be started — in both cases
// no partial state is left behind, per §4.10.
func Init(cfg Config) (*Engine, error) {
	if globalEngine.Load() != nil {
		return nil, NewError(PreconditionFail, errAlreadyRunning)
	}

	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = ring.DefaultCapacity
	}
	if cfg.PollQueueCapacity == 0 {
		cfg.PollQueueCapacity = defaultPollQueueCapacity
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = platformPageSize()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	gen := NewUUID()

	e := &Engine{
		gen:      gen,
		pageSize: cfg.PageSize,
		clock:    NewClock(),
		hasher:   NewHasher(),
		log:      log,
		regions:  newRegionTable(),
		adapters: newAdapterRegistry(),
		ringBuf:  ring.NewRing(cfg.RingCapacity),
		hub:      newSubscriberHub(cfg.PollQueueCapacity),
	}

	if cfg.ValueStorePath != "" {
		opts := cfg.ValueStoreOptions
		opts.Hasher = e.hasher
		store, err := valuestore.Open(cfg.ValueStorePath, opts)
		if err != nil {
			return nil, NewError(Corruption, err)
		}
		e.store = store
	}

	e.pages = newPageIndex(e.pageSize, nil)

	backend, err := selectBackend(cfg.Mode, e.ringBuf, e.pages, e.pageSize, e.clock.NowNanos, cfg.SamplingInterval, log)
	if err != nil {
		if e.store != nil {
			e.store.Close()
		}
		return nil, NewError(PlatformFail, err)
	}
	e.backend = backend
	e.pages.armer = backend

	e.worker = newWorker(e.ringBuf, e.regions, e.pages, e.hub, valueSpillerOf(e.store), e.pages, e.hasher, e.clock, log)

	if err := e.backend.Start(); err != nil {
		if e.store != nil {
			e.store.Close()
		}
		return nil, NewError(PlatformFail, err)
	}
	e.worker.start()
	e.running = true

	if !globalEngine.CompareAndSwap(nil, e) {
		e.worker.stop()
		_ = e.backend.Stop()
		if e.store != nil {
			e.store.Close()
		}
		return nil, NewError(PreconditionFail, errAlreadyRunning)
	}
	return e, nil
}

// valueSpillerOf adapts a possibly-nil *valuestore.Store to the
// worker's valueSpiller interface: a nil *valuestore.Store must become
// a true nil interface value, not a non-nil interface wrapping a nil
// pointer, so the worker's "store == nil" degrade check works.
func valueSpillerOf(s *valuestore.Store) valueSpiller {
	if s == nil {
		return nil
	}
	return s
}

func selectBackend(mode CaptureMode, r *ring.Ring, pages *pageIndex, pageSize uintptr, now func() int64, interval time.Duration, log *slog.Logger) (capture.Backend, error) {
	switch mode {
	case ModeFaultTrap:
		return capture.NewFaultBackend(r, pageSize, now)
	case ModeSampling:
		return capture.NewSamplingBackend(r, pages, interval, now), nil
	default:
		b, err := capture.NewFaultBackend(r, pageSize, now)
		if err == nil {
			return b, nil
		}
		log.Info("write-fault trapping unavailable, falling back to periodic sampling", "error", err)
		return capture.NewSamplingBackend(r, pages, interval, now), nil
	}
}

// Shutdown stops the Worker, the capture backend, and releases the
// Value Store. It is idempotent (§8's "shutdown idempotence" property)
// and blocks until the Worker has finished draining, per §5.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.worker.stop()
	if err := e.backend.Stop(); err != nil {
		e.log.Warn("backend stop failed", "error", err)
	}

	for _, r := range e.regions.unregisterAll() {
		e.pages.detachRegion(r)
		if reg, ok := e.backend.(regionRegisterer); ok {
			_ = reg.Unregister(r.Addr, r.Size)
		}
	}

	if e.store != nil {
		_ = e.store.Flush()
		_ = e.store.Close()
	}

	globalEngine.CompareAndSwap(e, nil)
	return nil
}

// RegisterAdapter assigns a stable AdapterID to name.
func (e *Engine) RegisterAdapter(name string) (AdapterID, error) {
	return e.adapters.register(name)
}

// UnregisterAdapter retires id. Idempotent.
func (e *Engine) UnregisterAdapter(id AdapterID) {
	e.adapters.unregister(id)
}

// Watch registers [addr, addr+size) for change tracking under adapter,
// per §4.1 and the Region state machine in §4.9.
func (e *Engine) Watch(addr, size uintptr, adapter AdapterID, name string, metadata any, mode SnapshotMode) (RegionID, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return InvalidRegionID, NewError(PreconditionFail, errNotInitialized)
	}

	registerer, needsRegistration := e.backend.(regionRegisterer)
	if needsRegistration {
		if addr%e.pageSize != 0 {
			return InvalidRegionID, NewError(PreconditionFail, errNotPageAligned)
		}
		if err := registerer.Register(addr, size); err != nil {
			if errors.Is(err, syscall.EBUSY) {
				return InvalidRegionID, NewError(PlatformFail, fmt.Errorf("%w: %v", errForeignProtect, err))
			}
			return InvalidRegionID, NewError(PlatformFail, err)
		}
	}

	r, err := e.regions.register(addr, size, adapter, name, metadata, mode)
	if err != nil {
		if needsRegistration {
			_ = registerer.Unregister(addr, size)
		}
		return InvalidRegionID, err
	}

	r.mu.Lock()
	r.hash = e.hasher.Hash(r.Bytes())
	if r.keepsSnapshot() {
		r.snapshot = snapshotOf(r.Bytes())
	}
	r.mu.Unlock()
	spillBaseline(valueSpillerOf(e.store), r)

	if err := e.pages.attachRegion(r); err != nil {
		e.regions.unregister(r.ID)
		if needsRegistration {
			_ = registerer.Unregister(addr, size)
		}
		return InvalidRegionID, err
	}

	return r.ID, nil
}

// Unwatch removes a region. Returns false if id is unknown.
func (e *Engine) Unwatch(id RegionID) bool {
	r, ok := e.regions.unregister(id)
	if !ok {
		return false
	}
	e.pages.detachRegion(r)
	if registerer, ok := e.backend.(regionRegisterer); ok {
		_ = registerer.Unregister(r.Addr, r.Size)
	}
	return true
}

// SetCallback installs the single in-process Change Event callback.
// Passing nil clears it.
func (e *Engine) SetCallback(fn func(ChangeEvent)) {
	e.hub.setCallback(fn)
}

// SetPublisher installs a cross-process transport (e.g.
// memwatch/transport's Redis publisher). Passing nil clears it.
func (e *Engine) SetPublisher(p Publisher) {
	e.hub.setPublisher(p)
}

// Drain removes and returns up to maxN queued Change Events for polling
// consumers, oldest first. A maxN of zero or less drains the whole queue.
func (e *Engine) Drain(maxN int) []ChangeEvent {
	return e.hub.drain(maxN)
}

// Stats reports the engine's current counters, per §6's Stats ABI.
func (e *Engine) Stats() Stats {
	var storeBytes int64
	degraded := e.store == nil
	if e.store != nil {
		storeBytes = int64(e.store.BytesUsed())
	}
	return Stats{
		TrackedRegions:    e.regions.count(),
		ActiveProtected:   e.pages.pageCount(),
		TotalEvents:       e.worker.totalEvents.Load(),
		RingWrites:        e.ringBuf.Writes(),
		RingDrops:         e.ringBuf.Drops(),
		PollDrops:         e.hub.pollDropCount(),
		ValueStoreBytes:   storeBytes,
		WorkerThreadID:    e.gen.String(),
		ValueStoreDegrade: degraded,
	}
}

// FreeEvent exists for ABI parity with §6's C-shaped
// `free_event(event) -> void`; Go callers never need it since the
// garbage collector owns ChangeEvent storage. Bindings that copy a
// ChangeEvent across a language boundary call it to signal they are
// done with any borrowed byte slices.
func (e *Engine) FreeEvent(ev *ChangeEvent) {}
