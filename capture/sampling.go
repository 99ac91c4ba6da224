package capture

import (
	"sync"
	"time"

	"github.com/sharedcode/memwatch/ring"
)

// samplingBackend is the portable fallback: on every tick it emits one
// synthetic Raw Event per currently tracked page. It carries no
// faulting-instruction information (FaultIP/ThreadID are zero) since no
// fault occurred — the worker's diff logic treats it identically to a
// real fault, re-hashing every region on the page and publishing a
// Change Event only for the ones that actually changed.
type samplingBackend struct {
	ring     Ring
	pages    PageSource
	interval time.Duration
	now      func() int64

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewSamplingBackend returns the periodic-sampling Trap Handler
// backend. interval defaults to 5ms (the same default as the
// coalescing window) if zero or negative.
func NewSamplingBackend(r Ring, pages PageSource, interval time.Duration, now func() int64) Backend {
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	return &samplingBackend{ring: r, pages: pages, interval: interval, now: now}
}

func (s *samplingBackend) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
	return nil
}

func (s *samplingBackend) Stop() error {
	s.mu.Lock()
	if s.stopCh == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *samplingBackend) loop(stop chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			for _, base := range s.pages.Pages() {
				s.ring.Push(ring.Event{
					PageBase:       base,
					FaultIP:        0,
					ThreadID:       0,
					Seq:            s.ring.NextSeq(),
					TimestampNanos: s.now(),
				})
			}
		}
	}
}

// ArmPage/DisarmPage are no-ops: the sampling backend never installs OS
// page protection, it only re-hashes on a timer.
func (s *samplingBackend) ArmPage(uintptr) error    { return nil }
func (s *samplingBackend) DisarmPage(uintptr) error { return nil }
