package capture_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/memwatch/capture"
	"github.com/sharedcode/memwatch/ring"
)

type fakeRing struct {
	mu     sync.Mutex
	events []ring.Event
	seq    uint64
}

func (f *fakeRing) NextSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq - 1
}

func (f *fakeRing) Push(ev ring.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return true
}

func (f *fakeRing) snapshot() []ring.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ring.Event, len(f.events))
	copy(out, f.events)
	return out
}

type fakePages struct {
	pages []uintptr
}

func (f fakePages) Pages() []uintptr { return f.pages }

func TestSamplingBackend_EmitsOnePerTrackedPagePerTick(t *testing.T) {
	r := &fakeRing{}
	pages := fakePages{pages: []uintptr{0x1000, 0x2000, 0x3000}}
	var ticks int64
	now := func() int64 { ticks++; return ticks }

	b := capture.NewSamplingBackend(r, pages, 5*time.Millisecond, now)
	require.NoError(t, b.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Stop())

	events := r.snapshot()
	require.NotEmpty(t, events)
	for _, ev := range events {
		require.Contains(t, pages.pages, ev.PageBase)
		require.Zero(t, ev.FaultIP)
		require.Zero(t, ev.ThreadID)
	}

	// Each tick pushes one event for every tracked page.
	n := len(pages.pages)
	require.Zero(t, len(events)%n)
	for i := 0; i < len(events); i += n {
		tick := make([]uintptr, 0, n)
		for _, ev := range events[i : i+n] {
			tick = append(tick, ev.PageBase)
		}
		require.ElementsMatch(t, pages.pages, tick)
	}
}

func TestSamplingBackend_DefaultsIntervalWhenNonPositive(t *testing.T) {
	r := &fakeRing{}
	b := capture.NewSamplingBackend(r, fakePages{}, 0, func() int64 { return 0 })
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())
}

func TestSamplingBackend_StopIsIdempotent(t *testing.T) {
	r := &fakeRing{}
	b := capture.NewSamplingBackend(r, fakePages{}, time.Millisecond, func() int64 { return 0 })
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
}

func TestSamplingBackend_ArmDisarmAreNoops(t *testing.T) {
	b := capture.NewSamplingBackend(&fakeRing{}, fakePages{}, time.Millisecond, func() int64 { return 0 })
	require.NoError(t, b.ArmPage(0x1000))
	require.NoError(t, b.DisarmPage(0x1000))
}
