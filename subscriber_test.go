package memwatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []ChangeEvent
}

func (p *fakePublisher) Publish(ev ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
}

func (p *fakePublisher) snapshot() []ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChangeEvent, len(p.published))
	copy(out, p.published)
	return out
}

func TestSubscriberHub_DefaultsCapacityWhenNonPositive(t *testing.T) {
	h := newSubscriberHub(0)
	require.Equal(t, defaultPollQueueCapacity, h.capacity)
}

func TestSubscriberHub_CallbackIsInvokedOnDeliver(t *testing.T) {
	h := newSubscriberHub(8)
	var got []ChangeEvent
	h.setCallback(func(ev ChangeEvent) { got = append(got, ev) })

	h.deliver(ChangeEvent{Seq: 1})
	h.deliver(ChangeEvent{Seq: 2})

	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, uint64(2), got[1].Seq)
}

func TestSubscriberHub_PublisherReceivesEveryDelivery(t *testing.T) {
	h := newSubscriberHub(8)
	pub := &fakePublisher{}
	h.setPublisher(pub)

	h.deliver(ChangeEvent{Seq: 1})
	h.deliver(ChangeEvent{Seq: 2})

	require.Len(t, pub.snapshot(), 2)
}

func TestSubscriberHub_DrainReturnsOldestFirstAndEmpties(t *testing.T) {
	h := newSubscriberHub(8)
	h.deliver(ChangeEvent{Seq: 1})
	h.deliver(ChangeEvent{Seq: 2})
	h.deliver(ChangeEvent{Seq: 3})

	batch := h.drain(2)
	require.Len(t, batch, 2)
	require.Equal(t, uint64(1), batch[0].Seq)
	require.Equal(t, uint64(2), batch[1].Seq)

	rest := h.drain(10)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(3), rest[0].Seq)

	require.Empty(t, h.drain(10))
}

func TestSubscriberHub_QueueDropsOldestWhenFullAndCountsDrops(t *testing.T) {
	h := newSubscriberHub(2)
	h.deliver(ChangeEvent{Seq: 1})
	h.deliver(ChangeEvent{Seq: 2})
	h.deliver(ChangeEvent{Seq: 3})

	require.Equal(t, uint64(1), h.pollDropCount())

	batch := h.drain(10)
	require.Len(t, batch, 2)
	require.Equal(t, uint64(2), batch[0].Seq)
	require.Equal(t, uint64(3), batch[1].Seq)
}

func TestSubscriberHub_CallbackAndPollingBothReceiveSameEvent(t *testing.T) {
	h := newSubscriberHub(8)
	var viaCallback []ChangeEvent
	h.setCallback(func(ev ChangeEvent) { viaCallback = append(viaCallback, ev) })

	h.deliver(ChangeEvent{Seq: 42})

	require.Len(t, viaCallback, 1)
	polled := h.drain(10)
	require.Len(t, polled, 1)
	require.Equal(t, viaCallback[0].Seq, polled[0].Seq)
}

func TestSubscriberHub_ClearingCallbackStopsDelivery(t *testing.T) {
	h := newSubscriberHub(8)
	calls := 0
	h.setCallback(func(ChangeEvent) { calls++ })
	h.deliver(ChangeEvent{Seq: 1})
	h.setCallback(nil)
	h.deliver(ChangeEvent{Seq: 2})

	require.Equal(t, 1, calls)
	require.Len(t, h.drain(10), 2)
}
