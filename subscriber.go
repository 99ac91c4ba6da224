package memwatch

import (
	"sync"
	"sync/atomic"
)

// defaultPollQueueCapacity is §4.7's "bounded FIFO (default 1,024
// entries)".
const defaultPollQueueCapacity = 1024

// Publisher is implemented by an out-of-process transport — the Redis
// pub/sub publisher in memwatch/transport is the only production
// implementation — that wants every delivered Change Event mirrored
// outside this process. Declared here rather than importing transport
// so the dependency runs one way: transport imports memwatch for
// ChangeEvent and Publisher, memwatch never imports transport.
type Publisher interface {
	Publish(ev ChangeEvent)
}

// subscriberHub implements §4.7's two delivery modes. deliver is called
// from the Worker goroutine only; Drain and the setters may be called
// from any goroutine.
type subscriberHub struct {
	mu        sync.Mutex
	callback  func(ChangeEvent)
	publisher Publisher
	queue     []ChangeEvent
	capacity  int

	pollDrops atomic.Uint64
}

func newSubscriberHub(capacity int) *subscriberHub {
	if capacity <= 0 {
		capacity = defaultPollQueueCapacity
	}
	return &subscriberHub{capacity: capacity}
}

// setCallback installs or clears (fn == nil) the in-process callback.
func (h *subscriberHub) setCallback(fn func(ChangeEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = fn
}

// setPublisher installs or clears (p == nil) the cross-process
// transport.
func (h *subscriberHub) setPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// deliver sends ev to the callback (if any), mirrors it to the
// publisher (if any), and enqueues it for polling. Re-entry into the
// engine from the callback is permitted (§4.7); deliver itself must not
// be called while h.mu is held by the caller, so the callback runs
// outside the lock.
func (h *subscriberHub) deliver(ev ChangeEvent) {
	h.mu.Lock()
	cb := h.callback
	pub := h.publisher
	if len(h.queue) >= h.capacity {
		h.queue = h.queue[1:]
		h.pollDrops.Add(1)
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
	if pub != nil {
		pub.Publish(ev)
	}
}

// drain removes and returns up to maxN queued events, oldest first. A
// maxN of zero or less drains the whole queue.
func (h *subscriberHub) drain(maxN int) []ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxN <= 0 || maxN > len(h.queue) {
		maxN = len(h.queue)
	}
	out := make([]ChangeEvent, maxN)
	copy(out, h.queue[:maxN])
	h.queue = h.queue[maxN:]
	return out
}

func (h *subscriberHub) pollDropCount() uint64 {
	return h.pollDrops.Load()
}
