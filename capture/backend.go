// Package capture implements the Trap Handler component (§4.4): the
// part of the engine that turns a target write into a Raw Event. Two
// backends are provided. On Linux, Backend (from NewFaultBackend) arms
// write-protected pages through the kernel's userfaultfd facility and
// runs a dedicated poller goroutine that turns UFFD_EVENT_PAGEFAULT
// notifications into ring.Events — the Go-idiomatic analogue of the
// spec's async-signal-safe handler: no allocation and no lock
// acquisition on its hot path. Everywhere else, NewSamplingBackend
// provides the portable periodic-sampling fallback the design notes
// call for.
package capture

import "github.com/sharedcode/memwatch/ring"

// Backend is the Trap Handler's external surface. The engine's page
// index calls ArmPage/DisarmPage off the signal path, from Watch and
// Unwatch; only the backend's internal poller/sampler goroutine writes
// into the ring.
type Backend interface {
	// Start begins producing events into the ring. It must not block
	// past backend setup.
	Start() error
	// Stop halts the backend and releases any OS resources (signal
	// handlers, file descriptors, mappings) it acquired in Start.
	Stop() error
	// ArmPage write-protects the page at base (Clean/TempWritable →
	// Armed in §4.9).
	ArmPage(base uintptr) error
	// DisarmPage restores read+write access to the page at base
	// (Armed → Clean in §4.9, when a bucket empties).
	DisarmPage(base uintptr) error
}

// PageSource lets the sampling backend discover which pages are
// currently tracked without depending on the engine's region/page
// index types directly, keeping this package free of an import cycle
// back to the root package.
type PageSource interface {
	// Pages returns a snapshot of every currently protected page base.
	Pages() []uintptr
}

// Ring is the minimal producer-side surface a backend needs from
// ring.Ring, named here so backends depend on behavior, not the
// concrete type, even though ring.Ring is the only production
// implementation.
type Ring interface {
	NextSeq() uint64
	Push(ring.Event) bool
}
