// Package memwatch implements a language-agnostic runtime memory watcher.
//
// A target process registers caller-nominated address ranges ("regions")
// with Watch and receives a structured change stream — who wrote, when,
// the previous and new bytes, and where in the program the write
// originated. The engine does not instrument instructions, does not
// single-step, and does not symbolicate stack frames; it records only
// the faulting instruction address and any caller-supplied source
// location.
//
// The capture path is pluggable: on Linux, Init arms write-protected
// pages via userfaultfd and a poller goroutine turns page faults into
// Raw Events (see package capture). Everywhere else, and wherever the
// caller asks for it explicitly, a periodic-sampling backend re-hashes
// tracked regions on a fixed interval. Both backends feed the same
// ring, worker, and subscriber pipeline.
//
// Large change payloads spill to an append-only mmapped key/value store
// (see package valuestore) instead of inflating every Change Event.
//
// This package does not provide a command-line front end, SQL-text
// parsing, language-binding shims, or environment-variable
// configuration loading — those are external collaborators that adapt
// this engine's API.
package memwatch

// Timeout model
//
// Watch/Unwatch block briefly on the region table and page index mutexes.
// The coalescing window and the worker's idle sleep both have a fixed
// upper bound; no operation in this package waits unbounded. Shutdown is
// the one blocking call of note: it joins the worker goroutine, which
// finishes draining the ring before returning.
