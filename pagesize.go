package memwatch

import "syscall"

// platformPageSize probes the OS page size used to round addresses
// down to a page base (§4.1, §4.2). Falls back to 4 KiB, the universal
// minimum across every platform this engine targets, if the probe
// returns something nonsensical.
func platformPageSize() uintptr {
	if sz := syscall.Getpagesize(); sz > 0 {
		return uintptr(sz)
	}
	return 4096
}
