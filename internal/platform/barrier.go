package platform

import "sync/atomic"

// wmbSentinel is written on every Wmb() call. The original implementation
// reaches for an architecture-specific SFENCE/MFENCE; a sequentially
// consistent atomic store is sufficient here because every queue pair is
// driven by exactly one goroutine at a time (§5 of the transport's
// single-threaded cooperative model) — there is no second writer for an
// SFENCE to order against, only the compiler's own reordering of plain
// stores, which an atomic store already forecloses.
var wmbSentinel atomic.Uint32

// Wmb is the shared write-memory-barrier implementation for every Platform
// that needs one. It is not device-specific, so both the VFIO-backed
// implementation and the in-process simulated one call it directly instead
// of duplicating architecture-specific inline asm.
func Wmb() {
	wmbSentinel.Add(1)
}
