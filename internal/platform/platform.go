// Package platform defines the narrow collaborator interface the transport
// uses to reach actual hardware: BAR mapping, PCI config space, DMA
// allocation, virtual-to-physical translation, and MMIO accessors. Nothing
// in the transport core talks to a device node, an ioctl, or a syscall
// directly; it only ever calls through a Platform.
package platform

// VtoPError is the sentinel VirtToPhys returns alongside ok=false. The
// original implementation signals translation failure with an all-ones
// physical address; this module keeps the same bit pattern so a caller
// that forgets to check ok still fails loudly instead of silently DMA-ing
// to address zero.
const VtoPError = ^uint64(0)

// Platform is every primitive the transport needs from the host: PCI BAR
// and config-space access, DMA-stable memory, and ordered MMIO.
type Platform interface {
	// MapBAR maps BAR index idx of the device and returns its virtual base,
	// physical (bus) base, and length in bytes.
	MapBAR(barIndex int) (virt uintptr, phys uint64, size uint64, err error)
	// UnmapBAR releases a mapping returned by MapBAR.
	UnmapBAR(virt uintptr, size uint64) error

	// CfgRead32 and CfgWrite32 access the device's PCI configuration space.
	CfgRead32(offset int) (uint32, error)
	CfgWrite32(offset int, value uint32) error

	// DMAAlloc allocates size bytes of physically-contiguous, DMA-stable
	// memory aligned to align (a power of two), returning its virtual and
	// physical addresses.
	DMAAlloc(size int, align int) (virt uintptr, phys uint64, err error)
	// DMAFree releases memory returned by DMAAlloc.
	DMAFree(virt uintptr) error

	// VirtToPhys resolves a virtual address within previously DMA-allocated
	// memory to its physical address. ok is false (and the returned value
	// is VtoPError) when the address cannot be translated.
	VirtToPhys(virt uintptr) (phys uint64, ok bool)

	// MMIORead32/64 and MMIOWrite32/64 perform ordered loads/stores against
	// an address within a mapped BAR.
	MMIORead32(addr uintptr) uint32
	MMIORead64(addr uintptr) uint64
	MMIOWrite32(addr uintptr, value uint32)
	MMIOWrite64(addr uintptr, value uint64)

	// Wmb issues a write-memory-barrier: every MMIO write issued before the
	// call is guaranteed visible to the device before any MMIO write issued
	// after it.
	Wmb()
}
