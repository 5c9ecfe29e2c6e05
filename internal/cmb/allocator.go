// Package cmb implements the Controller Memory Buffer bump allocator
// (spec component B): an optional device-resident BAR region usable for
// submission queue placement, derived from the controller's CMBSZ/CMBLOC
// registers. Grounded on nvme_pcie_ctrlr_map_cmb/nvme_pcie_ctrlr_alloc_cmb.
package cmb

import (
	"fmt"

	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/regs"
)

// validBARs is the set of BAR indices CMBLOC.BIR is allowed to report; any
// other value (in particular BAR 1, which holds the 64-bit CAP's upper
// half on some controllers, and anything beyond 5) makes the CMB unusable.
var validBARs = map[uint8]bool{0: true, 2: true, 3: true, 4: true, 5: true}

// Region is a mapped CMB: a bump allocator over a device BAR.
type Region struct {
	virtBase   uintptr
	physBase   uint64
	size       uint64
	bumpOffset uint64

	// AllowsSQPlacement mirrors CMBSZ.SQS: if the controller doesn't
	// advertise SQ support in the CMB, the transport must not place
	// submission queues there even though the region maps fine.
	AllowsSQPlacement bool
}

// TryMap reads CMBSZ/CMBLOC from the register window and, if the
// controller advertises a usable CMB, maps its BAR and returns a Region.
// Returns (nil, nil) — not an error — when the controller has no CMB or
// reports an invalid BAR index, matching nvme_pcie_ctrlr_map_cmb's
// "disable and return success" behavior for an absent CMB.
func TryMap(plat platform.Platform, win *regs.Window) (*Region, error) {
	sz, err := win.GetCMBSZ()
	if err != nil {
		return nil, fmt.Errorf("cmb: read CMBSZ: %w", err)
	}
	if sz.SZ == 0 {
		return nil, nil
	}

	loc, err := win.GetCMBLOC()
	if err != nil {
		return nil, fmt.Errorf("cmb: read CMBLOC: %w", err)
	}
	if !validBARs[loc.BIR] {
		return nil, nil
	}

	unit := uint64(1) << (12 + 4*uint64(sz.SZU))
	size := unit * uint64(sz.SZ)
	offset := unit * uint64(loc.OFST)

	barVirt, _, barSize, err := plat.MapBAR(int(loc.BIR))
	if err != nil {
		return nil, fmt.Errorf("cmb: map BAR%d: %w", loc.BIR, err)
	}
	if offset+size > barSize {
		_ = plat.UnmapBAR(barVirt, barSize)
		return nil, fmt.Errorf("cmb: region [%#x,%#x) exceeds BAR%d size %#x", offset, offset+size, loc.BIR, barSize)
	}

	virtBase := barVirt + uintptr(offset)
	physBase, ok := plat.VirtToPhys(virtBase)
	if !ok {
		physBase = uint64(virtBase)
	}

	return &Region{
		virtBase:          virtBase,
		physBase:          physBase,
		size:              size,
		AllowsSQPlacement: sz.SQS,
	}, nil
}

// roundUp rounds v up to the next multiple of align, which must be a
// power of two.
func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Alloc reserves length bytes at the given power-of-two alignment from the
// CMB's bump pointer. ok is false when the rounded allocation would exceed
// the region's size; the bump pointer is left unchanged in that case.
func (r *Region) Alloc(length uint64, align uint64) (offset uint64, ok bool) {
	rounded := roundUp(r.bumpOffset, align)
	if rounded+length > r.size {
		return 0, false
	}
	r.bumpOffset = rounded + length
	return rounded, true
}

// PhysAddr returns the physical (bus) address of the given offset within
// the region, for handing to a device as a PRP/SQ base pointer.
func (r *Region) PhysAddr(offset uint64) uint64 {
	return r.physBase + offset
}

// VirtAddr returns the host-virtual address of the given offset.
func (r *Region) VirtAddr(offset uint64) uintptr {
	return r.virtBase + uintptr(offset)
}

// Size returns the total CMB size in bytes.
func (r *Region) Size() uint64 { return r.size }
