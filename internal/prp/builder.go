// Package prp implements the PRP/SGL builder (spec component E): the
// three paths that turn a request's payload descriptor into either a PRP
// chain or SGL descriptor list embedded in the tracker, translated from
// nvme_pcie_qpair_build_contig_request,
// nvme_pcie_qpair_build_hw_sgl_request, and
// nvme_pcie_qpair_build_prps_sgl_request.
package prp

import (
	"errors"

	"github.com/nvme-userspace/nvme-pcie/internal/constants"
	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/tracker"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// ErrBadAddress is returned by every builder path on a virt_to_phys
// failure or an alignment/span violation. The source manually completes
// the tracker inside the builder on this path *and* returns an error,
// which invites a double-completion if the caller also completes it; this
// package fixes that by calling onBadAddress itself and leaving the
// caller (internal/qpair) to only translate the returned error, never
// touch the tracker again.
var ErrBadAddress = errors.New("prp: bad address")

const pageSize = constants.PageSize

// Build dispatches to the construction path selected by req.Payload.Kind.
// sglSupported reflects whether the owning controller advertises SGL
// support; a scattered payload against a controller without SGL support
// falls back to the PRP-from-scattered-payload path. onBadAddress is
// invoked exactly once, before returning ErrBadAddress, on any failure;
// it is the caller's hook for manually completing the tracker with
// INVALID_FIELD.
func Build(plat platform.Platform, pool *tracker.Pool, tr *tracker.Tracker, cmd *wire.Command, req *request.Request, sglSupported bool, onBadAddress func()) error {
	switch req.Payload.Kind {
	case request.PayloadNone:
		return nil
	case request.PayloadContig:
		return buildContig(plat, pool, tr, cmd, req, onBadAddress)
	case request.PayloadScatter:
		if sglSupported {
			return buildHWSGL(plat, pool, tr, cmd, req, onBadAddress)
		}
		return buildPRPFromScatter(plat, pool, tr, cmd, req, onBadAddress)
	default:
		onBadAddress()
		return ErrBadAddress
	}
}

// buildContig implements the contiguous-PRP path.
func buildContig(plat platform.Platform, pool *tracker.Pool, tr *tracker.Tracker, cmd *wire.Command, req *request.Request, onBadAddress func()) error {
	fail := func() error {
		onBadAddress()
		return ErrBadAddress
	}

	payload := req.Payload.ContigPtr + uintptr(req.PayloadOffset)
	phys, ok := plat.VirtToPhys(payload)
	if !ok {
		return fail()
	}

	if req.Payload.MDPtr != 0 {
		mdPhys, ok := plat.VirtToPhys(req.Payload.MDPtr + uintptr(req.MDOffset))
		if !ok {
			return fail()
		}
		cmd.MPTR = mdPhys
	}

	size := uint64(req.PayloadSize)
	unaligned := phys % pageSize
	modulo := size % pageSize

	nseg := size / pageSize
	if modulo != 0 || unaligned != 0 {
		nseg += 1 + (modulo+unaligned-1)/pageSize
	}

	cmd.SetPSDT(wire.PSDTPRP)
	cmd.PRP1 = phys

	switch {
	case nseg <= 1:
		cmd.PRP2 = 0
	case nseg == 2:
		p2, ok := plat.VirtToPhys(payload + uintptr(pageSize) - uintptr(unaligned))
		if !ok {
			return fail()
		}
		cmd.PRP2 = p2
	default:
		prpList := pool.PRPEntries(tr.Index)
		if nseg-1 > uint64(len(prpList)) {
			return fail()
		}
		cmd.PRP2 = tr.PRPSGLBusAddr
		for k := uint64(1); k < nseg; k++ {
			segPhys, ok := plat.VirtToPhys(payload + uintptr(k*pageSize) - uintptr(unaligned))
			if !ok {
				return fail()
			}
			prpList[k-1] = segPhys
		}
	}
	return nil
}

// buildHWSGL implements the hardware-SGL path against a controller that
// advertises SGL support.
func buildHWSGL(plat platform.Platform, pool *tracker.Pool, tr *tracker.Tracker, cmd *wire.Command, req *request.Request, onBadAddress func()) error {
	fail := func() error {
		onBadAddress()
		return ErrBadAddress
	}

	scatter := req.Payload.Scatter
	scatter.ResetSGL(uint64(req.PayloadOffset))

	sglView := pool.SGLDescriptors(tr.Index)
	remaining := req.PayloadSize
	nseg := 0

	for remaining > 0 {
		virt, length, ok := scatter.NextSGE()
		if !ok {
			return fail()
		}
		if length > remaining {
			length = remaining
		}
		phys, ok := plat.VirtToPhys(virt)
		if !ok {
			return fail()
		}
		if nseg >= constants.MaxSGLDescriptors {
			return fail()
		}
		sglView[nseg] = wire.MakeSGLDescriptor(phys, length, wire.SGLTypeDataBlock)
		nseg++
		remaining -= length
	}
	if nseg == 0 {
		return fail()
	}

	cmd.SetPSDT(wire.PSDTSGLMetaContig)
	if nseg == 1 {
		cmd.PRP1 = sglView[0].Addr
		cmd.PRP2 = sglView[0].LengthAndType
	} else {
		last := wire.MakeSGLDescriptor(tr.PRPSGLBusAddr, uint32(nseg)*16, wire.SGLTypeLastSegment)
		cmd.PRP1 = last.Addr
		cmd.PRP2 = last.LengthAndType
	}
	return nil
}

// buildPRPFromScatter implements the fallback path for a controller that
// lacks SGL support but was handed a scattered payload. Every scatter
// segment is split at page boundaries into individual physical page
// addresses, which are then laid out exactly like the contiguous path's
// PRP chain: first page in prp1, second page in prp2 directly if there
// are only two pages total, otherwise prp2 points at the tracker's
// descriptor area and every page from the second onward is packed into
// tr.prp[]. Buffering every page address before deciding prp2's shape
// avoids the retroactive-rewrite hazard of deciding prp2 while streaming:
// the builder cannot know a third page is coming until it arrives.
func buildPRPFromScatter(plat platform.Platform, pool *tracker.Pool, tr *tracker.Tracker, cmd *wire.Command, req *request.Request, onBadAddress func()) error {
	fail := func() error {
		onBadAddress()
		return ErrBadAddress
	}

	scatter := req.Payload.Scatter
	scatter.ResetSGL(uint64(req.PayloadOffset))

	prpList := pool.PRPEntries(tr.Index)
	maxPages := len(prpList) + 1 // +1 because the first page lives in prp1, not tr.prp[]

	pages := make([]uint64, 0, 8)
	remaining := req.PayloadSize

	for remaining > 0 {
		virt, length, ok := scatter.NextSGE()
		if !ok {
			return fail()
		}
		if length > remaining {
			length = remaining
		}
		if virt%4 != 0 {
			return fail()
		}
		isLastSegment := length == remaining
		if !isLastSegment && (uint64(virt)+uint64(length))%pageSize != 0 {
			return fail()
		}

		phys, ok := plat.VirtToPhys(virt)
		if !ok {
			return fail()
		}

		segRemaining := uint64(length)
		pageOffset := phys % pageSize
		curPhys := phys
		for segRemaining > 0 {
			chunk := pageSize - pageOffset
			if chunk > segRemaining {
				chunk = segRemaining
			}
			if len(pages) >= maxPages {
				return fail()
			}
			pages = append(pages, curPhys)

			segRemaining -= chunk
			curPhys += chunk
			pageOffset = 0
		}

		remaining -= length
	}

	if len(pages) == 0 {
		return fail()
	}

	cmd.SetPSDT(wire.PSDTPRP)
	cmd.PRP1 = pages[0]

	switch {
	case len(pages) == 1:
		cmd.PRP2 = 0
	case len(pages) == 2:
		cmd.PRP2 = pages[1]
	default:
		cmd.PRP2 = tr.PRPSGLBusAddr
		for k := 1; k < len(pages); k++ {
			prpList[k-1] = pages[k]
		}
	}
	return nil
}
