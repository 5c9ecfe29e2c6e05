package prp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/tracker"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// fakeScatter is a fixed list of virt/length segments, used to exercise the
// HW-SGL and PRP-from-scatter paths without a real caller-side I/O vector.
type fakeScatter struct {
	segs   []seg
	cursor int
}

type seg struct {
	virt   uintptr
	length uint32
}

func (f *fakeScatter) ResetSGL(uint64) { f.cursor = 0 }

func (f *fakeScatter) NextSGE() (uintptr, uint32, bool) {
	if f.cursor >= len(f.segs) {
		return 0, 0, false
	}
	s := f.segs[f.cursor]
	f.cursor++
	return s.virt, s.length, true
}

func noBadAddress() {}

func newPoolAndTracker(t *testing.T, plat platform.Platform) (*tracker.Pool, *tracker.Tracker) {
	t.Helper()
	pool, err := tracker.New(plat, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	tr, ok := pool.Acquire()
	require.True(t, ok)
	return pool, tr
}

// TestBuildContigAligned4KiB matches end-to-end scenario 1: a single
// page-aligned 4 KiB read needs only prp1.
func TestBuildContigAligned4KiB(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	virt, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)

	req := &request.Request{
		Payload:     request.Payload{Kind: request.PayloadContig, ContigPtr: virt},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, false, noBadAddress))

	require.EqualValues(t, wire.PSDTPRP, cmd.PSDT())
	require.EqualValues(t, uint64(virt), cmd.PRP1)
	require.Zero(t, cmd.PRP2)
}

// TestBuildContigUnalignedSpansThreePages matches end-to-end scenario 2: an
// 8 KiB read starting 0x200 into a page spans three physical pages, so prp2
// points at the tracker's descriptor area and tr.prp[] holds the remaining
// two page addresses at the documented offsets.
func TestBuildContigUnalignedSpansThreePages(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	base, _, err := plat.DMAAlloc(3*4096, 4096)
	require.NoError(t, err)
	payload := base + 0x200

	req := &request.Request{
		Payload:     request.Payload{Kind: request.PayloadContig, ContigPtr: payload},
		PayloadSize: 8192,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, false, noBadAddress))

	phys := uint64(payload)
	require.EqualValues(t, phys, cmd.PRP1)
	require.EqualValues(t, tr.PRPSGLBusAddr, cmd.PRP2)

	prpList := pool.PRPEntries(tr.Index)
	require.EqualValues(t, phys+0xE00, prpList[0])
	require.EqualValues(t, phys+0x1E00, prpList[1])
}

// TestBuildContigTwoPagesUsesPRP2Directly covers the nseg==2 case: prp2
// holds the second page's physical address directly, with no tracker
// descriptor area involved.
func TestBuildContigTwoPagesUsesPRP2Directly(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	base, _, err := plat.DMAAlloc(2*4096, 4096)
	require.NoError(t, err)
	payload := base + 0x100

	req := &request.Request{
		Payload:     request.Payload{Kind: request.PayloadContig, ContigPtr: payload},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, false, noBadAddress))

	require.EqualValues(t, uint64(payload), cmd.PRP1)
	require.EqualValues(t, uint64(payload)+4096-0x100, cmd.PRP2)
}

// TestBuildHWSGLSingleSegmentInline covers the one-descriptor case, where
// the descriptor itself is packed directly into prp1/prp2 rather than
// referencing the tracker's descriptor area.
func TestBuildHWSGLSingleSegmentInline(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	virt, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)

	req := &request.Request{
		Payload: request.Payload{
			Kind:    request.PayloadScatter,
			Scatter: &fakeScatter{segs: []seg{{virt: virt, length: 4096}}},
		},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, true, noBadAddress))

	require.EqualValues(t, wire.PSDTSGLMetaContig, cmd.PSDT())
	require.EqualValues(t, uint64(virt), cmd.PRP1)
}

// TestBuildHWSGLTwoSegmentsUsesLastSegmentDescriptor covers the
// multi-descriptor case: prp1/prp2 hold a Last Segment descriptor pointing
// at the tracker's descriptor area, which holds the two data-block
// descriptors.
func TestBuildHWSGLTwoSegmentsUsesLastSegmentDescriptor(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	v1, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)
	v2, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)

	req := &request.Request{
		Payload: request.Payload{
			Kind: request.PayloadScatter,
			Scatter: &fakeScatter{segs: []seg{
				{virt: v1, length: 2048},
				{virt: v2, length: 2048},
			}},
		},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, true, noBadAddress))

	last := wire.MakeSGLDescriptor(tr.PRPSGLBusAddr, 2*16, wire.SGLTypeLastSegment)
	require.EqualValues(t, last.Addr, cmd.PRP1)
	require.EqualValues(t, last.LengthAndType, cmd.PRP2)

	sgl := pool.SGLDescriptors(tr.Index)
	require.EqualValues(t, uint64(v1), sgl[0].Addr)
	require.EqualValues(t, uint64(v2), sgl[1].Addr)
}

// TestBuildPRPFromScatterThreePagesPacksDescriptorArea exercises the
// no-SGL-support fallback across three page-aligned segments: the first
// page lands in prp1, prp2 points at the tracker's descriptor area, and the
// remaining pages fill tr.prp[] in order, matching
// the contiguous path's layout even though the source scatter list is
// non-contiguous in virtual address space.
func TestBuildPRPFromScatterThreePagesPacksDescriptorArea(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	v1, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)
	v2, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)
	v3, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)

	req := &request.Request{
		Payload: request.Payload{
			Kind: request.PayloadScatter,
			Scatter: &fakeScatter{segs: []seg{
				{virt: v1, length: 4096},
				{virt: v2, length: 4096},
				{virt: v3, length: 4096},
			}},
		},
		PayloadSize: 3 * 4096,
	}
	cmd := &wire.Command{}
	require.NoError(t, Build(plat, pool, tr, cmd, req, false, noBadAddress))

	require.EqualValues(t, wire.PSDTPRP, cmd.PSDT())
	require.EqualValues(t, uint64(v1), cmd.PRP1)
	require.EqualValues(t, tr.PRPSGLBusAddr, cmd.PRP2)

	prpList := pool.PRPEntries(tr.Index)
	require.EqualValues(t, uint64(v2), prpList[0])
	require.EqualValues(t, uint64(v3), prpList[1])
}

// TestBuildPRPFromScatterRejectsNonTerminalPartialPage covers the
// alignment invariant: every segment but the last must end on a page
// boundary, since only the final segment may leave a page partially full.
func TestBuildPRPFromScatterRejectsNonTerminalPartialPage(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	v1, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)
	v2, _, err := plat.DMAAlloc(4096, 4096)
	require.NoError(t, err)

	req := &request.Request{
		Payload: request.Payload{
			Kind: request.PayloadScatter,
			Scatter: &fakeScatter{segs: []seg{
				{virt: v1, length: 2048}, // ends mid-page, not the last segment
				{virt: v2, length: 4096},
			}},
		},
		PayloadSize: 2048 + 4096,
	}
	cmd := &wire.Command{}
	require.ErrorIs(t, Build(plat, pool, tr, cmd, req, false, noBadAddress), ErrBadAddress)
}

// TestBuildContigBadAddressOnUnmappedPointer covers the virt_to_phys
// failure path against a pointer the platform never allocated.
func TestBuildContigBadAddressOnUnmappedPointer(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	req := &request.Request{
		Payload:     request.Payload{Kind: request.PayloadContig, ContigPtr: 0xdeadbeef},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	require.ErrorIs(t, Build(plat, pool, tr, cmd, req, false, noBadAddress), ErrBadAddress)
}

// TestBuildInvokesOnBadAddressExactlyOnce covers the §9 fix: the builder,
// not the caller, is responsible for triggering the manual-completion
// hook on a BadAddress failure.
func TestBuildInvokesOnBadAddressExactlyOnce(t *testing.T) {
	plat := platform.NewSimulated(0)
	pool, tr := newPoolAndTracker(t, plat)

	calls := 0
	req := &request.Request{
		Payload:     request.Payload{Kind: request.PayloadContig, ContigPtr: 0xdeadbeef},
		PayloadSize: 4096,
	}
	cmd := &wire.Command{}
	err := Build(plat, pool, tr, cmd, req, false, func() { calls++ })
	require.ErrorIs(t, err, ErrBadAddress)
	require.Equal(t, 1, calls)
}
