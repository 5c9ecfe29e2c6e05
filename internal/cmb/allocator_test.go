package cmb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/regs"
)

func newWindow(t *testing.T, plat platform.Platform) *regs.Window {
	t.Helper()
	virt, _, size, err := plat.MapBAR(0)
	require.NoError(t, err)
	return regs.New(plat, virt, size)
}

func setCMBRegs(t *testing.T, win *regs.Window, bir uint8, ofstUnits uint32, szu uint8, szUnits uint32, sqs bool) {
	t.Helper()
	loc := uint32(bir&0x7) | (ofstUnits << 12)
	require.NoError(t, win.Set32(0x38, loc))

	sz := uint32(0)
	if sqs {
		sz |= 0x1
	}
	sz |= uint32(szu&0xf) << 8
	sz |= szUnits << 12
	require.NoError(t, win.Set32(0x3c, sz))
}

func TestTryMapNoCMBReturnsNilNil(t *testing.T) {
	plat := platform.NewSimulated(64 * 1024)
	win := newWindow(t, plat)

	r, err := TryMap(plat, win)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestTryMapInvalidBIRReturnsNilNil(t *testing.T) {
	plat := platform.NewSimulated(64 * 1024)
	win := newWindow(t, plat)
	// BIR=1 is reserved for the upper half of a 64-bit CAP BAR, never a CMB.
	setCMBRegs(t, win, 1, 0, 0, 1, true)

	r, err := TryMap(plat, win)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestTryMapValidCMBComputesSizeAndOffset(t *testing.T) {
	plat := platform.NewSimulated(1024 * 1024)
	win := newWindow(t, plat)
	// SZU=0 -> unit = 1<<12 = 4096; SZ=4 -> size=16384; OFST=1 -> offset=4096.
	setCMBRegs(t, win, 0, 1, 0, 4, true)

	r, err := TryMap(plat, win)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.EqualValues(t, 16384, r.Size())
	require.True(t, r.AllowsSQPlacement)

	barVirt, _, _, err := plat.MapBAR(0)
	require.NoError(t, err)
	require.Equal(t, barVirt+4096, r.VirtAddr(0))
}

func TestAllocBumpsAndRespectsAlignment(t *testing.T) {
	plat := platform.NewSimulated(1024 * 1024)
	win := newWindow(t, plat)
	setCMBRegs(t, win, 0, 0, 0, 4, true) // 16 KiB region at BAR offset 0

	r, err := TryMap(plat, win)
	require.NoError(t, err)
	require.NotNil(t, r)

	off1, ok := r.Alloc(100, 8)
	require.True(t, ok)
	require.Zero(t, off1)

	off2, ok := r.Alloc(8, 8)
	require.True(t, ok)
	require.EqualValues(t, 104, off2) // roundUp(100, 8) == 104
}

func TestAllocFailsPastRegionSize(t *testing.T) {
	plat := platform.NewSimulated(1024 * 1024)
	win := newWindow(t, plat)
	setCMBRegs(t, win, 0, 0, 0, 1, true) // 4 KiB region

	r, err := TryMap(plat, win)
	require.NoError(t, err)
	require.NotNil(t, r)

	_, ok := r.Alloc(4096+1, 8)
	require.False(t, ok)
}
