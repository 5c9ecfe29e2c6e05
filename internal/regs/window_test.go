package regs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvme-userspace/nvme-pcie/internal/platform"
)

func newTestWindow(t *testing.T) (*Window, platform.Platform) {
	t.Helper()
	plat := platform.NewSimulated(0)
	virt, _, size, err := plat.MapBAR(0)
	require.NoError(t, err)
	return New(plat, virt, size), plat
}

func TestGetSetCC(t *testing.T) {
	w, _ := newTestWindow(t)
	require.NoError(t, w.SetCC(CCEnable))
	got, err := w.GetCC()
	require.NoError(t, err)
	require.Equal(t, uint32(CCEnable), got)
}

func TestCAPDecode(t *testing.T) {
	w, _ := newTestWindow(t)
	// MQES=127, CQR=1, DSTRD=2 (stride 4), CSS=1, MPSMIN=0, MPSMAX=4
	raw := uint64(127) | (1 << 16) | (uint64(2) << 32) | (uint64(1) << 37) | (uint64(0) << 48) | (uint64(4) << 52)
	require.NoError(t, w.Set64(offCAP, raw))

	cap, err := w.GetCAP()
	require.NoError(t, err)
	require.Equal(t, uint16(127), cap.MQES)
	require.True(t, cap.CQR)
	require.EqualValues(t, 2, cap.DSTRD)
	require.EqualValues(t, 1, cap.CSS)
	require.EqualValues(t, 4, cap.MPSMAX)
	require.EqualValues(t, 4, cap.DoorbellStrideU32())
}

func TestSetAQA(t *testing.T) {
	w, _ := newTestWindow(t)
	require.NoError(t, w.SetAQA(15, 31))
	raw, err := w.Get32(offAQA)
	require.NoError(t, err)
	require.EqualValues(t, 15, raw&0xfff)
	require.EqualValues(t, 31, (raw>>16)&0xfff)
}

func TestSetASQACQ(t *testing.T) {
	w, _ := newTestWindow(t)
	require.NoError(t, w.SetASQ(0x1000))
	require.NoError(t, w.SetACQ(0x2000))
	asq, err := w.Get64(offASQ)
	require.NoError(t, err)
	require.EqualValues(t, 0x1000, asq)
	acq, err := w.Get64(offACQ)
	require.NoError(t, err)
	require.EqualValues(t, 0x2000, acq)
}

func TestCMBLOCCMBSZDecode(t *testing.T) {
	w, _ := newTestWindow(t)
	// BIR=2, OFST=5
	locRaw := uint32(2) | (uint32(5) << 12)
	require.NoError(t, w.Set32(offCMBLOC, locRaw))
	loc, err := w.GetCMBLOC()
	require.NoError(t, err)
	require.EqualValues(t, 2, loc.BIR)
	require.EqualValues(t, 5, loc.OFST)

	// SQS=1, CQS=1, SZU=2, SZ=16
	szRaw := uint32(1) | (1 << 1) | (uint32(2) << 8) | (uint32(16) << 12)
	require.NoError(t, w.Set32(offCMBSZ, szRaw))
	sz, err := w.GetCMBSZ()
	require.NoError(t, err)
	require.True(t, sz.SQS)
	require.True(t, sz.CQS)
	require.EqualValues(t, 2, sz.SZU)
	require.EqualValues(t, 16, sz.SZ)
}

func TestDoorbellAddrSpacing(t *testing.T) {
	w, _ := newTestWindow(t)
	stride := uint32(1) // DSTRD=0

	sq0 := w.DoorbellAddr(0, false, stride)
	cq0 := w.DoorbellAddr(0, true, stride)
	sq1 := w.DoorbellAddr(1, false, stride)

	require.Equal(t, w.virt+DoorbellBase, sq0)
	require.Equal(t, sq0+4, cq0)
	require.Equal(t, sq0+8, sq1)
}

func TestRingDoorbellWritesValue(t *testing.T) {
	w, plat := newTestWindow(t)
	addr := w.DoorbellAddr(1, false, 1)
	w.RingDoorbell(addr, 42)
	require.EqualValues(t, 42, plat.MMIORead32(addr))
}

func TestGet32OutOfBoundsFails(t *testing.T) {
	w, _ := newTestWindow(t)
	_, err := w.Get32(RegSpaceSize)
	require.Error(t, err)
}
