package nvme

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

func newTestController(t *testing.T, mc *MockController) *ControllerTransport {
	t.Helper()
	plat := NewTestPlatform(255, 0)
	ct, err := Construct(plat, TransportOptions{})
	require.NoError(t, err)
	mc.WatchQueue(ct, ct.admin, time.Millisecond, AlwaysSuccess)
	require.NoError(t, ct.Enable())
	t.Cleanup(func() { _ = ct.Destruct() })
	return ct
}

func TestConstructEnableDestructAgainstSimulatedPlatform(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)
	require.NotNil(t, ct.admin)
	require.True(t, ct.admin.IsEnabled())
}

func TestCreateAndDeleteIOQueueRoundTrip(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	qp, err := ct.CreateIOQueue(1, 0)
	require.NoError(t, err)
	require.NotNil(t, qp)
	require.Contains(t, ct.ioQueues, 1)

	mc.WatchQueue(ct, qp, time.Millisecond, AlwaysSuccess)

	require.NoError(t, ct.DeleteIOQueue(1))
	require.NotContains(t, ct.ioQueues, 1)
}

func TestCreateIOQueueAutoAssignsAndTracksNextQID(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	qp1, err := ct.CreateIOQueue(-1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, qp1.ID())

	qp2, err := ct.CreateIOQueue(-1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, qp2.ID())
}

func TestCreateIOQueueRejectsDuplicateQID(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	_, err := ct.CreateIOQueue(3, 0)
	require.NoError(t, err)

	_, err = ct.CreateIOQueue(3, 0)
	require.Error(t, err)
}

func TestExecAdminSurfacesControllerErrorStatus(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	plat := NewTestPlatform(255, 0)
	ct, err := Construct(plat, TransportOptions{})
	require.NoError(t, err)
	mc.WatchQueue(ct, ct.admin, time.Millisecond, func(wire.Command) wire.Completion {
		return wire.Completion{Status: wire.MakeStatus(wire.SCTGeneric, wire.SCInvalidField, true, 0)}
	})
	require.NoError(t, ct.Enable())
	t.Cleanup(func() { _ = ct.Destruct() })

	_, err = ct.execAdmin(wire.Command{})
	require.Error(t, err)
	var nvErr *Error
	require.ErrorAs(t, err, &nvErr)
	require.Equal(t, ErrCodeControllerError, nvErr.Code)
}

func TestGetSetReg32RoundTrips(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	require.NoError(t, ct.SetReg32(0x80, 0xdeadbeef))
	v, err := ct.GetReg32(0x80)
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, v)
}

func TestReinitIOQueuePreservesIDAndPriorityAndTheSameQueuePair(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	qp, err := ct.CreateIOQueue(5, 2)
	require.NoError(t, err)
	mc.WatchQueue(ct, qp, time.Millisecond, AlwaysSuccess)

	qp2, err := ct.ReinitIOQueue(5)
	require.NoError(t, err)
	require.Same(t, qp, qp2, "reinit must reuse the existing qpair's rings/trackers, not reallocate")
	require.Equal(t, 5, qp2.ID())
	require.Equal(t, uint8(2), qp2.Priority())
}

func TestReinitIOQueueRejectsUnknownQID(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	_, err := ct.ReinitIOQueue(9)
	require.Error(t, err)
}

func TestExecAdminSubmitViaAdminQueueRoundTrips(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	cpl, err := ct.execAdmin(wire.Command{})
	require.NoError(t, err)
	require.EqualValues(t, wire.SCSuccess, cpl.SC())

	done := make(chan *wire.Completion, 1)
	req := &request.Request{
		PID:      ct.currentPID,
		Callback: func(c *wire.Completion) { done <- c },
	}
	require.NoError(t, ct.admin.Submit(req))
	for i := 0; i < 1000 && len(done) == 0; i++ {
		ct.admin.Poll(0)
		time.Sleep(time.Millisecond)
	}
	require.Len(t, done, 1)
}

func TestDefaultObserverPopulatesMetricsFromSubmitPollTraffic(t *testing.T) {
	mc := NewMockController()
	defer mc.Close()

	ct := newTestController(t, mc)

	qp, err := ct.CreateIOQueue(1, 0)
	require.NoError(t, err)
	mc.WatchQueue(ct, qp, time.Millisecond, AlwaysSuccess)

	done := make(chan *wire.Completion, 1)
	req := &request.Request{Callback: func(c *wire.Completion) { done <- c }}
	require.NoError(t, qp.Submit(req))
	for i := 0; i < 1000 && len(done) == 0; i++ {
		qp.Poll(0)
		time.Sleep(time.Millisecond)
	}
	require.Len(t, done, 1)

	snap := ct.Metrics().Snapshot()
	require.GreaterOrEqual(t, snap.SubmittedOps, uint64(1))
	require.GreaterOrEqual(t, snap.CompletedOps, uint64(1))
}
