package nvme

import (
	"sync"
	"time"
	"unsafe"

	"github.com/nvme-userspace/nvme-pcie/internal/constants"
	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/qpair"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// NewTestPlatform returns a Simulated platform whose BAR0 already reports a
// CAP register built from mqes/dstrd and CSTS.RDY set, ready to pass
// straight to Construct and Enable.
// Grounded on the teacher's NewMockBackend(size) constructor: a one-call
// fixture for exercising real transport logic without real hardware.
func NewTestPlatform(mqes uint16, dstrd uint32) *platform.Simulated {
	plat := platform.NewSimulated(64 * 1024)
	virt, _, _, err := plat.MapBAR(0)
	if err != nil {
		panic(err)
	}
	capReg := uint64(mqes) | (uint64(dstrd&0xf) << 32)
	plat.MMIOWrite64(virt, capReg)
	plat.MMIOWrite32(virt+0x1c, 1) // CSTS.RDY
	return plat
}

// RespondFunc computes the completion a MockController answers an observed
// command with. CID and the phase bit are filled in by the watcher, not the
// func, since those are the ring's bookkeeping rather than the device's
// command-specific response.
type RespondFunc func(cmd wire.Command) wire.Completion

// AlwaysSuccess answers every command with a bare (GENERIC, SUCCESS)
// completion, the common case for admin exchanges in tests that only care
// that a queue got created or deleted.
func AlwaysSuccess(wire.Command) wire.Completion {
	return wire.Completion{}
}

// MockController plays the device side of one or more queue pairs in
// tests: it watches a submission queue's tail doorbell for newly posted
// commands and writes back a completion for each, the way the teacher's
// stub-mode ublk runner answers submitted SQEs without a real char device
// behind it. Real NVMe hardware never writes a doorbell register itself —
// only a CQE into ring memory — so WatchQueue only ever reads doorbells and
// writes completion queue entries, never the reverse.
type MockController struct {
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewMockController creates a controller stub ready to watch queue pairs.
func NewMockController() *MockController {
	return &MockController{stopCh: make(chan struct{})}
}

// WatchQueue starts a goroutine answering every command submitted to qp
// with resp, polling its SQ tail doorbell every pollInterval. ct must be
// the ControllerTransport that owns qp (admin or I/O) so the watcher can
// compute the same doorbell addresses and ring layout the real queue pair
// uses. Only valid against a Simulated platform, where SQPhys/CQPhys equal
// their virtual addresses.
func (m *MockController) WatchQueue(ct *ControllerTransport, qp *qpair.QueuePair, pollInterval time.Duration, resp RespondFunc) {
	sqBytes := int(qp.NumEntries()) * constants.SQEntrySize
	cqBytes := int(qp.NumEntries()) * constants.CQEntrySize
	sq := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(qp.SQPhys()))), sqBytes)
	cq := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(qp.CQPhys()))), cqBytes)

	sqDoorbell := ct.win.DoorbellAddr(qp.ID(), false, ct.doorbellStrideU32)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var sqHead, cqTail uint16
		var cqPhase uint16 = 1

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
			}

			tail := uint16(ct.plat.MMIORead32(sqDoorbell))
			for sqHead != tail {
				cmd := (*wire.Command)(unsafe.Pointer(&sq[int(sqHead)*constants.SQEntrySize]))
				cpl := resp(*cmd)
				cpl.CID = cmd.CID()
				cpl.Status = wire.MakeStatus(cpl.SCT(), cpl.SC(), cpl.DNR(), cqPhase)

				*(*wire.Completion)(unsafe.Pointer(&cq[int(cqTail)*constants.CQEntrySize])) = cpl

				cqTail++
				if cqTail == qp.NumEntries() {
					cqTail = 0
					cqPhase ^= 1
				}
				sqHead++
				if sqHead == qp.NumEntries() {
					sqHead = 0
				}
			}
		}
	}()
}

// Close stops every watcher started by WatchQueue and waits for them to
// exit.
func (m *MockController) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
