// Package nvme is the NVMe-over-PCIe transport core: the register window,
// CMB allocator, tracker pool, queue pair, and PRP/SGL builder, wired
// together behind ControllerTransport. See SPEC_FULL.md for the full
// component breakdown.
package nvme

import (
	"fmt"
	"os"

	"github.com/nvme-userspace/nvme-pcie/internal/admin"
	"github.com/nvme-userspace/nvme-pcie/internal/cmb"
	"github.com/nvme-userspace/nvme-pcie/internal/constants"
	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/qpair"
	"github.com/nvme-userspace/nvme-pcie/internal/regs"
	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// MaxTransferSize is the largest single transfer this transport's PRP
// builder can describe: 506 PRP list entries, one page each, per spec.md
// §6.
const MaxTransferSize = constants.MaxPRPListEntries * constants.PageSize

// pciCommandOffset and pciCommandBusmasterAndINTxDisable are the PCI
// configuration-space register and bit pattern construct() sets: bus
// master enable (bit 2) and INTx disable (bit 10), combined as 0x404.
const (
	pciCommandOffset               = 0x04
	pciCommandBusmasterAndINTxDisable = 0x404
)

// adminPollAttempts bounds how many times Enable polls CSTS.RDY and how
// many times execAdmin (create/delete/reinit) polls the admin queue waiting
// for one command's completion. Not a wall-clock
// timer (spec.md §5 explicitly owns none) — just a backstop against a
// silently wedged controller, surfaced as ErrCodeTimeout.
const adminPollAttempts = 1_000_000

// adminQueueEntries is N for the admin queue pair, fixed at 128 per
// spec.md §3's sizing rule (T=16 follows from
// constants.AdminQueueTrackers).
const adminQueueEntries = 128

// ControllerTransport owns the register window, optional CMB region,
// doorbell stride, the admin queue pair, the per-process admin-completion
// registry, and every I/O queue pair created through it. Grounded on
// nvme_pcie_ctrlr_construct/enable/destruct and structurally on the
// teacher's Device/DeviceParams construct-then-configure-then-start shape.
type ControllerTransport struct {
	plat platform.Platform
	win  *regs.Window

	barVirt uintptr
	barSize uint64

	cap               regs.CAP
	doorbellStrideU32 uint32

	cmbRegion *cmb.Region

	admin     *qpair.QueuePair
	ioQueues  map[int]*qpair.QueuePair
	nextQID   int
	registry  *admin.ProcessRegistry
	currentPID int

	opts    TransportOptions
	metrics *Metrics
	log     interface {
		Debug(string, ...any)
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}
}

// Construct maps BAR0, negotiates PCI bus mastering, reads CAP, maps the
// CMB if present, and constructs the admin queue pair. Matches
// nvme_pcie_ctrlr_construct.
func Construct(plat platform.Platform, opts TransportOptions) (*ControllerTransport, error) {
	opts = opts.withDefaults()

	virt, _, size, err := plat.MapBAR(0)
	if err != nil {
		return nil, WrapError("construct", err)
	}
	win := regs.New(plat, virt, size)

	cmdReg, err := plat.CfgRead32(pciCommandOffset)
	if err != nil {
		_ = plat.UnmapBAR(virt, size)
		return nil, WrapError("construct", err)
	}
	if err := plat.CfgWrite32(pciCommandOffset, cmdReg|pciCommandBusmasterAndINTxDisable); err != nil {
		_ = plat.UnmapBAR(virt, size)
		return nil, WrapError("construct", err)
	}

	cap, err := win.GetCAP()
	if err != nil {
		_ = plat.UnmapBAR(virt, size)
		return nil, WrapError("construct", err)
	}
	strideU32 := cap.DoorbellStrideU32()

	cmbRegion, err := cmb.TryMap(plat, win)
	if err != nil {
		_ = plat.UnmapBAR(virt, size)
		return nil, WrapError("construct", err)
	}

	currentPID := os.Getpid()
	registry := admin.NewProcessRegistry()
	registry.RegisterProcess(currentPID)

	metrics := NewMetrics()
	if opts.Observer == nil {
		opts.Observer = NewMetricsObserver(metrics)
	}

	ct := &ControllerTransport{
		plat:              plat,
		win:               win,
		barVirt:           virt,
		barSize:           size,
		cap:               cap,
		doorbellStrideU32: strideU32,
		cmbRegion:         cmbRegion,
		ioQueues:          make(map[int]*qpair.QueuePair),
		nextQID:           1,
		registry:          registry,
		currentPID:        currentPID,
		opts:              opts,
		metrics:           metrics,
		log:               opts.Logger,
	}

	adminQP, err := qpair.Construct(plat, win, cmbRegion, qpair.Options{
		ID:           0,
		NumEntries:   adminQueueEntries,
		StrideU32:    strideU32,
		RetryLimit:   opts.RetryLimit,
		CurrentPID:   currentPID,
		RouteForeign: registry.Route,
		Logger:       opts.Logger,
		Observer:     qpairObserverAdapter{inner: opts.Observer},
	})
	if err != nil {
		_ = plat.UnmapBAR(virt, size)
		return nil, WrapError("construct", err)
	}
	adminQP.SetDrainForeign(func() { registry.Drain(currentPID) })
	ct.admin = adminQP

	return ct, nil
}

// Enable writes ASQ/ACQ/AQA and enables the admin queue pair. Matches
// nvme_pcie_ctrlr_enable.
func (ct *ControllerTransport) Enable() error {
	if err := ct.win.SetASQ(ct.admin.SQPhys()); err != nil {
		return WrapError("enable", err)
	}
	if err := ct.win.SetACQ(ct.admin.CQPhys()); err != nil {
		return WrapError("enable", err)
	}
	n := ct.admin.NumEntries()
	if err := ct.win.SetAQA(n-1, n-1); err != nil {
		return WrapError("enable", err)
	}
	cc, err := ct.win.GetCC()
	if err != nil {
		return WrapError("enable", err)
	}
	if err := ct.win.SetCC(cc | regs.CCEnable); err != nil {
		return WrapError("enable", err)
	}

	for i := 0; ; i++ {
		if i >= adminPollAttempts {
			return NewError("enable", ErrCodeTimeout, "controller never reported CSTS.RDY")
		}
		csts, err := ct.win.GetCSTS()
		if err != nil {
			return WrapError("enable", err)
		}
		if csts&regs.CSTSReady != 0 {
			break
		}
	}

	ct.admin.Enable()
	return nil
}

// Destruct destroys every I/O queue pair and the admin queue pair, then
// unmaps BAR0. A CMB BAR mapped by Construct is not unmapped. Grounded on
// nvme_pcie_ctrlr_destruct.
func (ct *ControllerTransport) Destruct() error {
	var firstErr error
	for qid, qp := range ct.ioQueues {
		if err := qp.Destroy(); err != nil && firstErr == nil {
			firstErr = NewQueueError("destruct", qid, ErrCodeIoError, err.Error())
		}
		delete(ct.ioQueues, qid)
	}
	if err := ct.admin.Destroy(); err != nil && firstErr == nil {
		firstErr = WrapError("destruct", err)
	}
	if err := ct.plat.UnmapBAR(ct.barVirt, ct.barSize); err != nil && firstErr == nil {
		firstErr = WrapError("destruct", err)
	}
	ct.metrics.Stop()
	return firstErr
}

// GetReg32/GetReg64/SetReg32/SetReg64 expose raw register access at an
// offset within the NVMe register space, per spec.md §6.
func (ct *ControllerTransport) GetReg32(offset int) (uint32, error) { return ct.win.Get32(offset) }
func (ct *ControllerTransport) GetReg64(offset int) (uint64, error) { return ct.win.Get64(offset) }
func (ct *ControllerTransport) SetReg32(offset int, v uint32) error { return ct.win.Set32(offset, v) }
func (ct *ControllerTransport) SetReg64(offset int, v uint64) error { return ct.win.Set64(offset, v) }

// Metrics returns the transport's metrics instance.
func (ct *ControllerTransport) Metrics() *Metrics { return ct.metrics }

// Admin returns the admin queue pair, for callers (tests, the simulated
// demonstration program) that need to drive or observe it directly.
func (ct *ControllerTransport) Admin() *qpair.QueuePair { return ct.admin }

// ioQueueDepth computes N = min(256, MQES+1), then applies
// QueueDepthOverride if set (itself re-clamped to what the controller
// can accept).
func (ct *ControllerTransport) ioQueueDepth() uint16 {
	n := int(ct.cap.MQES) + 1
	if n > 256 {
		n = 256
	}
	if ct.opts.QueueDepthOverride > 0 && ct.opts.QueueDepthOverride < n {
		n = ct.opts.QueueDepthOverride
	}
	return uint16(n)
}

// CreateIOQueue constructs a queue pair and issues Create I/O CQ followed
// by Create I/O SQ via the admin queue. On SQ failure it issues a Delete
// I/O CQ cleanup and returns the error. Matches
// nvme_pcie_ctrlr_create_io_qpair / _nvme_pcie_ctrlr_create_io_qpair.
func (ct *ControllerTransport) CreateIOQueue(qid int, priority uint8) (*qpair.QueuePair, error) {
	if qid == constants.AutoAssignQueueID {
		qid = ct.nextQID
	}
	if _, exists := ct.ioQueues[qid]; exists {
		return nil, NewQueueError("create_io_qpair", qid, ErrCodeControllerError, "queue id already in use")
	}

	n := ct.ioQueueDepth()
	qp, err := qpair.Construct(ct.plat, ct.win, ct.cmbRegion, qpair.Options{
		ID:         qid,
		NumEntries: n,
		Priority:   priority,
		StrideU32:  ct.doorbellStrideU32,
		UseCMBSQs:  ct.opts.UseCMBSubmissionQueues,
		RetryLimit: ct.opts.RetryLimit,
		CurrentPID: ct.currentPID,
		Logger:     ct.opts.Logger,
		Observer:   qpairObserverAdapter{inner: ct.opts.Observer},
	})
	if err != nil {
		return nil, WrapError("create_io_qpair", err)
	}

	if err := ct.createIOQueuePairExchange(qp); err != nil {
		_ = qp.Destroy()
		return nil, err
	}

	ct.ioQueues[qid] = qp
	if qid >= ct.nextQID {
		ct.nextQID = qid + 1
	}
	return qp, nil
}

// createIOQueuePairExchange issues the Create I/O CQ then Create I/O SQ
// admin exchange against qp's already-allocated rings and enables it on
// success. Shared by CreateIOQueue (a freshly constructed qpair) and
// ReinitIOQueue (a reset qpair whose rings and tracker pool survive),
// mirroring _nvme_pcie_ctrlr_create_io_qpair's shared helper.
func (ct *ControllerTransport) createIOQueuePairExchange(qp *qpair.QueuePair) error {
	qid := qp.ID()
	n := qp.NumEntries()
	priority := qp.Priority()

	cqCmd := admin.BuildCreateIOCQ(qid, n, qp.CQPhys())
	if _, err := ct.execAdmin(cqCmd); err != nil {
		return NewQueueError("create_io_qpair", qid, ErrCodeControllerError, err.Error())
	}

	sqCmd := admin.BuildCreateIOSQ(qid, n, qp.SQPhys(), qid, priority)
	if _, err := ct.execAdmin(sqCmd); err != nil {
		if _, delErr := ct.execAdmin(admin.BuildDeleteIOCQ(qid)); delErr != nil && ct.log != nil {
			ct.log.Error("cleanup delete_io_cq after create_io_sq failure also failed", "qid", qid, "err", delErr)
		}
		return NewQueueError("create_io_qpair", qid, ErrCodeControllerError, err.Error())
	}

	qp.Enable()
	return nil
}

// DeleteIOQueue issues Delete I/O SQ then Delete I/O CQ, polling admin
// between each, then destroys the local queue pair state.
func (ct *ControllerTransport) DeleteIOQueue(qid int) error {
	qp, ok := ct.ioQueues[qid]
	if !ok {
		return NewQueueError("delete_io_qpair", qid, ErrCodeControllerError, "unknown queue id")
	}

	if _, err := ct.execAdmin(admin.BuildDeleteIOSQ(qid)); err != nil {
		return NewQueueError("delete_io_qpair", qid, ErrCodeControllerError, err.Error())
	}
	if _, err := ct.execAdmin(admin.BuildDeleteIOCQ(qid)); err != nil {
		return NewQueueError("delete_io_qpair", qid, ErrCodeControllerError, err.Error())
	}

	if err := qp.Destroy(); err != nil {
		return WrapError("delete_io_qpair", err)
	}
	delete(ct.ioQueues, qid)
	return nil
}

// ReinitIOQueue re-initializes qid's queue pair in place after a
// controller-level reset, matching nvme_pcie_ctrlr_reinit_io_qpair: it
// resets the existing rings and tracker pool (zeroed, not freed) and
// re-issues the Create I/O CQ/SQ admin exchange against them. Unlike
// DeleteIOQueue followed by CreateIOQueue, no rings or trackers are
// reallocated, and no Delete admin commands are issued — a real controller
// reset has already forgotten the old queue registrations, so issuing
// Delete against them would fail instead of succeeding.
func (ct *ControllerTransport) ReinitIOQueue(qid int) (*qpair.QueuePair, error) {
	qp, ok := ct.ioQueues[qid]
	if !ok {
		return nil, NewQueueError("reinit_io_qpair", qid, ErrCodeControllerError, "unknown queue id")
	}

	qp.Reset()

	if err := ct.createIOQueuePairExchange(qp); err != nil {
		return nil, err
	}
	return qp, nil
}

// execAdmin submits cmd on the admin queue pair and busy-polls until it
// completes, returning the completion or a *Error on a non-success status
// or a stalled admin exchange.
func (ct *ControllerTransport) execAdmin(cmd wire.Command) (wire.Completion, error) {
	done := false
	var result wire.Completion
	req := &request.Request{
		Cmd: cmd,
		PID: ct.currentPID,
		Callback: func(cpl *wire.Completion) {
			done = true
			result = *cpl
		},
	}

	if err := ct.admin.Submit(req); err != nil {
		return wire.Completion{}, WrapError("admin_exec", err)
	}

	for i := 0; !done && i < adminPollAttempts; i++ {
		ct.admin.Poll(0)
	}
	if !done {
		return wire.Completion{}, NewError("admin_exec", ErrCodeTimeout, "admin command never completed")
	}

	if result.SCT() != wire.SCTGeneric || result.SC() != wire.SCSuccess {
		return result, NewError("admin_exec", ErrCodeControllerError,
			fmt.Sprintf("opc=0x%02x sct=%d sc=%d", cmd.OPC(), result.SCT(), result.SC()))
	}
	return result, nil
}
