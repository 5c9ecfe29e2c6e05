// Package qpair implements the submission/completion queue pair and its
// submit/poll engine (spec components D and F): ring allocation, the
// phase-bit poll loop, and the retry/queued-request machinery around the
// tracker pool and PRP/SGL builder. NVMe's queue pair is already a plain
// ring buffer in DMA memory, so unlike the teacher's io_uring layer there
// is no separate kernel-submission abstraction to wrap — ring ownership
// lives directly in QueuePair rather than a standalone ring package.
package qpair

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/eapache/queue"

	"github.com/nvme-userspace/nvme-pcie/internal/cmb"
	"github.com/nvme-userspace/nvme-pcie/internal/constants"
	"github.com/nvme-userspace/nvme-pcie/internal/logging"
	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/prp"
	"github.com/nvme-userspace/nvme-pcie/internal/regs"
	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/tracker"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// ErrProtocol reports a completion whose cid indexes a tracker that is not
// active — a controller misbehaving or a reset racing a late completion.
var ErrProtocol = errors.New("qpair: completion references inactive tracker")

// OpcodeAsyncEventRequest is the admin-queue opcode AbortAERs matches on.
const OpcodeAsyncEventRequest = 0x0c

// RouteForeignAdminCompletion is called for an admin-queue completion whose
// owning request was submitted by a different process than currentPID; it
// is the controller's hook into its cross-process pending registry. Only
// ever invoked on the admin queue pair (id 0).
type RouteForeignAdminCompletion func(pid int, req *request.Request, cpl wire.Completion)

// Options configures Construct. ID 0 is always the admin queue pair.
type Options struct {
	ID           int
	NumEntries   uint16
	Priority     uint8
	StrideU32    uint32
	UseCMBSQs    bool
	SGLSupported bool
	RetryLimit   int
	CurrentPID   int
	RouteForeign RouteForeignAdminCompletion
	Logger       *logging.Logger
	Observer     Observer
}

// QueuePair owns one submission/completion ring pair, its tracker pool, and
// the submit/poll engine over them.
type QueuePair struct {
	win  *regs.Window
	plat platform.Platform

	id         int
	numEntries uint16
	priority   uint8

	sq      []byte
	cq      []byte
	sqPhys  uint64
	cqPhys  uint64
	sqInCMB bool

	sqTail uint16
	cqHead uint16
	phase  uint16

	sqTdbl uintptr
	cqHdbl uintptr

	pool           *tracker.Pool
	queuedRequests *queue.Queue

	sglSupported bool
	retryLimit   int
	isEnabled    bool
	resetting    bool

	currentPID   int
	routeForeign RouteForeignAdminCompletion
	drainForeign func()

	log      *logging.Logger
	observer Observer
}

func trackerCountFor(id int, numEntries uint16) int {
	if id == 0 {
		return constants.AdminQueueTrackers
	}
	t := constants.DefaultIOQueueTrackers
	if int(numEntries)-1 < t {
		t = int(numEntries) - 1
	}
	return t
}

// Construct allocates a queue pair's rings and tracker pool per spec.md
// §4.D step 1-6 and leaves it reset but disabled.
func Construct(plat platform.Platform, win *regs.Window, cmbRegion *cmb.Region, opts Options) (*QueuePair, error) {
	qp := &QueuePair{
		win:            win,
		plat:           plat,
		id:             opts.ID,
		numEntries:     opts.NumEntries,
		priority:       opts.Priority,
		sglSupported:   opts.SGLSupported,
		retryLimit:     opts.RetryLimit,
		queuedRequests: queue.New(),
		currentPID:     opts.CurrentPID,
		routeForeign:   opts.RouteForeign,
		log:            opts.Logger,
		observer:       opts.Observer,
	}
	if qp.observer == nil {
		qp.observer = noopObserver{}
	}

	sqBytes := int(opts.NumEntries) * constants.SQEntrySize
	cqBytes := int(opts.NumEntries) * constants.CQEntrySize

	if opts.UseCMBSQs && cmbRegion != nil && cmbRegion.AllowsSQPlacement {
		if off, ok := cmbRegion.Alloc(uint64(sqBytes), constants.PageSize); ok {
			qp.sq = unsafe.Slice((*byte)(unsafe.Pointer(cmbRegion.VirtAddr(off))), sqBytes)
			qp.sqPhys = cmbRegion.PhysAddr(off)
			qp.sqInCMB = true
		}
	}
	if !qp.sqInCMB {
		virt, phys, err := plat.DMAAlloc(sqBytes, constants.PageSize)
		if err != nil {
			return nil, fmt.Errorf("qpair: alloc sq qid=%d: %w", opts.ID, err)
		}
		qp.sq = unsafe.Slice((*byte)(unsafe.Pointer(virt)), sqBytes)
		qp.sqPhys = phys
	}

	cqVirt, cqPhys, err := plat.DMAAlloc(cqBytes, constants.PageSize)
	if err != nil {
		if !qp.sqInCMB {
			_ = plat.DMAFree(uintptr(unsafe.Pointer(&qp.sq[0])))
		}
		return nil, fmt.Errorf("qpair: alloc cq qid=%d: %w", opts.ID, err)
	}
	qp.cq = unsafe.Slice((*byte)(unsafe.Pointer(cqVirt)), cqBytes)
	qp.cqPhys = cqPhys

	qp.sqTdbl = win.DoorbellAddr(opts.ID, false, opts.StrideU32)
	qp.cqHdbl = win.DoorbellAddr(opts.ID, true, opts.StrideU32)

	pool, err := tracker.New(plat, trackerCountFor(opts.ID, opts.NumEntries))
	if err != nil {
		if !qp.sqInCMB {
			_ = plat.DMAFree(uintptr(unsafe.Pointer(&qp.sq[0])))
		}
		_ = plat.DMAFree(cqVirt)
		return nil, fmt.Errorf("qpair: tracker pool qid=%d: %w", opts.ID, err)
	}
	qp.pool = pool

	qp.resetRings()
	return qp, nil
}

func (qp *QueuePair) resetRings() {
	for i := range qp.sq {
		qp.sq[i] = 0
	}
	for i := range qp.cq {
		qp.cq[i] = 0
	}
	qp.sqTail = 0
	qp.cqHead = 0
	qp.phase = 1
}

// ID, NumEntries, SQPhys, CQPhys and IsEnabled expose the fields
// internal/admin and the root controller need to build Create/Delete I/O
// queue admin commands and to drive enable/disable sequencing.
func (qp *QueuePair) ID() int             { return qp.id }
func (qp *QueuePair) NumEntries() uint16  { return qp.numEntries }
func (qp *QueuePair) Priority() uint8     { return qp.priority }
func (qp *QueuePair) SQPhys() uint64      { return qp.sqPhys }
func (qp *QueuePair) CQPhys() uint64      { return qp.cqPhys }
func (qp *QueuePair) IsEnabled() bool     { return qp.isEnabled }
func (qp *QueuePair) QueuedCount() int    { return qp.queuedRequests.Length() }
func (qp *QueuePair) Outstanding() []int  { return qp.pool.OutstandingIndices() }
func (qp *QueuePair) FreeTrackers() int   { return qp.pool.FreeCount() }

// Enable marks the queue pair enabled and aborts any residual outstanding
// trackers: the admin variant with do-not-retry, I/O variants with retry
// allowed, per spec.md §4.D.
func (qp *QueuePair) Enable() {
	qp.isEnabled = true
	dnr := qp.id == 0
	qp.AbortAll(wire.SCTGeneric, wire.SCAbortedByReq, dnr)
}

// ensureEnabled lazily enables a disabled, non-resetting queue pair,
// reproducing nvme_pcie_qpair_check_enabled: the original calls
// nvme_qpair_enable itself the first time submit/poll sees the qpair
// disabled, rather than requiring a separate Enable() call from the
// controller layer first. Mid-reset the queue pair stays disabled until
// Reset's own trailing Enable() call, so ensureEnabled is a no-op while
// qp.resetting is set.
func (qp *QueuePair) ensureEnabled() {
	if !qp.isEnabled && !qp.resetting {
		qp.Enable()
	}
}

// Disable marks the queue pair disabled. The admin variant also aborts any
// outstanding async-event-request entries, since those are the only
// commands an I/O-less admin queue legitimately keeps outstanding across a
// disable.
func (qp *QueuePair) Disable() {
	qp.isEnabled = false
	if qp.id == 0 {
		qp.AbortAERs()
	}
}

// Reset cancels in-flight commands and rewinds the rings: disable, abort
// everything with do-not-retry, zero the rings, re-enable. Used for
// controller-level reset; tolerates hardware completions that arrive for
// now-inactive trackers by reporting them as protocol errors rather than
// dispatching a callback.
func (qp *QueuePair) Reset() {
	qp.resetting = true
	qp.Disable()
	qp.AbortAll(wire.SCTGeneric, wire.SCAbortedByReq, true)
	qp.resetRings()
	qp.resetting = false
	qp.Enable()
}

// Destroy frees the queue pair's rings and tracker pool. SQ rings placed in
// the CMB are never DMA-freed — the CMB region itself owns that memory.
func (qp *QueuePair) Destroy() error {
	if qp.id == 0 {
		qp.AbortAERs()
	}

	var firstErr error
	if !qp.sqInCMB {
		if err := qp.plat.DMAFree(uintptr(unsafe.Pointer(&qp.sq[0]))); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := qp.plat.DMAFree(uintptr(unsafe.Pointer(&qp.cq[0]))); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := qp.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (qp *QueuePair) sqEntry(i uint16) *wire.Command {
	return (*wire.Command)(unsafe.Pointer(&qp.sq[int(i)*constants.SQEntrySize]))
}

func (qp *QueuePair) cqEntry(i uint16) *wire.Completion {
	return (*wire.Completion)(unsafe.Pointer(&qp.cq[int(i)*constants.CQEntrySize]))
}

// Submit implements spec.md §4.F's submit path. Step 1 ensures the queue
// pair is enabled before anything else; a still-disabled (mid-reset) queue
// pair or an exhausted tracker pool both queue the request rather than
// failing it.
func (qp *QueuePair) Submit(req *request.Request) error {
	qp.ensureEnabled()
	if !qp.isEnabled {
		qp.queuedRequests.Add(req)
		qp.observer.ObserveQueued()
		return nil
	}
	tr, ok := qp.pool.Acquire()
	if !ok {
		qp.queuedRequests.Add(req)
		qp.observer.ObserveQueued()
		return nil
	}
	tr.Req = req
	tr.SubmittedAt = time.Now().UnixNano()
	if err := qp.buildAndRing(tr, req); err != nil {
		return err
	}
	qp.observer.ObserveSubmit(uint64(req.PayloadSize))
	qp.observer.ObserveQueueDepth(qp.pool.OutstandingCount())
	return nil
}

// buildAndRing is the inner half of submit: populate the command's PRP/SGL
// fields, copy it into the SQ ring, and ring the doorbell. It is also the
// resubmission step a retry takes, reusing the same tracker rather than
// acquiring a new one.
func (qp *QueuePair) buildAndRing(tr *tracker.Tracker, req *request.Request) error {
	req.Cmd.SetCID(uint16(tr.Index))

	err := prp.Build(qp.plat, qp.pool, tr, &req.Cmd, req, qp.sglSupported, func() {
		qp.manualComplete(tr, wire.SCTGeneric, wire.SCInvalidField, true)
	})
	if err != nil {
		return err
	}

	*qp.sqEntry(qp.sqTail) = req.Cmd
	qp.sqTail++
	if qp.sqTail == qp.numEntries {
		qp.sqTail = 0
	}
	qp.win.RingDoorbell(qp.sqTdbl, uint32(qp.sqTail))
	return nil
}

// Poll implements spec.md §4.F's poll path: scan the CQ ring by phase bit,
// dispatch completions, coalesce the CQ doorbell write, and on the admin
// queue drain this process's pending cross-process admin completions. Like
// Submit, it first ensures the queue pair is enabled so a freshly
// constructed qpair is pollable without a separate Enable() call.
func (qp *QueuePair) Poll(max int) int {
	qp.ensureEnabled()
	if !qp.isEnabled {
		return 0
	}
	limit := int(qp.numEntries) - 1
	if max <= 0 || max > limit {
		max = limit
	}

	completed := 0
	for completed < max {
		cpl := qp.cqEntry(qp.cqHead)
		if cpl.Phase() != qp.phase {
			break
		}

		cid := int(cpl.CID)
		if cid < 0 || cid >= qp.pool.Count() {
			if qp.log != nil {
				qp.log.Error(fmt.Errorf("%w: cid out of range", ErrProtocol).Error(), "qid", qp.id, "cid", cpl.CID)
			}
		} else if tr := qp.pool.Get(cid); !tr.Active {
			if qp.log != nil {
				qp.log.Error(ErrProtocol.Error(), "qid", qp.id, "cid", cpl.CID)
			}
		} else {
			cplCopy := *cpl
			qp.completeTracker(tr, &cplCopy)
		}

		qp.cqHead++
		if qp.cqHead == qp.numEntries {
			qp.cqHead = 0
			qp.phase ^= 1
		}
		completed++
	}

	if completed > 0 {
		qp.win.RingDoorbell(qp.cqHdbl, uint32(qp.cqHead))
	}

	if qp.id == 0 {
		qp.drainPending()
	}

	return completed
}

// drainPending calls the controller's per-process pending-list drain hook,
// if one was installed via SetDrainForeign. Left unset, this collapses
// cleanly to single-process operation.
func (qp *QueuePair) drainPending() {
	if qp.drainForeign != nil {
		qp.drainForeign()
	}
}

// SetDrainForeign installs the controller's hook for delivering completions
// parked for this process by another process's admin submission. Invoked
// at the tail of every admin-queue poll. Only meaningful on the admin
// queue pair.
func (qp *QueuePair) SetDrainForeign(fn func()) {
	qp.drainForeign = fn
}

func completionSucceeded(cpl *wire.Completion) bool {
	return cpl.SCT() == wire.SCTGeneric && cpl.SC() == wire.SCSuccess
}

func isRetryable(cpl *wire.Completion) bool {
	return !completionSucceeded(cpl) && !cpl.DNR()
}

// completeTracker implements spec.md §4.F's complete(). A retryable error
// within the retry limit resubmits in place without releasing the tracker;
// otherwise the request is delivered (locally or routed to its owning
// process) and the tracker released, and one queued request is drained if
// the controller is not mid-reset.
func (qp *QueuePair) completeTracker(tr *tracker.Tracker, cpl *wire.Completion) {
	req := tr.Req

	if isRetryable(cpl) && req.Retries < qp.retryLimit {
		req.Retries++
		qp.observer.ObserveRetry()
		if err := qp.buildAndRing(tr, req); err != nil && qp.log != nil {
			qp.log.Error("retry resubmission failed", "qid", qp.id, "cid", tr.Index, "err", err)
		}
		return
	}

	var latencyNs uint64
	if tr.SubmittedAt != 0 {
		latencyNs = uint64(time.Now().UnixNano() - tr.SubmittedAt)
	}
	qp.observer.ObserveComplete(latencyNs, completionSucceeded(cpl), cpl.DNR())

	if qp.id == 0 && qp.routeForeign != nil && req.PID != qp.currentPID {
		qp.routeForeign(req.PID, req, *cpl)
	} else if req.Callback != nil {
		req.Callback(cpl)
	}

	qp.pool.Release(tr.Index)
	qp.observer.ObserveQueueDepth(qp.pool.OutstandingCount())

	if !qp.resetting && qp.queuedRequests.Length() > 0 {
		item := qp.queuedRequests.Remove()
		if qr, ok := item.(*request.Request); ok {
			if err := qp.Submit(qr); err != nil && qp.log != nil {
				qp.log.Error("resubmit of queued request failed", "qid", qp.id, "err", err)
			}
		}
	}
}

// manualComplete fabricates a completion with the given status for the
// tracker's cid and runs it through the normal completion path. Used for
// aborts and for builder BadAddress failures.
func (qp *QueuePair) manualComplete(tr *tracker.Tracker, sct, sc uint8, dnr bool) {
	cpl := wire.Completion{
		CID:    uint16(tr.Index),
		Status: wire.MakeStatus(sct, sc, dnr, qp.phase),
	}
	qp.completeTracker(tr, &cpl)
}

// AbortAll manually completes every outstanding tracker with the given
// status. Used by Enable/Reset.
func (qp *QueuePair) AbortAll(sct, sc uint8, dnr bool) {
	for _, idx := range qp.pool.OutstandingIndices() {
		qp.manualComplete(qp.pool.Get(idx), sct, sc, dnr)
	}
}

// AbortAERs completes only outstanding Async-Event-Request commands, with
// (GENERIC, ABORTED_SQ_DELETION, dnr=0). A no-op on I/O queue pairs.
// Iteration restarts after each completion since completing a tracker
// mutates the outstanding list out from under a cached snapshot.
func (qp *QueuePair) AbortAERs() {
	if qp.id != 0 {
		return
	}
	for {
		completedAny := false
		for _, idx := range qp.pool.OutstandingIndices() {
			tr := qp.pool.Get(idx)
			if tr.Req != nil && tr.Req.Cmd.OPC() == OpcodeAsyncEventRequest {
				qp.manualComplete(tr, wire.SCTGeneric, wire.SCAbortedSQDel, false)
				completedAny = true
				break
			}
		}
		if !completedAny {
			return
		}
	}
}
