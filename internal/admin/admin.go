// Package admin builds the admin-queue commands that make up Component G's
// controller lifecycle glue: Create/Delete I/O Completion/Submission Queue,
// translated from nvme_pcie_ctrlr_cmd_create_io_cq/sq and
// nvme_pcie_ctrlr_cmd_delete_io_cq/sq. It also owns the cross-process
// pending-admin-completion registry spec.md §5/§9 describe, grounded on
// nvme_pcie_qpair_insert_pending_admin_request/
// nvme_pcie_qpair_complete_pending_admin_request.
package admin

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

// Admin command opcodes this package issues.
const (
	OpcodeDeleteIOSQ = 0x00
	OpcodeCreateIOSQ = 0x01
	OpcodeDeleteIOCQ = 0x04
	OpcodeCreateIOCQ = 0x05
)

// qsizeCDW10 packs the shared cdw10 layout used by both Create commands:
// queue size minus one in bits 16:31, queue id in bits 0:15.
func qsizeCDW10(qid int, numEntries uint16) uint32 {
	return (uint32(numEntries-1) << 16) | uint32(uint16(qid))
}

// BuildCreateIOCQ builds a Create I/O Completion Queue admin command. The
// queue is always physically contiguous (PC=1) and interrupts are never
// requested (IEN=0), since this transport is poll-driven end to end.
func BuildCreateIOCQ(qid int, numEntries uint16, cqPhys uint64) wire.Command {
	var cmd wire.Command
	cmd.SetOPC(OpcodeCreateIOCQ)
	cmd.SetPSDT(wire.PSDTPRP)
	cmd.PRP1 = cqPhys
	cmd.CDW10 = qsizeCDW10(qid, numEntries)
	cmd.CDW11 = 0x1 // PC=1, IEN=0
	return cmd
}

// BuildCreateIOSQ builds a Create I/O Submission Queue admin command,
// binding it to cqid at the given priority (ignored by controllers running
// in round-robin-only arbitration, but always sent per spec.md §4.G).
func BuildCreateIOSQ(qid int, numEntries uint16, sqPhys uint64, cqid int, priority uint8) wire.Command {
	var cmd wire.Command
	cmd.SetOPC(OpcodeCreateIOSQ)
	cmd.SetPSDT(wire.PSDTPRP)
	cmd.PRP1 = sqPhys
	cmd.CDW10 = qsizeCDW10(qid, numEntries)
	cmd.CDW11 = (uint32(uint16(cqid)) << 16) | (uint32(priority&0x3) << 1) | 0x1 // PC=1
	return cmd
}

// BuildDeleteIOCQ and BuildDeleteIOSQ build the corresponding deletion
// commands; both carry only the target queue id in cdw10.
func BuildDeleteIOCQ(qid int) wire.Command {
	var cmd wire.Command
	cmd.SetOPC(OpcodeDeleteIOCQ)
	cmd.CDW10 = uint32(uint16(qid))
	return cmd
}

func BuildDeleteIOSQ(qid int) wire.Command {
	var cmd wire.Command
	cmd.SetOPC(OpcodeDeleteIOSQ)
	cmd.CDW10 = uint32(uint16(qid))
	return cmd
}

// pendingAdmin pairs a parked request with the completion it eventually
// received from the admin queue.
type pendingAdmin struct {
	req *request.Request
	cpl wire.Completion
}

// ProcessRegistry parks admin completions owned by a process other than the
// one currently draining the admin queue, keyed by pid. One FIFO per
// registered process, each backed by github.com/eapache/queue — the same
// library and access pattern (push tail, pop head) as QueuePair's
// queued_requests FIFO.
//
// The registry's mutex is a plain non-recursive sync.Mutex: Route (called
// from inside QueuePair.completeTracker, off the admin queue's own process's
// hot path) and Drain (called from the tail of that process's own
// QueuePair.Poll) never nest, because draining a process's own pending list
// never itself produces a completion destined for another process.
type ProcessRegistry struct {
	mu      sync.Mutex
	pending map[int]*queue.Queue
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{pending: make(map[int]*queue.Queue)}
}

// RegisterProcess ensures pid has a pending-completions FIFO, so Drain(pid)
// has something to look at even before its first Route call.
func (r *ProcessRegistry) RegisterProcess(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[pid]; !ok {
		r.pending[pid] = queue.New()
	}
}

// Route parks a completion for delivery the next time pid's process drains
// the admin queue. Matches internal/qpair.RouteForeignAdminCompletion.
func (r *ProcessRegistry) Route(pid int, req *request.Request, cpl wire.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.pending[pid]
	if !ok {
		q = queue.New()
		r.pending[pid] = q
	}
	q.Add(pendingAdmin{req: req, cpl: cpl})
}

// Drain delivers every completion parked for pid, invoking each request's
// callback directly (never routing again, since pid is by definition the
// draining process's own). Matches
// nvme_pcie_qpair_complete_pending_admin_request's per-process drain loop.
func (r *ProcessRegistry) Drain(pid int) {
	r.mu.Lock()
	q, ok := r.pending[pid]
	if !ok {
		r.mu.Unlock()
		return
	}
	var ready []pendingAdmin
	for q.Length() > 0 {
		ready = append(ready, q.Remove().(pendingAdmin))
	}
	r.mu.Unlock()

	for _, p := range ready {
		if p.req.Callback != nil {
			cpl := p.cpl
			p.req.Callback(&cpl)
		}
	}
}
