// Package tracker implements the fixed-size per-queue tracker pool
// (spec component C): one physically-contiguous DMA block of T pages,
// each page backing one in-flight command's embedded PRP list or SGL
// segment, with O(1) free/outstanding bookkeeping.
//
// The bookkeeping fields the original C struct keeps inline (cid, active,
// the request back-pointer) live in a separate, ordinary Go-managed
// Tracker value instead of inside the DMA page itself: a live *request.Request
// is a garbage-collected pointer, and storing one inside memory obtained
// from the platform facility's DMAAlloc (which may be raw mmap'd memory
// outside the Go heap, see internal/platform/vfio.go) would be invisible
// to the garbage collector. Splitting the two keeps the container-of
// idiom's spirit (a single concrete owner, no offset math) while staying
// memory-safe.
package tracker

import (
	"fmt"
	"unsafe"

	"github.com/nvme-userspace/nvme-pcie/internal/constants"
	"github.com/nvme-userspace/nvme-pcie/internal/platform"
	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

func init() {
	if constants.MaxPRPListEntries*8 != constants.MaxSGLDescriptors*16 {
		panic("tracker: PRP and SGL descriptor areas must be the same size")
	}
	if constants.MaxPRPListEntries*8 > constants.PageSize {
		panic("tracker: descriptor area exceeds page size")
	}
}

// Tracker is the host-side bookkeeping record for one in-flight command.
// Index is stable and equals the command id assigned at acquire time.
type Tracker struct {
	Index         int
	Active        bool
	Req           *request.Request
	PRPSGLBusAddr uint64

	// SubmittedAt is the UnixNano timestamp of the command's first
	// dispatch: Acquire clears it, QueuePair.Submit stamps it once, and
	// retries leave it untouched, so
	// a completion's latency covers the whole retry sequence.
	SubmittedAt int64
}

// Pool owns one DMA block of count*PageSize bytes and the Tracker
// bookkeeping array over it.
type Pool struct {
	plat  platform.Platform
	virt  uintptr
	phys  uint64
	count int
	raw   []byte

	trackers []Tracker

	free        []int
	outstanding []int
	outPos      map[int]int
}

// New allocates a tracker pool of the given size.
func New(plat platform.Platform, count int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("tracker: invalid pool size %d", count)
	}

	size := count * constants.PageSize
	virt, phys, err := plat.DMAAlloc(size, constants.PageSize)
	if err != nil {
		return nil, fmt.Errorf("tracker: dma_alloc %d bytes: %w", size, err)
	}

	p := &Pool{
		plat:     plat,
		virt:     virt,
		phys:     phys,
		count:    count,
		raw:      unsafe.Slice((*byte)(unsafe.Pointer(virt)), size),
		trackers: make([]Tracker, count),
		free:     make([]int, 0, count),
		outPos:   make(map[int]int, count),
	}

	for i := 0; i < count; i++ {
		p.trackers[i] = Tracker{
			Index:         i,
			PRPSGLBusAddr: phys + uint64(i*constants.PageSize),
		}
		p.free = append(p.free, i)
	}
	return p, nil
}

// Close releases the pool's DMA allocation.
func (p *Pool) Close() error {
	return p.plat.DMAFree(p.virt)
}

// Acquire pops a tracker off the free list and moves it to outstanding,
// returning ok=false when the pool is exhausted.
func (p *Pool) Acquire() (*Tracker, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	tr := &p.trackers[idx]
	tr.Active = true
	tr.SubmittedAt = 0
	p.outPos[idx] = len(p.outstanding)
	p.outstanding = append(p.outstanding, idx)
	return tr, true
}

// Release clears a tracker and returns it to the free list. idx must
// currently be outstanding.
func (p *Pool) Release(idx int) {
	tr := &p.trackers[idx]
	tr.Active = false
	tr.Req = nil

	if pos, ok := p.outPos[idx]; ok {
		last := len(p.outstanding) - 1
		lastIdx := p.outstanding[last]
		p.outstanding[pos] = lastIdx
		p.outPos[lastIdx] = pos
		p.outstanding = p.outstanding[:last]
		delete(p.outPos, idx)
	}
	p.free = append(p.free, idx)
}

// Get returns the tracker at idx without changing its free/outstanding
// membership.
func (p *Pool) Get(idx int) *Tracker {
	return &p.trackers[idx]
}

// OutstandingIndices returns a snapshot of outstanding tracker indices.
// They are in acquire order until a release: Release swap-removes, moving
// the last index into the released one's slot. A caller whose iteration
// itself triggers releases (e.g.
// abort_aers, which completes trackers as it goes) must call this again
// each pass rather than cache one snapshot, since Release mutates the
// live outstanding set out from under a stale copy.
func (p *Pool) OutstandingIndices() []int {
	out := make([]int, len(p.outstanding))
	copy(out, p.outstanding)
	return out
}

func (p *Pool) FreeCount() int        { return len(p.free) }
func (p *Pool) OutstandingCount() int { return len(p.outstanding) }
func (p *Pool) Count() int            { return p.count }

// PRPEntries returns a view over tracker idx's descriptor area as a PRP
// list of up to MaxPRPListEntries physical addresses.
func (p *Pool) PRPEntries(idx int) []uint64 {
	start := idx * constants.PageSize
	return unsafe.Slice((*uint64)(unsafe.Pointer(&p.raw[start])), constants.MaxPRPListEntries)
}

// SGLDescriptors returns a view over tracker idx's descriptor area as an
// SGL descriptor list of up to MaxSGLDescriptors entries.
func (p *Pool) SGLDescriptors(idx int) []wire.SGLDescriptor {
	start := idx * constants.PageSize
	return unsafe.Slice((*wire.SGLDescriptor)(unsafe.Pointer(&p.raw[start])), constants.MaxSGLDescriptors)
}
