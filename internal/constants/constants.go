// Package constants holds the fixed sizes and tunables that define the
// on-the-wire and in-memory layout of the transport.
package constants

// PageSize is the NVMe page unit (PRP/CMB alignment granularity). Every PRP
// list entry, CMB allocation, and MPS-relative offset is expressed in units
// of this value.
const PageSize = 4096

// SQEntrySize and CQEntrySize are the fixed wire sizes of a submission queue
// entry (Command) and completion queue entry (Completion).
const (
	SQEntrySize = 64
	CQEntrySize = 16
)

// PRPEntrySize and SGLDescriptorSize are the fixed sizes of a single PRP
// list entry and a single SGL descriptor.
const (
	PRPEntrySize      = 8
	SGLDescriptorSize = 16
)

// TrackerSize is the fixed size of a Tracker's DMA page, chosen so that
// trackers pack one-per-page in the host memory backing the PRP/SGL
// scratch area.
const TrackerSize = PageSize

// MaxPRPListEntries and MaxSGLDescriptors bound the embedded descriptor area
// within a Tracker's page: 506*8 == 253*16 == 4048 bytes, the space the
// original tracker layout leaves after its bookkeeping header. Here the
// bookkeeping lives outside the DMA page (see internal/tracker), so the
// last 48 bytes of each page go unused.
const (
	MaxPRPListEntries = 506
	MaxSGLDescriptors = 253
)

// Default queue sizing. AdminQueueTrackers is fixed; DefaultIOQueueTrackers is
// capped relative to the negotiated queue depth (min(default, depth-1)).
const (
	AdminQueueTrackers    = 16
	DefaultIOQueueTrackers = 128
)

// DefaultRetryLimit bounds how many times a tracker with a retryable status
// is resubmitted before its completion is delivered to the caller as an
// error. The original implementation keyed this off a single process-wide
// tunable; here it is a per-transport option (TransportOptions.RetryLimit)
// with this as its default.
const DefaultRetryLimit = 4

// CMB BIR (Base Indicator Register) values the controller is permitted to
// report in CMBLOC. Any other value makes the CMB unusable and the
// transport falls back to host memory for submission queues.
var ValidCMBBars = [...]uint8{0, 2, 3, 4, 5}

// AutoAssignQueueID indicates the controller should allocate the next free
// queue identifier rather than use caller-supplied one.
const AutoAssignQueueID = -1
