// Package request defines the external request-layer objects the
// transport consumes but does not own: the per-command payload
// descriptor, callback, and retry bookkeeping. Construction, pooling, and
// retry policy belong to the caller (spec.md §1 names the request object
// factory as an external collaborator); this package only shapes the
// contract.
package request

import "github.com/nvme-userspace/nvme-pcie/internal/wire"

// PayloadKind selects which of the three PRP/SGL builder paths a request
// takes.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadContig
	PayloadScatter
)

// ScatterSource is a caller-supplied scatter/gather iterator used by both
// the HW-SGL and PRP-from-scatter builder paths.
type ScatterSource interface {
	// ResetSGL rewinds the iterator to the given byte offset within the
	// overall transfer.
	ResetSGL(offset uint64)
	// NextSGE returns the next segment's virtual address and length, or
	// ok=false once the iterator is exhausted.
	NextSGE() (virt uintptr, length uint32, ok bool)
}

// Payload describes a request's data transfer.
type Payload struct {
	Kind      PayloadKind
	ContigPtr uintptr // valid when Kind == PayloadContig
	MDPtr     uintptr // optional metadata pointer, either kind
	Scatter   ScatterSource
}

// Request is one in-flight NVMe command plus its completion plumbing.
type Request struct {
	Cmd     wire.Command
	Payload Payload

	PayloadSize   uint32
	PayloadOffset uint32
	MDOffset      uint32

	Retries int
	PID     int

	Callback func(cpl *wire.Completion)
}
