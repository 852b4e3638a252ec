package pipeline

import (
	"github.com/paulswartz/data-platform/pkg/dmap"
)

// DescriptorOutcome is the final state of one dataset version within a run.
type DescriptorOutcome int

const (
	// Landed means the normalized table was written to the landing area.
	Landed DescriptorOutcome = iota
	// QuarantineFailed means the raw bytes were quarantined with the error
	// that stopped them. The watermark still advances past them.
	QuarantineFailed
	// Halted means an unrecoverable fetch or storage failure stopped the
	// endpoint. The version is listed again by the next run.
	Halted
)

// String returns the metric label of the outcome.
func (o DescriptorOutcome) String() string {
	switch o {
	case Landed:
		return "landed"
	case QuarantineFailed:
		return "quarantine_failed"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// DescriptorResult reports how one dataset version was processed.
type DescriptorResult struct {
	Descriptor dmap.Descriptor
	Outcome    DescriptorOutcome
	// Err is the transform error for QuarantineFailed and the halting
	// error for Halted.
	Err        error
	Rows       int64
	Files      []string // landed keys
	ArchiveKey string
}

// EndpointResult reports one endpoint of a run.
type EndpointResult struct {
	Endpoint dmap.Endpoint
	// Listed is the number of descriptors returned by the listing.
	Listed      int
	Descriptors []DescriptorResult
	// Err is the listing failure, or the error that halted the endpoint.
	Err error
	// ConvergenceErr is set when the relist after processing was not empty.
	ConvergenceErr error
	// Requeued counts descriptors left for the next run, including the
	// halted one.
	Requeued int
}

// Count returns the number of descriptors that ended in outcome.
func (r *EndpointResult) Count(outcome DescriptorOutcome) int {
	n := 0
	for _, d := range r.Descriptors {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}

// Rows returns the total number of rows landed.
func (r *EndpointResult) Rows() int64 {
	var n int64
	for _, d := range r.Descriptors {
		n += d.Rows
	}
	return n
}

// ListingFailed reports whether the endpoint never got past its listing.
func (r *EndpointResult) ListingFailed() bool {
	return r.Err != nil && len(r.Descriptors) == 0 && r.Listed == 0
}
