package reduce

import (
	"context"
	"time"
)

// Report is the outcome of a finalized job.
type Report struct {
	// JobID identifies the run (UUID).
	JobID string `json:"job_id"`

	// Method names the kernel that produced the partial results.
	Method string `json:"method"`

	Workers   int   `json:"workers"`
	ChunkSize int64 `json:"chunk_size"`
	TotalWork int64 `json:"total_work"`

	// Accumulator is the sum of all partial results.
	Accumulator float64 `json:"accumulator"`

	// Estimate is the derived estimate computed from Accumulator.
	Estimate float64 `json:"estimate"`

	// Reference is the known constant the estimate is compared against.
	Reference float64 `json:"reference"`

	// Difference is Reference minus Estimate.
	Difference float64 `json:"difference"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Reporter emits a finalized report to an output sink.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, r Report) error

// Report calls f(ctx, r).
func (f ReporterFunc) Report(ctx context.Context, r Report) error {
	return f(ctx, r)
}

// Finalize computes the derived estimate of a finished reduction and its signed
// difference from the reference constant.
func Finalize(acc float64, total int64, est Estimator, reference float64) (estimate, difference float64) {
	estimate = est.Estimate(acc, total)
	return estimate, reference - estimate
}
