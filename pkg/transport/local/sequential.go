package local

import (
	"context"
	"time"

	"github.com/google/uuid"

	"piscale/pkg/reduce"
)

// RunSequential computes the same partition as a job with workers workers,
// one chunk after the other on the calling goroutine. It is the baseline the
// concurrent run is timed against.
func RunSequential(ctx context.Context, k reduce.Kernel, est reduce.Estimator, workers int, chunkSize int64, reference float64) (reduce.Report, error) {
	cfg := reduce.Config{Workers: workers, ChunkSize: chunkSize, Estimator: est}
	if err := cfg.Validate(); err != nil {
		return reduce.Report{}, err
	}

	started := time.Now()
	var acc float64
	for _, c := range reduce.Partition(chunkSize, workers) {
		partial, err := k.Compute(ctx, c)
		if err != nil {
			return reduce.Report{}, err
		}
		acc += partial
	}

	total := reduce.TotalWork(chunkSize, workers)
	estimate, diff := reduce.Finalize(acc, total, est, reference)

	var method string
	if named, ok := k.(interface{ Name() string }); ok {
		method = named.Name()
	}
	return reduce.Report{
		JobID:       uuid.New().String(),
		Method:      method,
		Workers:     workers,
		ChunkSize:   chunkSize,
		TotalWork:   total,
		Accumulator: acc,
		Estimate:    estimate,
		Reference:   reference,
		Difference:  diff,
		StartedAt:   started,
		Duration:    time.Since(started),
	}, nil
}
