package reduce

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation indicates a worker event arrived that the job protocol does not allow:
	// a join after dispatch, a second dispatch, a result from a worker that is not dispatched,
	// or a second close. It is fatal to the job.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrWorkerFailure indicates a worker stopped before reporting its partial result.
	// The job has no substitute worker and aborts.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrWorkerTimeout indicates a configured join or result deadline expired.
	// It wraps ErrWorkerFailure.
	ErrWorkerTimeout = fmt.Errorf("%w: deadline exceeded", ErrWorkerFailure)

	// ErrConfiguration indicates a non-positive worker count or chunk size, or a missing estimator.
	// It is returned before any worker interaction begins.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrJobClosed is returned by the sink once the job has finished and no longer accepts events.
	ErrJobClosed = errors.New("job closed")
)
