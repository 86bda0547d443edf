package reduce

import "context"

// WorkerID identifies a worker for its whole lifetime. Transports mint it.
type WorkerID string

// Handle is the transport side of one worker: a remote peer connection or a local goroutine.
// The Pool owns handles; the coordinator never calls them directly.
type Handle interface {
	// ID returns the worker's stable identifier.
	ID() WorkerID

	// Dispatch delivers a chunk to the worker's execution context.
	// It must not block on the chunk's computation.
	Dispatch(ctx context.Context, c Chunk) error

	// Close releases the worker's transport resource: it sends the terminate
	// signal to a peer, or joins a local execution unit.
	Close(ctx context.Context) error
}

// Sink receives worker events from a transport. Implementations serialize events,
// so a transport may call a Sink from any goroutine.
type Sink interface {
	Join(h Handle) error
	Result(id WorkerID, partial float64) error
	Fail(id WorkerID, err error) error
}

// Transport produces worker events for one job.
// Start sets up the transport and returns; the transport keeps emitting events
// until ctx is cancelled.
type Transport interface {
	Start(ctx context.Context, sink Sink) error
}

// Kernel computes the partial result of one chunk on the worker's goroutine.
type Kernel interface {
	Compute(ctx context.Context, c Chunk) (float64, error)
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, c Chunk) (float64, error)

// Compute calls f(ctx, c).
func (f KernelFunc) Compute(ctx context.Context, c Chunk) (float64, error) {
	return f(ctx, c)
}

// Estimator turns the final accumulator into the derived estimate.
// total is the whole work size (chunk size times worker count).
type Estimator interface {
	Estimate(acc float64, total int64) float64
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(acc float64, total int64) float64

// Estimate calls f(acc, total).
func (f EstimatorFunc) Estimate(acc float64, total int64) float64 {
	return f(acc, total)
}

// EventKind distinguishes the worker events the coordinator consumes.
type EventKind int

const (
	// EventJoin registers a new worker handle.
	EventJoin EventKind = iota

	// EventResult carries a worker's partial result.
	EventResult

	// EventFailure reports that a worker stopped before delivering its result.
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "join"
	case EventResult:
		return "result"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is one worker event in the coordinator's serialized stream.
type Event struct {
	Kind   EventKind
	Handle Handle
	Worker WorkerID
	Value  float64
	Err    error
}
