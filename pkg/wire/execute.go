package wire

import (
	"context"
	"fmt"

	"piscale/pkg/kernel"
	"piscale/pkg/reduce"
)

// Execute runs the kernel named by an assignment on its chunk and returns the
// reply a remote worker sends back: a data message, or a failure message when
// the method is unknown or the kernel fails.
func Execute(ctx context.Context, id reduce.WorkerID, m Message) Message {
	if m.Type != TypeAssignment {
		return Failure(id, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeAssignment, m.Type))
	}
	method, err := kernel.Lookup(m.Method, m.Seed)
	if err != nil {
		return Failure(id, err)
	}

	partial, err := compute(ctx, method, m.Chunk())
	if err != nil {
		return Failure(id, err)
	}
	return Data(id, partial)
}

func compute(ctx context.Context, k reduce.Kernel, c reduce.Chunk) (partial float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic on chunk %s: %v", c, r)
		}
	}()
	return k.Compute(ctx, c)
}
