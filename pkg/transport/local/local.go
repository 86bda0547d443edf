// Package local runs every worker as a goroutine in the coordinator's process.
package local

import (
	"context"
	"fmt"
	"sync"

	"piscale/pkg/logging"
	"piscale/pkg/reduce"
)

// Transport joins Workers local workers that run Kernel on their chunk.
type Transport struct {
	Workers int
	Kernel  reduce.Kernel
	Logger  logging.Logger
}

var _ reduce.Transport = (*Transport)(nil)

// Start registers the workers with sink in creation order and returns.
// Each worker's goroutine is spawned when its chunk is dispatched.
func (t *Transport) Start(ctx context.Context, sink reduce.Sink) error {
	if t.Workers <= 0 {
		return fmt.Errorf("%w: local worker count must be positive, got %d", reduce.ErrConfiguration, t.Workers)
	}
	if t.Kernel == nil {
		return fmt.Errorf("%w: local transport needs a kernel", reduce.ErrConfiguration)
	}
	logger := t.Logger
	if logger == nil {
		logger = logging.Nop{}
	}

	for i := 0; i < t.Workers; i++ {
		h := &Handle{
			id:     reduce.WorkerID(fmt.Sprintf("local-%d", i)),
			ctx:    ctx,
			kernel: t.Kernel,
			sink:   sink,
			logger: logger,
		}
		if err := sink.Join(h); err != nil {
			return fmt.Errorf("join %s: %w", h.id, err)
		}
	}
	return nil
}

// Handle is one local worker.
type Handle struct {
	id     reduce.WorkerID
	ctx    context.Context
	kernel reduce.Kernel
	sink   reduce.Sink
	logger logging.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	computed chan struct{}
}

var _ reduce.Handle = (*Handle)(nil)

func (h *Handle) ID() reduce.WorkerID {
	return h.id
}

// Dispatch starts the worker's goroutine with c as its input.
func (h *Handle) Dispatch(_ context.Context, c reduce.Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.computed != nil {
		return fmt.Errorf("worker %s already started", h.id)
	}

	ctx, cancel := context.WithCancel(h.ctx)
	h.cancel = cancel
	h.computed = make(chan struct{})
	go h.run(ctx, c, h.computed)
	return nil
}

func (h *Handle) run(ctx context.Context, c reduce.Chunk, computed chan struct{}) {
	partial, err := h.compute(ctx, c)
	close(computed)

	if ctx.Err() != nil {
		// Closed while computing: nobody is waiting for this chunk any more.
		return
	}

	if err != nil {
		err = h.sink.Fail(h.id, err)
	} else {
		err = h.sink.Result(h.id, partial)
	}
	if err != nil {
		h.logger.Debug(ctx, "dropping worker outcome", "workerID", h.id, "error", err)
	}
}

func (h *Handle) compute(ctx context.Context, c reduce.Chunk) (partial float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic on chunk %s: %v", c, r)
		}
	}()
	return h.kernel.Compute(ctx, c)
}

// Close cancels the worker's computation and waits for the kernel to return.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	cancel, computed := h.cancel, h.computed
	h.mu.Unlock()

	if computed == nil {
		return nil
	}
	cancel()

	select {
	case <-computed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
