package reduce

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// WorkerState represents the lifecycle state of a worker in the pool.
type WorkerState string

const (
	// WorkerStateJoined indicates the worker is registered and awaiting its chunk.
	WorkerStateJoined WorkerState = "joined"

	// WorkerStateDispatched indicates the worker received its chunk and is computing.
	WorkerStateDispatched WorkerState = "dispatched"

	// WorkerStateCompleted indicates the worker's partial result was accepted.
	WorkerStateCompleted WorkerState = "completed"

	// WorkerStateClosed indicates the worker's transport resource was released.
	WorkerStateClosed WorkerState = "closed"
)

// PoolHooks are the coordinator callbacks a Pool fires from inside its operations.
type PoolHooks struct {
	// OnTarget is called exactly once, from the Join that brings the pool to its target size.
	OnTarget func(ctx context.Context) error

	// OnResult is called from ReportResult after the worker moved to completed.
	OnResult func(ctx context.Context, id WorkerID, partial float64) error
}

type member struct {
	handle Handle
	state  WorkerState
	chunk  Chunk
}

// Pool is the set of known workers plus the target worker count.
// It owns every handle for the handle's lifetime and enforces the
// joined → dispatched → completed → closed transitions.
type Pool struct {
	mu       sync.RWMutex
	target   int
	hooks    PoolHooks
	order    []WorkerID
	members  map[WorkerID]*member
	targeted bool
}

// NewPool creates an empty pool that fires hooks.OnTarget when target workers have joined.
func NewPool(target int, hooks PoolHooks) *Pool {
	return &Pool{
		target:  target,
		hooks:   hooks,
		members: make(map[WorkerID]*member),
	}
}

// Target returns the configured worker count.
func (p *Pool) Target() int {
	return p.target
}

// Len returns the number of workers that have joined.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// IDs returns the worker ids in join order.
func (p *Pool) IDs() []WorkerID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]WorkerID, len(p.order))
	copy(ids, p.order)
	return ids
}

// State returns the state of a worker and whether the pool knows it.
func (p *Pool) State(id WorkerID) (WorkerState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[id]
	if !ok {
		return "", false
	}
	return m.state, true
}

// Chunk returns the chunk assigned to a dispatched worker.
func (p *Pool) Chunk(id WorkerID) (Chunk, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[id]
	if !ok || m.state == WorkerStateJoined {
		return Chunk{}, false
	}
	return m.chunk, true
}

// Join registers a worker in the joined state. The join that reaches the target
// count fires OnTarget. Joins past the target are rejected with ErrProtocolViolation.
func (p *Pool) Join(ctx context.Context, h Handle) (WorkerID, error) {
	if h == nil {
		return "", fmt.Errorf("%w: nil worker handle", ErrProtocolViolation)
	}
	id := h.ID()

	p.mu.Lock()
	if p.targeted || len(p.order) >= p.target {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: worker %s joined after the pool reached %d workers", ErrProtocolViolation, id, p.target)
	}
	if _, dup := p.members[id]; dup {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: worker %s joined twice", ErrProtocolViolation, id)
	}
	p.members[id] = &member{handle: h, state: WorkerStateJoined}
	p.order = append(p.order, id)
	full := len(p.order) == p.target
	if full {
		p.targeted = true
	}
	p.mu.Unlock()

	if full && p.hooks.OnTarget != nil {
		if err := p.hooks.OnTarget(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Dispatch moves a joined worker to dispatched and hands it the chunk.
func (p *Pool) Dispatch(ctx context.Context, id WorkerID, c Chunk) error {
	p.mu.Lock()
	m, err := p.transition(id, WorkerStateJoined, WorkerStateDispatched)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	m.chunk = c
	h := m.handle
	p.mu.Unlock()

	if err := h.Dispatch(ctx, c); err != nil {
		return fmt.Errorf("%w: dispatch %s to worker %s: %v", ErrWorkerFailure, c, id, err)
	}
	return nil
}

// ReportResult moves a dispatched worker to completed and forwards the partial
// result to OnResult. A result from a worker in any other state is a protocol violation.
func (p *Pool) ReportResult(ctx context.Context, id WorkerID, partial float64) error {
	p.mu.Lock()
	_, err := p.transition(id, WorkerStateDispatched, WorkerStateCompleted)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if p.hooks.OnResult != nil {
		return p.hooks.OnResult(ctx, id, partial)
	}
	return nil
}

// Close moves a completed worker to closed and releases its transport resource.
// Close is not idempotent: a second call returns ErrProtocolViolation.
func (p *Pool) Close(ctx context.Context, id WorkerID) error {
	p.mu.Lock()
	m, err := p.transition(id, WorkerStateCompleted, WorkerStateClosed)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	h := m.handle
	p.mu.Unlock()

	if err := h.Close(ctx); err != nil {
		return fmt.Errorf("close worker %s: %w", id, err)
	}
	return nil
}

// CloseAll closes every worker that is not closed yet, whatever its state,
// and returns the joined errors of the handles that failed to close.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	var open []Handle
	for _, id := range p.order {
		m := p.members[id]
		if m.state == WorkerStateClosed {
			continue
		}
		m.state = WorkerStateClosed
		open = append(open, m.handle)
	}
	p.mu.Unlock()

	var errs []error
	for _, h := range open {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", h.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// transition must be called with p.mu held.
func (p *Pool) transition(id WorkerID, from, to WorkerState) (*member, error) {
	m, ok := p.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown worker %s", ErrProtocolViolation, id)
	}
	if m.state != from {
		return nil, fmt.Errorf("%w: worker %s is %s, cannot become %s", ErrProtocolViolation, id, m.state, to)
	}
	m.state = to
	return m, nil
}
