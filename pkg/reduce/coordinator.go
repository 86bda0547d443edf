package reduce

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"piscale/pkg/logging"
	"piscale/pkg/metrics"
)

// Phase is the coordinator's position in the job state machine.
type Phase string

const (
	// PhaseAwaitingWorkers accepts joins until the target count is reached.
	PhaseAwaitingWorkers Phase = "awaiting_workers"

	// PhaseDispatching assigns one chunk per worker in join order.
	PhaseDispatching Phase = "dispatching"

	// PhaseAggregating accumulates partial results until none is pending.
	PhaseAggregating Phase = "aggregating"

	// PhaseFinalized is terminal: the estimate was computed and reported.
	PhaseFinalized Phase = "finalized"

	// PhaseAborted is terminal: a fatal condition stopped the job without an estimate.
	PhaseAborted Phase = "aborted"
)

// Config holds configuration for the Coordinator.
type Config struct {
	// Workers is the target worker count N (required, > 0).
	Workers int

	// ChunkSize is the work size per worker (required, > 0).
	ChunkSize int64

	// Estimator derives the final estimate from the accumulator (required).
	Estimator Estimator

	// Method labels logs, metrics and reports with the kernel name.
	Method string

	// Reference is the constant the estimate is compared against.
	Reference float64

	// Reporter receives the report once the job is finalized (optional).
	Reporter Reporter

	// JobID identifies the run (default: random UUID).
	JobID string

	// JoinTimeout bounds the wait for N workers to join (default: 0, wait forever).
	JoinTimeout time.Duration

	// ResultTimeout bounds the wait for all results after dispatch (default: 0, wait forever).
	ResultTimeout time.Duration

	// EventBuffer is the capacity of the event queue (default: 64).
	EventBuffer int

	// Logger is for observability (optional).
	Logger logging.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *metrics.Collector
}

// Validate rejects configurations that cannot describe a job.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrConfiguration, c.Workers)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrConfiguration, c.ChunkSize)
	}
	if c.ChunkSize > math.MaxInt64/int64(c.Workers) {
		return fmt.Errorf("%w: total work %d x %d overflows int64", ErrConfiguration, c.ChunkSize, c.Workers)
	}
	if c.Estimator == nil {
		return fmt.Errorf("%w: estimator is required", ErrConfiguration)
	}
	return nil
}

// Coordinator drives one chunked fan-out/fan-in reduction.
//
// Every worker event goes through Handle, which runs on a single goroutine when
// driven by Run. The accumulator and pending count are therefore written by one
// goroutine only, whatever transport produced the events.
type Coordinator struct {
	config Config
	pool   *Pool
	events chan Event

	done     chan struct{}
	doneOnce sync.Once

	mu        sync.RWMutex
	phase     Phase
	acc       float64
	pending   int
	startedAt time.Time
	report    Report
	err       error
}

var _ Sink = (*Coordinator)(nil)

// New creates a Coordinator with the given configuration.
// Applies default values for JobID, EventBuffer and Logger if zero.
func New(cfg Config) *Coordinator {
	if cfg.JobID == "" {
		cfg.JobID = uuid.New().String()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop{}
	}

	c := &Coordinator{
		config: cfg,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		phase:  PhaseAwaitingWorkers,
	}
	c.pool = NewPool(cfg.Workers, PoolHooks{
		OnTarget: c.dispatch,
		OnResult: c.accumulate,
	})
	return c
}

// JobID returns the run identifier.
func (c *Coordinator) JobID() string {
	return c.config.JobID
}

// Pool returns the coordinator's worker pool.
func (c *Coordinator) Pool() *Pool {
	return c.pool
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Pending returns the number of dispatched chunks still waiting for a result.
func (c *Coordinator) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Accumulator returns the running sum of accepted partial results.
func (c *Coordinator) Accumulator() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acc
}

// Report returns the final report and whether the job was finalized.
func (c *Coordinator) Report() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report, c.phase == PhaseFinalized
}

// Err returns the fatal error that aborted the job, if any.
func (c *Coordinator) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Join queues a join event. It implements Sink.
func (c *Coordinator) Join(h Handle) error {
	if h == nil {
		return c.emit(Event{Kind: EventJoin})
	}
	return c.emit(Event{Kind: EventJoin, Handle: h, Worker: h.ID()})
}

// Result queues a partial result event. It implements Sink.
func (c *Coordinator) Result(id WorkerID, partial float64) error {
	return c.emit(Event{Kind: EventResult, Worker: id, Value: partial})
}

// Fail queues a worker failure event. It implements Sink.
func (c *Coordinator) Fail(id WorkerID, err error) error {
	return c.emit(Event{Kind: EventFailure, Worker: id, Err: err})
}

func (c *Coordinator) emit(ev Event) error {
	select {
	case <-c.done:
		return ErrJobClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrJobClosed
	}
}

// Run starts the transport and processes its events until the job is finalized,
// a fatal condition aborts it, or ctx is cancelled. Cancellation leaves the phase
// unchanged, closes every worker, and returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context, t Transport) (Report, error) {
	if err := c.config.Validate(); err != nil {
		return Report{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.doneOnce.Do(func() { close(c.done) })

	c.markStarted()
	c.config.Logger.Info(ctx, "job started",
		"jobID", c.config.JobID,
		"method", c.config.Method,
		"workers", c.config.Workers,
		"chunkSize", c.config.ChunkSize)

	startErr := make(chan error, 1)
	go func() {
		if err := t.Start(runCtx, c); err != nil {
			startErr <- err
		}
	}()

	var (
		timer      *time.Timer
		timerPhase Phase
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		phase := c.Phase()
		if phase != timerPhase {
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			timerPhase = phase
			if d := c.timeoutFor(phase); d > 0 {
				timer = time.NewTimer(d)
			}
		}
		var expired <-chan time.Time
		if timer != nil {
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			if err := c.pool.CloseAll(context.Background()); err != nil {
				c.config.Logger.Error(ctx, "failed to close workers", "error", err)
			}
			return Report{}, ctx.Err()

		case err := <-startErr:
			err = fmt.Errorf("start transport: %w", err)
			c.abort(runCtx, err)
			return Report{}, err

		case <-expired:
			err := fmt.Errorf("%w: %s for %s", ErrWorkerTimeout, phase, c.timeoutFor(phase))
			c.abort(runCtx, err)
			return Report{}, err

		case ev := <-c.events:
			if err := c.Handle(runCtx, ev); err != nil {
				return Report{}, err
			}
			if report, ok := c.Report(); ok {
				return report, nil
			}
		}
	}
}

// Handle applies one worker event to the job. Any error it returns is fatal:
// the job is aborted and its workers are closed. Events that arrive after the
// job reached a terminal phase are rejected with ErrProtocolViolation.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	c.markStarted()

	if phase := c.Phase(); phase == PhaseFinalized || phase == PhaseAborted {
		if c.config.Metrics != nil {
			c.config.Metrics.IncProtocolViolations()
		}
		err := fmt.Errorf("%w: %s event from worker %s after job %s", ErrProtocolViolation, ev.Kind, ev.Worker, phase)
		c.config.Logger.Error(ctx, "event rejected", "workerID", ev.Worker, "event", ev.Kind.String(), "phase", phase, "error", err)
		if ev.Kind == EventJoin && ev.Handle != nil {
			if cerr := ev.Handle.Close(ctx); cerr != nil {
				c.config.Logger.Error(ctx, "failed to close rejected worker", "workerID", ev.Worker, "error", cerr)
			}
		}
		return err
	}

	var err error
	switch ev.Kind {
	case EventJoin:
		err = c.join(ctx, ev.Handle)
	case EventResult:
		err = c.pool.ReportResult(ctx, ev.Worker, ev.Value)
	case EventFailure:
		err = c.failure(ctx, ev.Worker, ev.Err)
	default:
		err = fmt.Errorf("%w: unknown event kind %d", ErrProtocolViolation, ev.Kind)
	}

	if err != nil {
		c.abort(ctx, err)
		return err
	}
	return nil
}

func (c *Coordinator) join(ctx context.Context, h Handle) error {
	if c.Phase() != PhaseAwaitingWorkers {
		err := fmt.Errorf("%w: join during %s", ErrProtocolViolation, c.Phase())
		if h != nil {
			if cerr := h.Close(ctx); cerr != nil {
				c.config.Logger.Error(ctx, "failed to close rejected worker", "workerID", h.ID(), "error", cerr)
			}
		}
		return err
	}

	id, err := c.pool.Join(ctx, h)
	if err != nil {
		// A handle rejected by the pool is not owned by it.
		if h != nil && id == "" {
			if cerr := h.Close(ctx); cerr != nil {
				c.config.Logger.Error(ctx, "failed to close rejected worker", "workerID", h.ID(), "error", cerr)
			}
		}
		return err
	}

	if c.config.Metrics != nil {
		c.config.Metrics.IncWorkersJoined()
	}
	c.config.Logger.Info(ctx, "worker joined",
		"workerID", id,
		"joined", c.pool.Len(),
		"target", c.config.Workers)
	return nil
}

func (c *Coordinator) failure(ctx context.Context, id WorkerID, cause error) error {
	state, known := c.pool.State(id)
	if known && (state == WorkerStateCompleted || state == WorkerStateClosed) {
		// The worker already delivered its result; a transport error now is just a disconnect.
		c.config.Logger.Debug(ctx, "ignoring failure of finished worker", "workerID", id, "state", state, "error", cause)
		return nil
	}
	if cause == nil {
		cause = errors.New("worker stopped without a result")
	}
	return fmt.Errorf("%w: worker %s: %w", ErrWorkerFailure, id, cause)
}

// dispatch is the pool's OnTarget hook.
func (c *Coordinator) dispatch(ctx context.Context) error {
	c.setPhase(PhaseDispatching)

	chunks := Partition(c.config.ChunkSize, c.config.Workers)
	ids := c.pool.IDs()

	c.mu.Lock()
	c.acc = 0
	c.pending = len(chunks)
	c.mu.Unlock()

	for i, id := range ids {
		if err := c.pool.Dispatch(ctx, id, chunks[i]); err != nil {
			return err
		}
		if c.config.Metrics != nil {
			c.config.Metrics.IncChunksDispatched()
		}
		c.config.Logger.Debug(ctx, "chunk dispatched", "workerID", id, "chunk", chunks[i].String())
	}

	if c.config.Metrics != nil {
		c.config.Metrics.SetPendingChunks(len(chunks))
	}
	c.setPhase(PhaseAggregating)
	c.config.Logger.Info(ctx, "all chunks dispatched", "pending", len(chunks), "totalWork", TotalWork(c.config.ChunkSize, c.config.Workers))
	return nil
}

// accumulate is the pool's OnResult hook.
func (c *Coordinator) accumulate(ctx context.Context, id WorkerID, partial float64) error {
	c.mu.Lock()
	c.acc += partial
	c.pending--
	pending := c.pending
	c.mu.Unlock()

	if c.config.Metrics != nil {
		c.config.Metrics.IncResultsReceived()
		c.config.Metrics.SetPendingChunks(pending)
	}
	c.config.Logger.Debug(ctx, "result received", "workerID", id, "partial", partial, "pending", pending)

	if err := c.pool.Close(ctx, id); err != nil {
		c.config.Logger.Error(ctx, "failed to close worker", "workerID", id, "error", err)
	}

	if pending == 0 {
		c.finalize(ctx)
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context) {
	c.mu.Lock()
	acc := c.acc
	started := c.startedAt
	c.mu.Unlock()

	total := TotalWork(c.config.ChunkSize, c.config.Workers)
	estimate, diff := Finalize(acc, total, c.config.Estimator, c.config.Reference)
	report := Report{
		JobID:       c.config.JobID,
		Method:      c.config.Method,
		Workers:     c.config.Workers,
		ChunkSize:   c.config.ChunkSize,
		TotalWork:   total,
		Accumulator: acc,
		Estimate:    estimate,
		Reference:   c.config.Reference,
		Difference:  diff,
		StartedAt:   started,
		Duration:    time.Since(started),
	}

	c.mu.Lock()
	c.report = report
	c.phase = PhaseFinalized
	c.mu.Unlock()

	if c.config.Metrics != nil {
		c.config.Metrics.IncJobsFinalized()
		c.config.Metrics.SetEstimate(estimate)
		c.config.Metrics.ObserveJobDuration(report.Duration.Seconds())
	}
	c.config.Logger.Info(ctx, "job finalized",
		"jobID", report.JobID,
		"accumulator", acc,
		"estimate", estimate,
		"difference", diff,
		"duration", report.Duration)

	if c.config.Reporter != nil {
		if err := c.config.Reporter.Report(ctx, report); err != nil {
			c.config.Logger.Error(ctx, "failed to report result", "jobID", report.JobID, "error", err)
		}
	}

	if err := c.pool.CloseAll(ctx); err != nil {
		c.config.Logger.Error(ctx, "failed to close workers", "error", err)
	}
}

func (c *Coordinator) abort(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.phase == PhaseFinalized || c.phase == PhaseAborted {
		c.mu.Unlock()
		return
	}
	from := c.phase
	c.phase = PhaseAborted
	c.err = cause
	c.mu.Unlock()

	if c.config.Metrics != nil {
		if errors.Is(cause, ErrProtocolViolation) {
			c.config.Metrics.IncProtocolViolations()
		}
		if errors.Is(cause, ErrWorkerFailure) {
			c.config.Metrics.IncWorkerFailures()
		}
	}
	c.config.Logger.Error(ctx, "job aborted", "jobID", c.config.JobID, "phase", from, "error", cause)

	if err := c.pool.CloseAll(ctx); err != nil {
		c.config.Logger.Error(ctx, "failed to close workers", "error", err)
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Coordinator) markStarted() {
	c.mu.Lock()
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *Coordinator) timeoutFor(p Phase) time.Duration {
	switch p {
	case PhaseAwaitingWorkers:
		return c.config.JoinTimeout
	case PhaseAggregating:
		return c.config.ResultTimeout
	default:
		return 0
	}
}
