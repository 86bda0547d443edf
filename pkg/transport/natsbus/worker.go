package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/wire"
)

// ErrRejected is returned by Worker.Run when the coordinator refused the join.
var ErrRejected = errors.New("join rejected by coordinator")

// Worker is the remote side of a NATS job: it joins, computes its one chunk,
// publishes the partial result, and exits when told to close.
type Worker struct {
	// Conn is the connection to the NATS server (required).
	Conn *nats.Conn

	// Namespace prefixes every subject (default: DefaultNamespace).
	Namespace string

	// ID identifies the worker (default: random UUID).
	ID reduce.WorkerID

	// RequestTimeout bounds each join request (default: 2s).
	RequestTimeout time.Duration

	// RetryInterval is the pause between join attempts while no coordinator answers (default: 250ms).
	RetryInterval time.Duration

	// HeartbeatInterval is the pause between heartbeats after joining (default: DefaultHeartbeatInterval).
	HeartbeatInterval time.Duration

	// Logger is for observability (optional).
	Logger logging.Logger
}

func (w *Worker) defaults() {
	if w.Namespace == "" {
		w.Namespace = DefaultNamespace
	}
	if w.ID == "" {
		w.ID = reduce.WorkerID(uuid.New().String())
	}
	if w.RequestTimeout <= 0 {
		w.RequestTimeout = 2 * time.Second
	}
	if w.RetryInterval <= 0 {
		w.RetryInterval = 250 * time.Millisecond
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if w.Logger == nil {
		w.Logger = logging.Nop{}
	}
}

// Run blocks until the coordinator closes the worker or ctx ends.
// It returns nil after a graceful close.
func (w *Worker) Run(ctx context.Context) error {
	if w.Conn == nil {
		return fmt.Errorf("%w: nats worker needs a connection", reduce.ErrConfiguration)
	}
	w.defaults()

	jobs := make(chan *nats.Msg, 1)
	jobSub, err := w.Conn.ChanSubscribe(jobSubject(w.Namespace, w.ID), jobs)
	if err != nil {
		return fmt.Errorf("subscribe job subject: %w", err)
	}
	defer func() { _ = jobSub.Unsubscribe() }()

	closes := make(chan *nats.Msg, 1)
	closeSub, err := w.Conn.ChanSubscribe(closeSubject(w.Namespace, w.ID), closes)
	if err != nil {
		return fmt.Errorf("subscribe close subject: %w", err)
	}
	defer func() { _ = closeSub.Unsubscribe() }()

	// The assignment can follow the join ack immediately.
	if err := w.Conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	if err := w.join(ctx); err != nil {
		return err
	}
	w.Logger.Info(ctx, "worker registered, waiting for job", "workerID", w.ID)

	computeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies := make(chan wire.Message, 1)

	heartbeat := time.NewTicker(w.HeartbeatInterval)
	defer heartbeat.Stop()
	alive := aliveSubject(w.Namespace, w.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			if err := w.Conn.Publish(alive, nil); err != nil {
				w.Logger.Error(ctx, "failed to send heartbeat", "workerID", w.ID, "error", err)
			}

		case msg := <-closes:
			if m, err := wire.Decode(msg.Data); err != nil || m.Type != wire.TypeClose {
				w.Logger.Error(ctx, "ignoring invalid close", "workerID", w.ID, "error", err)
				continue
			}
			w.Logger.Info(ctx, "connection to coordinator terminated gracefully", "workerID", w.ID)
			return nil

		case msg := <-jobs:
			m, err := wire.Decode(msg.Data)
			if err != nil {
				w.Logger.Error(ctx, "ignoring invalid job", "workerID", w.ID, "error", err)
				continue
			}
			if err := msg.Respond(nil); err != nil {
				w.Logger.Error(ctx, "failed to acknowledge job", "workerID", w.ID, "error", err)
			}
			w.Logger.Info(ctx, "job received", "workerID", w.ID, "method", m.Method, "chunk", m.Chunk().String())
			go func() {
				replies <- wire.Execute(computeCtx, w.ID, m)
			}()

		case reply := <-replies:
			data, err := wire.Encode(reply)
			if err == nil {
				err = w.Conn.Publish(dataSubject(w.Namespace), data)
			}
			if err != nil {
				return fmt.Errorf("publish %s: %w", reply.Type, err)
			}
			w.Logger.Info(ctx, "result sent", "workerID", w.ID, "type", reply.Type, "value", reply.Value)
		}
	}
}

func (w *Worker) join(ctx context.Context) error {
	data, err := wire.Encode(wire.Join(w.ID))
	if err != nil {
		return err
	}

	for {
		reqCtx, cancel := context.WithTimeout(ctx, w.RequestTimeout)
		msg, err := w.Conn.RequestWithContext(reqCtx, joinSubject(w.Namespace), data)
		cancel()

		if err == nil {
			ack, err := wire.Decode(msg.Data)
			if err != nil {
				return fmt.Errorf("join ack: %w", err)
			}
			if ack.Type == wire.TypeClose {
				return ErrRejected
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.Logger.Debug(ctx, "coordinator not answering, retrying join", "workerID", w.ID, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.RetryInterval):
		}
	}
}
