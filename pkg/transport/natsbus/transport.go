// Package natsbus carries a job over NATS subjects.
//
// For a namespace ns:
//
//	ns.join       worker -> coordinator, request/reply; the reply acknowledges the join
//	ns.job.<id>   coordinator -> worker, request/reply; the reply acknowledges the assignment
//	ns.alive.<id> worker -> coordinator, periodic heartbeat
//	ns.data       worker -> coordinator, partial results and failures
//	ns.close.<id> coordinator -> worker, graceful termination
//
// A worker whose assignment is not acknowledged, or whose heartbeat stops
// before it reports, is failed with ErrWorkerLost.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/wire"
)

// DefaultNamespace is the subject prefix used when none is configured.
const DefaultNamespace = "pi-job"

const (
	// DefaultAckTimeout bounds the wait for a worker to acknowledge its assignment.
	DefaultAckTimeout = 2 * time.Second

	// DefaultHeartbeatTimeout is how long a joined worker may stay silent.
	DefaultHeartbeatTimeout = 5 * time.Second

	// DefaultHeartbeatInterval is how often a worker announces itself.
	DefaultHeartbeatInterval = time.Second
)

// ErrWorkerLost reports a worker that stopped answering before it delivered a result.
var ErrWorkerLost = errors.New("worker lost")

func joinSubject(ns string) string { return ns + ".join" }

func dataSubject(ns string) string { return ns + ".data" }

func jobSubject(ns string, id reduce.WorkerID) string { return ns + ".job." + string(id) }

func closeSubject(ns string, id reduce.WorkerID) string { return ns + ".close." + string(id) }

func aliveSubject(ns string, id reduce.WorkerID) string { return ns + ".alive." + string(id) }

// Transport is the coordinator side of a NATS job.
type Transport struct {
	// Conn is the connection to the NATS server (required).
	Conn *nats.Conn

	// Namespace prefixes every subject (default: DefaultNamespace).
	Namespace string

	// Method is the kernel name sent with each assignment (required).
	Method string

	// Seed is forwarded to sampling kernels.
	Seed uint64

	// AckTimeout bounds each assignment request (default: DefaultAckTimeout).
	AckTimeout time.Duration

	// HeartbeatTimeout fails a worker not heard from for this long (default: DefaultHeartbeatTimeout).
	HeartbeatTimeout time.Duration

	// Logger is for observability (optional).
	Logger logging.Logger

	mu     sync.Mutex
	joined map[reduce.WorkerID]bool
	// lastSeen holds workers that joined and have not yet finished.
	lastSeen map[reduce.WorkerID]time.Time
}

var _ reduce.Transport = (*Transport)(nil)

func (t *Transport) namespace() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}

func (t *Transport) logger() logging.Logger {
	if t.Logger == nil {
		return logging.Nop{}
	}
	return t.Logger
}

func (t *Transport) ackTimeout() time.Duration {
	if t.AckTimeout <= 0 {
		return DefaultAckTimeout
	}
	return t.AckTimeout
}

func (t *Transport) heartbeatTimeout() time.Duration {
	if t.HeartbeatTimeout <= 0 {
		return DefaultHeartbeatTimeout
	}
	return t.HeartbeatTimeout
}

// Start subscribes to the join and data subjects and returns once the server
// has registered the subscriptions. They are removed when ctx ends.
func (t *Transport) Start(ctx context.Context, sink reduce.Sink) error {
	if t.Conn == nil {
		return fmt.Errorf("%w: nats transport needs a connection", reduce.ErrConfiguration)
	}
	if t.Method == "" {
		return fmt.Errorf("%w: nats transport needs a method", reduce.ErrConfiguration)
	}
	t.mu.Lock()
	t.joined = make(map[reduce.WorkerID]bool)
	t.lastSeen = make(map[reduce.WorkerID]time.Time)
	t.mu.Unlock()

	ns := t.namespace()
	log := t.logger()

	joinSub, err := t.Conn.Subscribe(joinSubject(ns), func(msg *nats.Msg) {
		t.onJoin(ctx, sink, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", joinSubject(ns), err)
	}

	dataSub, err := t.Conn.Subscribe(dataSubject(ns), func(msg *nats.Msg) {
		t.onData(ctx, sink, msg)
	})
	if err != nil {
		_ = joinSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", dataSubject(ns), err)
	}

	alivePrefix := ns + ".alive."
	aliveSub, err := t.Conn.Subscribe(alivePrefix+"*", func(msg *nats.Msg) {
		t.touch(reduce.WorkerID(strings.TrimPrefix(msg.Subject, alivePrefix)))
	})
	if err != nil {
		_ = joinSub.Unsubscribe()
		_ = dataSub.Unsubscribe()
		return fmt.Errorf("subscribe %s*: %w", alivePrefix, err)
	}

	if err := t.Conn.Flush(); err != nil {
		_ = joinSub.Unsubscribe()
		_ = dataSub.Unsubscribe()
		_ = aliveSub.Unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	log.Info(ctx, "listening for workers", "namespace", ns, "url", t.Conn.ConnectedUrl())

	go t.watch(ctx, sink)
	go func() {
		<-ctx.Done()
		_ = joinSub.Unsubscribe()
		_ = dataSub.Unsubscribe()
		_ = aliveSub.Unsubscribe()
	}()
	return nil
}

// watch fails every unfinished worker whose heartbeat is overdue.
func (t *Transport) watch(ctx context.Context, sink reduce.Sink) {
	timeout := t.heartbeatTimeout()
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var lost []reduce.WorkerID
			t.mu.Lock()
			for id, seen := range t.lastSeen {
				if now.Sub(seen) > timeout {
					lost = append(lost, id)
					delete(t.lastSeen, id)
				}
			}
			t.mu.Unlock()

			for _, id := range lost {
				t.logger().Error(ctx, "worker heartbeat missed", "workerID", id, "timeout", timeout)
				if err := sink.Fail(id, fmt.Errorf("%w: no heartbeat for %s", ErrWorkerLost, timeout)); err != nil {
					t.logger().Debug(ctx, "dropping lost worker", "workerID", id, "error", err)
				}
			}
		}
	}
}

func (t *Transport) touch(id reduce.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastSeen[id]; ok {
		t.lastSeen[id] = time.Now()
	}
}

// forget stops watching a worker that reported or was closed.
func (t *Transport) forget(id reduce.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, id)
}

func (t *Transport) onJoin(ctx context.Context, sink reduce.Sink, msg *nats.Msg) {
	log := t.logger()

	m, err := wire.Decode(msg.Data)
	if err != nil || m.Type != wire.TypeJoin || m.WorkerID == "" {
		log.Error(ctx, "ignoring invalid join", "error", err, "type", m.Type)
		return
	}
	id := reduce.WorkerID(m.WorkerID)

	// A worker retries its join request until acked; only the first one is an event.
	t.mu.Lock()
	seen := t.joined[id]
	t.joined[id] = true
	t.mu.Unlock()

	reply := wire.Join(id)
	if !seen {
		h := &Handle{id: id, transport: t, ns: t.namespace()}
		t.mu.Lock()
		t.lastSeen[id] = time.Now()
		t.mu.Unlock()
		if err := sink.Join(h); err != nil {
			log.Error(ctx, "join not accepted", "workerID", id, "error", err)
			t.forget(id)
			reply = wire.Close(id)
		}
	}

	if err := t.respond(msg, reply); err != nil {
		log.Error(ctx, "failed to acknowledge join", "workerID", id, "error", err)
	}
}

func (t *Transport) onData(ctx context.Context, sink reduce.Sink, msg *nats.Msg) {
	log := t.logger()

	m, err := wire.Decode(msg.Data)
	if err != nil {
		log.Error(ctx, "ignoring invalid message", "subject", msg.Subject, "error", err)
		return
	}
	id := reduce.WorkerID(m.WorkerID)
	t.forget(id)

	switch m.Type {
	case wire.TypeData:
		err = sink.Result(id, m.Value)
	case wire.TypeFailure:
		err = sink.Fail(id, errors.New(m.Error))
	default:
		log.Error(ctx, "unexpected message on data subject", "workerID", id, "type", m.Type)
		return
	}
	if err != nil {
		log.Debug(ctx, "dropping worker message", "workerID", id, "type", m.Type, "error", err)
	}
}

func (t *Transport) respond(msg *nats.Msg, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

// Handle is a worker reached through its job and close subjects.
type Handle struct {
	id        reduce.WorkerID
	transport *Transport
	ns        string
}

var _ reduce.Handle = (*Handle)(nil)

func (h *Handle) ID() reduce.WorkerID {
	return h.id
}

// Dispatch sends the assignment on the worker's job subject and waits for the
// worker to acknowledge it. No responder or no ack in time is ErrWorkerLost.
func (h *Handle) Dispatch(ctx context.Context, c reduce.Chunk) error {
	t := h.transport
	data, err := wire.Encode(wire.Assignment(h.id, t.Method, t.Seed, c))
	if err != nil {
		return err
	}

	subject := jobSubject(h.ns, h.id)
	reqCtx, cancel := context.WithTimeout(ctx, t.ackTimeout())
	defer cancel()
	if _, err := t.Conn.RequestWithContext(reqCtx, subject, data); err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%w: assignment on %s not acknowledged: %v", ErrWorkerLost, subject, err)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return nil
}

// Close publishes the terminate signal on the worker's close subject.
func (h *Handle) Close(_ context.Context) error {
	h.transport.forget(h.id)
	return h.publish(closeSubject(h.ns, h.id), wire.Close(h.id))
}

func (h *Handle) publish(subject string, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := h.transport.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
