package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piscale/pkg/kernel"
	"piscale/pkg/reduce"
	"piscale/pkg/transport/local"
	"piscale/pkg/wire"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestTransport_EndToEnd(t *testing.T) {
	for _, m := range []kernel.Method{kernel.Leibniz{}, kernel.MonteCarlo{Seed: 11}} {
		t.Run(m.Name(), func(t *testing.T) {
			s := runServer(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			const workers = 3
			seed := uint64(0)
			if mc, ok := m.(kernel.MonteCarlo); ok {
				seed = mc.Seed
			}

			var wg sync.WaitGroup
			workerErrs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				w := &Worker{Conn: connect(t, s), ID: reduce.WorkerID(fmt.Sprintf("w-%d", i)), RetryInterval: 20 * time.Millisecond}
				wg.Add(1)
				go func() {
					defer wg.Done()
					workerErrs <- w.Run(ctx)
				}()
			}

			c := reduce.New(reduce.Config{Workers: workers, ChunkSize: 5_000, Estimator: m, Method: m.Name(), Reference: kernel.DefaultReference})
			report, err := c.Run(ctx, &Transport{Conn: connect(t, s), Method: m.Name(), Seed: seed})
			require.NoError(t, err)

			wg.Wait()
			close(workerErrs)
			for err := range workerErrs {
				assert.NoError(t, err, "workers must exit on close")
			}

			want, err := local.RunSequential(ctx, m, m, workers, 5_000, kernel.DefaultReference)
			require.NoError(t, err)
			assert.InDelta(t, want.Estimate, report.Estimate, 1e-9)
			assert.Equal(t, reduce.PhaseFinalized, c.Phase())
		})
	}
}

func TestTransport_UnknownMethodFailsJob(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := &Worker{Conn: connect(t, s), RetryInterval: 20 * time.Millisecond}
	go func() { _ = w.Run(ctx) }()

	c := reduce.New(reduce.Config{Workers: 1, ChunkSize: 10, Estimator: kernel.SeriesEstimate})
	_, err := c.Run(ctx, &Transport{Conn: connect(t, s), Method: "wallis"})
	assert.ErrorIs(t, err, reduce.ErrWorkerFailure)
	assert.Contains(t, err.Error(), "wallis")
	assert.Equal(t, reduce.PhaseAborted, c.Phase())
}

type countingSink struct {
	mu    sync.Mutex
	joins []reduce.Handle
}

func (s *countingSink) Join(h reduce.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, h)
	return nil
}

func (s *countingSink) Result(reduce.WorkerID, float64) error { return nil }

func (s *countingSink) Fail(reduce.WorkerID, error) error { return nil }

func TestTransport_RetriedJoinIsAcknowledgedOnce(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &countingSink{}
	tr := &Transport{Conn: connect(t, s), Namespace: "retry", Method: "leibniz"}
	require.NoError(t, tr.Start(ctx, sink))

	nc := connect(t, s)
	data, err := wire.Encode(wire.Join("w-1"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		msg, err := nc.Request("retry.join", data, time.Second)
		require.NoError(t, err)
		ack, err := wire.Decode(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeJoin, ack.Type)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.joins, 1)
	assert.Equal(t, reduce.WorkerID("w-1"), sink.joins[0].ID())
}

type closedSink struct{ countingSink }

func (s *closedSink) Join(reduce.Handle) error { return reduce.ErrJobClosed }

func TestWorker_RejectedJoin(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := &Transport{Conn: connect(t, s), Method: "leibniz"}
	require.NoError(t, tr.Start(ctx, &closedSink{}))

	err := (&Worker{Conn: connect(t, s)}).Run(ctx)
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
}

func TestWorker_StopsOnContext(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := (&Worker{Conn: connect(t, s), RequestTimeout: 20 * time.Millisecond, RetryInterval: 10 * time.Millisecond}).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_StartRequiresConnAndMethod(t *testing.T) {
	assert.ErrorIs(t, (&Transport{Method: "leibniz"}).Start(context.Background(), &countingSink{}), reduce.ErrConfiguration)

	s := runServer(t)
	assert.ErrorIs(t, (&Transport{Conn: connect(t, s)}).Start(context.Background(), &countingSink{}), reduce.ErrConfiguration)
}

// joinRaw registers id over the join subject without running a Worker.
func joinRaw(t *testing.T, nc *nats.Conn, ns string, id reduce.WorkerID) {
	t.Helper()
	data, err := wire.Encode(wire.Join(id))
	require.NoError(t, err)
	for i := 0; ; i++ {
		if _, err = nc.Request(ns+".join", data, time.Second); err == nil {
			return
		}
		require.Less(t, i, 50, "join %s: %v", id, err)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTransport_WorkerGoneBeforeDispatchFailsJob(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := reduce.New(reduce.Config{Workers: 2, ChunkSize: 100, Estimator: kernel.SeriesEstimate})
	errs := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, &Transport{Conn: connect(t, s), Namespace: "gone", Method: "leibniz", AckTimeout: 200 * time.Millisecond})
		errs <- err
	}()

	dead, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	joinRaw(t, dead, "gone", "dead")
	dead.Close()

	w := &Worker{Conn: connect(t, s), Namespace: "gone", RetryInterval: 20 * time.Millisecond}
	go func() { _ = w.Run(ctx) }()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, reduce.ErrWorkerFailure)
		assert.Contains(t, err.Error(), "dead")
		assert.Equal(t, reduce.PhaseAborted, c.Phase())
	case <-ctx.Done():
		t.Fatal("job did not fail")
	}
}

func TestTransport_MissedHeartbeatFailsJob(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := reduce.New(reduce.Config{Workers: 1, ChunkSize: 100, Estimator: kernel.SeriesEstimate})
	errs := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, &Transport{Conn: connect(t, s), Namespace: "silent", Method: "leibniz", HeartbeatTimeout: 200 * time.Millisecond})
		errs <- err
	}()

	// Acknowledges its assignment, then goes quiet without a result.
	silent := connect(t, s)
	sub, err := silent.Subscribe("silent.job.quiet", func(msg *nats.Msg) { _ = msg.Respond(nil) })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, silent.Flush())
	joinRaw(t, silent, "silent", "quiet")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, reduce.ErrWorkerFailure)
		assert.ErrorIs(t, err, ErrWorkerLost)
	case <-ctx.Done():
		t.Fatal("job did not fail")
	}
}

func TestWorker_HeartbeatKeepsSlowWorkerAlive(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := &Worker{Conn: connect(t, s), Namespace: "slow", RetryInterval: 20 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond}
	go func() { _ = w.Run(ctx) }()

	// Computing this chunk takes longer than the heartbeat timeout.
	c := reduce.New(reduce.Config{Workers: 1, ChunkSize: 100_000_000, Estimator: kernel.SeriesEstimate})
	_, err := c.Run(ctx, &Transport{Conn: connect(t, s), Namespace: "slow", Method: "leibniz", HeartbeatTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, reduce.PhaseFinalized, c.Phase())
}
