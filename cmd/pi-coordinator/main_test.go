package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piscale/pkg/config"
	"piscale/pkg/kernel"
	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/transport/natsbus"
)

func noEnv(string) string { return "" }

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

func TestRun_NATS(t *testing.T) {
	s := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const workers = 2
	for i := 0; i < workers; i++ {
		nc, err := nats.Connect(s.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)

		w := &natsbus.Worker{Conn: nc, Namespace: "pi-test", ID: reduce.WorkerID(fmt.Sprintf("w-%d", i)), RetryInterval: 20 * time.Millisecond}
		go func() { _ = w.Run(ctx) }()
	}

	var out bytes.Buffer
	err := run(ctx, []string{
		"-transport", "nats",
		"-nats", s.ClientURL(),
		"-namespace", "pi-test",
		"-workers", fmt.Sprint(workers),
		"-chunk-size", "10000",
		"-log-level", "error",
	}, noEnv, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Estimated PI: 3.14")
	assert.Contains(t, out.String(), "Method: leibniz, workers: 2, total work: 20000")
}

func TestRun_JoinTimeout(t *testing.T) {
	s := runServer(t)

	err := run(context.Background(), []string{
		"-transport", "nats",
		"-nats", s.ClientURL(),
		"-workers", "3",
		"-join-timeout", "50ms",
		"-log-level", "error",
	}, noEnv, &bytes.Buffer{})
	assert.ErrorIs(t, err, reduce.ErrWorkerTimeout)
}

func TestTransportFor(t *testing.T) {
	cfg, err := config.Load("test", []string{"-transport", "websocket", "-addr", "127.0.0.1:0"}, noEnv)
	require.NoError(t, err)

	tr, closeFn, err := transportFor(cfg, kernel.Leibniz{}, 1, logging.Nop{})
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, tr)

	cfg.Transport = config.TransportLocal
	_, _, err = transportFor(cfg, kernel.Leibniz{}, 1, logging.Nop{})
	assert.ErrorIs(t, err, reduce.ErrConfiguration)

	cfg.Transport = config.TransportNATS
	cfg.NATSURL = "nats://127.0.0.1:1"
	_, _, err = transportFor(cfg, kernel.Leibniz{}, 1, logging.Nop{})
	assert.Error(t, err)
}
