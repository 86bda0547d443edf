// Command pi-worker joins a pi-coordinator over NATS or WebSocket, computes
// the chunk it is assigned and exits once the coordinator closes it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"piscale/internal/app"
	"piscale/pkg/config"
	"piscale/pkg/reduce"
	"piscale/pkg/transport/natsbus"
	"piscale/pkg/transport/wsock"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := config.Load("pi-worker", args, getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	switch cfg.Transport {
	case config.TransportNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("pi-worker"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()

		logger.Info(ctx, "joining over NATS", "url", cfg.NATSURL, "namespace", cfg.Namespace)
		w := &natsbus.Worker{Conn: nc, Namespace: cfg.Namespace, Logger: logger}
		return w.Run(ctx)

	case config.TransportWebSocket:
		logger.Info(ctx, "joining over WebSocket", "url", cfg.URL)
		w := &wsock.Worker{URL: cfg.URL, Logger: logger}
		return w.Run(ctx)

	default:
		return fmt.Errorf("%w: pi-worker joins over nats or websocket, got %q", reduce.ErrConfiguration, cfg.Transport)
	}
}
