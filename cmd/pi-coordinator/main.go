// Command pi-coordinator runs one job over the network: it waits for the
// configured number of workers on NATS or WebSocket, hands out one chunk each,
// and prints the estimate once every partial result is in.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"piscale/internal/app"
	"piscale/pkg/config"
	"piscale/pkg/kernel"
	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/transport/natsbus"
	"piscale/pkg/transport/wsock"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	cfg, err := config.Load("pi-coordinator", args, getenv)
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

	seed := app.Seed(cfg)
	method, err := app.Method(cfg, seed)
	if err != nil {
		return err
	}

	t, closeTransport, err := transportFor(cfg, method, seed, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	reporter, closeReporters, err := app.Reporters(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer closeReporters()

	logger.Info(ctx, "waiting for workers",
		"transport", cfg.Transport,
		"workers", cfg.WorkerCount(),
		"method", method.Name(),
		"seed", seed)

	_, err = app.Job{
		Config:    cfg,
		Method:    method,
		Reporter:  reporter,
		Logger:    logger,
		Transport: t,
	}.Run(ctx)
	return err
}

func transportFor(cfg config.Config, method kernel.Method, seed uint64, logger logging.Logger) (reduce.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("pi-coordinator"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		return &natsbus.Transport{
			Conn:      nc,
			Namespace: cfg.Namespace,
			Method:    method.Name(),
			Seed:      seed,
			Logger:    logger,
		}, nc.Close, nil

	case config.TransportWebSocket:
		return &wsock.Transport{
			Addr:   cfg.Addr,
			Method: method.Name(),
			Seed:   seed,
			Logger: logger,
		}, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("%w: pi-coordinator serves nats or websocket workers, got %q (use pi-local)", reduce.ErrConfiguration, cfg.Transport)
	}
}
