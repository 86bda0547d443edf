// Command pi-local estimates pi on local goroutine workers, one chunk per worker.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"piscale/internal/app"
	"piscale/pkg/config"
	"piscale/pkg/kernel"
	"piscale/pkg/transport/local"
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
	cfg, err := config.Load("pi-local", args, getenv)
	if err != nil {
		return err
	}
	cfg.Transport = config.TransportLocal
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

	reporter, closeReporters, err := app.Reporters(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer closeReporters()

	workers := cfg.WorkerCount()
	logger.Info(ctx, "starting local run",
		"method", method.Name(),
		"workers", workers,
		"chunkSize", cfg.ChunkSize,
		"seed", seed,
		"sequential", cfg.Sequential)

	if cfg.Sequential {
		rep, err := local.RunSequential(ctx, method, method, workers, cfg.ChunkSize, kernel.DefaultReference)
		if err != nil {
			return err
		}
		return reporter.Report(ctx, rep)
	}

	_, err = app.Job{
		Config:    cfg,
		Method:    method,
		Reporter:  reporter,
		Logger:    logger,
		Transport: &local.Transport{Workers: workers, Kernel: method, Logger: logger},
	}.Run(ctx)
	return err
}
