// Package app wires configuration into the pieces every piscale binary needs:
// a logger, the reporters, the kernel and a coordinator run with its metrics server.
package app

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"piscale/pkg/compression"
	"piscale/pkg/config"
	"piscale/pkg/kernel"
	"piscale/pkg/logging"
	"piscale/pkg/metrics"
	"piscale/pkg/reduce"
	"piscale/pkg/report"
	"piscale/pkg/store"
)

// NewLogger builds the zap logger selected by cfg.
func NewLogger(cfg config.Config) (*logging.Zap, error) {
	return logging.NewZap(cfg.LogLevel, cfg.LogFormat)
}

// Seed returns cfg.Seed, or a random seed when it is zero.
func Seed(cfg config.Config) uint64 {
	if cfg.Seed != 0 {
		return cfg.Seed
	}
	return rand.Uint64()
}

// Method resolves the configured kernel with its seed.
func Method(cfg config.Config, seed uint64) (kernel.Method, error) {
	return kernel.Lookup(cfg.Method, seed)
}

// Reporters returns the console reporter writing to w, followed by the report
// archive and the migrated run history when they are configured. The returned
// close func releases the history database and is never nil.
func Reporters(ctx context.Context, cfg config.Config, w io.Writer) (reduce.Reporter, func() error, error) {
	reporters := report.Multi{report.NewConsole(w)}
	if cfg.ArchiveDir != "" {
		reporters = append(reporters, compression.Archive{Dir: cfg.ArchiveDir})
	}
	if cfg.HistoryDriver == "" {
		return reporters, func() error { return nil }, nil
	}

	h, err := store.Open(cfg.HistoryDriver, cfg.HistoryDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := h.Migrate(ctx); err != nil {
		_ = h.Close()
		return nil, nil, err
	}
	return append(reporters, h), h.Close, nil
}

// Job is one coordinator run over a transport.
type Job struct {
	Config    config.Config
	Method    kernel.Method
	Reporter  reduce.Reporter
	Logger    logging.Logger
	Transport reduce.Transport
}

// Run drives the coordinator until the job ends. When a metrics address is
// configured the metrics server runs alongside it and stops with the job.
func (j Job) Run(ctx context.Context) (reduce.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := reduce.New(reduce.Config{
		Workers:       j.Config.WorkerCount(),
		ChunkSize:     j.Config.ChunkSize,
		Estimator:     j.Method,
		Method:        j.Method.Name(),
		Reference:     kernel.DefaultReference,
		Reporter:      j.Reporter,
		JoinTimeout:   j.Config.JoinTimeout,
		ResultTimeout: j.Config.ResultTimeout,
		Logger:        j.Logger,
		Metrics:       metrics.NewCollector(j.Method.Name()),
	})

	g, gctx := errgroup.WithContext(ctx)
	if j.Config.MetricsAddr != "" {
		srv := metrics.NewServer(j.Config.MetricsAddr)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	var rep reduce.Report
	g.Go(func() error {
		defer cancel()
		var err error
		rep, err = coord.Run(gctx, j.Transport)
		return err
	})

	if err := g.Wait(); err != nil {
		return reduce.Report{}, err
	}
	return rep, nil
}
