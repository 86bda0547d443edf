package app

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piscale/pkg/compression"
	"piscale/pkg/config"
	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/report"
	"piscale/pkg/store"
	"piscale/pkg/transport/local"
)

func testConfig(t *testing.T, args ...string) config.Config {
	t.Helper()
	cfg, err := config.Load("test", args, func(string) string { return "" })
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSeed(t *testing.T) {
	assert.Equal(t, uint64(7), Seed(config.Config{Seed: 7}))
	assert.NotZero(t, Seed(config.Config{}))
}

func TestReporters_ConsoleOnly(t *testing.T) {
	var out bytes.Buffer
	r, closeFn, err := Reporters(context.Background(), testConfig(t), &out)
	require.NoError(t, err)
	defer closeFn()

	multi, ok := r.(report.Multi)
	require.True(t, ok)
	require.Len(t, multi, 1)
	assert.IsType(t, &report.Console{}, multi[0])
}

func TestReporters_WithArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t, "-archive-dir", dir)

	r, closeFn, err := Reporters(ctx, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, r.Report(ctx, reduce.Report{JobID: "job-7", Estimate: 3.1}))
	got, err := compression.LoadReport(compression.Archive{Dir: dir}.Path("job-7"))
	require.NoError(t, err)
	assert.Equal(t, 3.1, got.Estimate)
}

func TestReporters_WithHistory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "-history-driver", "sqlite3", "-history-dsn", ":memory:")

	var out bytes.Buffer
	r, closeFn, err := Reporters(ctx, cfg, &out)
	require.NoError(t, err)
	defer closeFn()

	multi, ok := r.(report.Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)

	h, ok := multi[1].(*store.History)
	require.True(t, ok)

	require.NoError(t, r.Report(ctx, reduce.Report{JobID: "job-1", Method: "leibniz", Estimate: 3.14}))
	assert.Contains(t, out.String(), "Estimated PI: ")

	rows, err := h.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "job-1", rows[0].JobID)
}

func TestReporters_UnsupportedDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDriver = "oracle"
	_, _, err := Reporters(context.Background(), cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, store.ErrUnsupportedDriver)
}

func TestJob_RunLocal(t *testing.T) {
	cfg := testConfig(t, "-transport", "local", "-workers", "4", "-chunk-size", "250000")
	m, err := Method(cfg, Seed(cfg))
	require.NoError(t, err)

	var out bytes.Buffer
	rep, err := Job{
		Config:    cfg,
		Method:    m,
		Reporter:  report.NewConsole(&out),
		Logger:    logging.Nop{},
		Transport: &local.Transport{Workers: cfg.WorkerCount(), Kernel: m},
	}.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Workers)
	assert.Equal(t, int64(1_000_000), rep.TotalWork)
	assert.InDelta(t, math.Pi, rep.Estimate, 1e-5)
	assert.Contains(t, out.String(), "Difference from real PI: ")
}

func TestJob_RunWithMetricsServer(t *testing.T) {
	cfg := testConfig(t, "-transport", "local", "-workers", "2", "-chunk-size", "1000", "-metrics-addr", "127.0.0.1:0")
	m, err := Method(cfg, 1)
	require.NoError(t, err)

	_, err = Job{
		Config:    cfg,
		Method:    m,
		Transport: &local.Transport{Workers: cfg.WorkerCount(), Kernel: m},
	}.Run(context.Background())
	assert.NoError(t, err)
}

func TestJob_RunInvalid(t *testing.T) {
	cfg := testConfig(t, "-transport", "local")
	cfg.ChunkSize = 0
	m, err := Method(cfg, 1)
	require.NoError(t, err)

	_, err = Job{Config: cfg, Method: m, Transport: &local.Transport{Workers: 1, Kernel: m}}.Run(context.Background())
	assert.ErrorIs(t, err, reduce.ErrConfiguration)
}
