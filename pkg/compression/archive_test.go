package compression

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piscale/pkg/reduce"
)

func TestArchive_ReportWritesLoadableFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	a := Archive{Dir: dir}

	want := reduce.Report{
		JobID:       "job-42",
		Method:      "montecarlo",
		Workers:     4,
		ChunkSize:   1000,
		TotalWork:   4000,
		Accumulator: 3141,
		Estimate:    3.141,
		Reference:   3.141592653589793,
		Difference:  0.000592653589793,
		StartedAt:   time.Unix(1_700_000_000, 500).UTC(),
		Duration:    1500 * time.Millisecond,
	}
	require.NoError(t, a.Report(context.Background(), want))

	got, err := LoadReport(a.Path("job-42"))
	require.NoError(t, err)
	assert.Equal(t, want.JobID, got.JobID)
	assert.Equal(t, want.Estimate, got.Estimate)
	assert.Equal(t, want.TotalWork, got.TotalWork)
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
}

func TestArchive_RequiresJobID(t *testing.T) {
	assert.Error(t, Archive{Dir: t.TempDir()}.Report(context.Background(), reduce.Report{}))
}

func TestLoadReport_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadReport(filepath.Join(dir, "missing"+Ext))
	assert.Error(t, err)

	plain := filepath.Join(dir, "plain"+Ext)
	require.NoError(t, os.WriteFile(plain, []byte("not gzip"), 0o644))
	_, err = LoadReport(plain)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage"+Ext)
	f, err := os.Create(garbage)
	require.NoError(t, err)
	gzw := gzip.NewWriter(f)
	_, err = gzw.Write([]byte{0xc1})
	require.NoError(t, err)
	require.NoError(t, gzw.Close())
	require.NoError(t, f.Close())
	_, err = LoadReport(garbage)
	assert.Error(t, err)
}
