// Package compression archives finalized job reports as gzip-compressed
// MessagePack files, one file per job.
package compression

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"piscale/pkg/reduce"
)

// Ext is the file extension of an archived report.
const Ext = ".msgpack.gz"

// Archive writes each report it receives to Dir/<job id>.msgpack.gz.
// It implements reduce.Reporter.
type Archive struct {
	Dir string
}

var _ reduce.Reporter = Archive{}

// Path returns the file a job's report is archived under.
func (a Archive) Path(jobID string) string {
	return filepath.Join(a.Dir, jobID+Ext)
}

func (a Archive) Report(_ context.Context, r reduce.Report) error {
	if r.JobID == "" {
		return fmt.Errorf("cannot archive a report without a job id")
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	return SaveReport(a.Path(r.JobID), r)
}

// SaveReport encodes r with MessagePack and writes it gzip-compressed to filename.
func SaveReport(filename string, r reduce.Report) error {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", r.JobID, err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer file.Close()

	gzw := gzip.NewWriter(file)
	if _, err := gzw.Write(data); err != nil {
		_ = gzw.Close()
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", filename, err)
	}
	return file.Close()
}

// LoadReport reads a report written by SaveReport.
func LoadReport(filename string) (reduce.Report, error) {
	file, err := os.Open(filename)
	if err != nil {
		return reduce.Report{}, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return reduce.Report{}, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	defer gzr.Close()

	data, err := io.ReadAll(gzr)
	if err != nil {
		return reduce.Report{}, fmt.Errorf("failed to decompress %s: %w", filename, err)
	}

	var r reduce.Report
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return reduce.Report{}, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return r, nil
}
