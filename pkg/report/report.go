// Package report emits finalized job reports.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"piscale/pkg/reduce"
)

// Digits is the number of significant digits printed for the estimate and its difference.
const Digits = 60

// Console prints a report as plain text lines.
type Console struct {
	W io.Writer
}

var _ reduce.Reporter = (*Console)(nil)

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{W: w}
}

// Report writes the estimate, its difference from the reference, and the elapsed time.
func (c *Console) Report(_ context.Context, r reduce.Report) error {
	_, err := fmt.Fprintf(c.W,
		"Estimated PI: %s\nDifference from real PI: %s\nMethod: %s, workers: %d, total work: %d\nElapsed: %s\n",
		Format(r.Estimate), Format(r.Difference), r.Method, r.Workers, r.TotalWork, r.Duration)
	return err
}

// Format renders v with Digits significant digits.
func Format(v float64) string {
	return strconv.FormatFloat(v, 'g', Digits, 64)
}

// Multi reports to every reporter in order and joins their errors.
type Multi []reduce.Reporter

var _ reduce.Reporter = Multi(nil)

func (m Multi) Report(ctx context.Context, r reduce.Report) error {
	var errs []error
	for _, rep := range m {
		if rep == nil {
			continue
		}
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
