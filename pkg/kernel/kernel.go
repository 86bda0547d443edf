// Package kernel holds the numeric kernels a worker runs on its chunk and the
// rules that turn the summed partials into a π estimate.
package kernel

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"piscale/pkg/reduce"
)

// DefaultReference is the constant estimates are compared against.
const DefaultReference = math.Pi

// checkEvery is how many iterations a kernel runs between context checks.
const checkEvery = 1 << 20

// Method is a named kernel together with its estimator.
type Method interface {
	reduce.Kernel
	reduce.Estimator
	Name() string
}

var (
	// SeriesEstimate multiplies a series accumulator by four.
	SeriesEstimate = reduce.EstimatorFunc(func(acc float64, _ int64) float64 {
		return 4 * acc
	})

	// SamplingEstimate turns a hit count into 4·hits/samples.
	SamplingEstimate = reduce.EstimatorFunc(func(acc float64, total int64) float64 {
		if total <= 0 {
			return math.NaN()
		}
		return 4 * acc / float64(total)
	})
)

// Leibniz sums the pairwise-grouped Leibniz series:
// term k is 1/(4k+1) - 1/(4k+3) = 2/((4k+1)(4k+3)).
type Leibniz struct{}

var _ Method = Leibniz{}

func (Leibniz) Name() string { return "leibniz" }

// Compute returns the sum of terms k in [c.Start, c.End()).
func (Leibniz) Compute(ctx context.Context, c reduce.Chunk) (float64, error) {
	var sum float64
	for i := int64(0); i < c.Size; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		k := float64(c.Start + i)
		sum += 2 / ((4*k + 1) * (4*k + 3))
	}
	return sum, nil
}

func (Leibniz) Estimate(acc float64, total int64) float64 {
	return SeriesEstimate(acc, total)
}

// MonteCarlo counts uniformly sampled points of the unit square that fall
// inside the quarter circle. Each chunk draws from its own PCG stream seeded
// with (Seed, chunk start), so a given seed reproduces every partial.
type MonteCarlo struct {
	Seed uint64
}

var _ Method = MonteCarlo{}

func (MonteCarlo) Name() string { return "montecarlo" }

// Compute returns the number of hits among c.Size samples.
func (m MonteCarlo) Compute(ctx context.Context, c reduce.Chunk) (float64, error) {
	rng := rand.New(rand.NewPCG(m.Seed, uint64(c.Start)))

	var hits int64
	for i := int64(0); i < c.Size; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		x, y := rng.Float64(), rng.Float64()
		if x*x+y*y < 1 {
			hits++
		}
	}
	return float64(hits), nil
}

func (MonteCarlo) Estimate(acc float64, total int64) float64 {
	return SamplingEstimate(acc, total)
}

// Lookup returns the method registered under name. seed only affects sampling methods.
func Lookup(name string, seed uint64) (Method, error) {
	switch name {
	case Leibniz{}.Name():
		return Leibniz{}, nil
	case MonteCarlo{}.Name():
		return MonteCarlo{Seed: seed}, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q (want one of %v)", reduce.ErrConfiguration, name, Names())
	}
}

// Names lists the registered method names in sorted order.
func Names() []string {
	names := []string{Leibniz{}.Name(), MonteCarlo{}.Name()}
	sort.Strings(names)
	return names
}
