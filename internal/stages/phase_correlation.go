package stages

import (
	"context"
	"math"
	"math/cmplx"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"tessera/internal/geometry"
)

// phaseCorrelation estimates candidates from the peaks of the normalized
// cross-power spectrum of each pair. Every peak is expanded into its possible
// displacements, each one is scored by normalized cross-correlation on the
// implied overlap and the best one inside the allowed error wins. Pairs
// without any acceptable peak fall back to the rounded estimate and are
// flagged invalid.
type phaseCorrelation struct {
	opts Options
}

func (*phaseCorrelation) Name() string { return PhaseCorrelation }

type candidate struct {
	d     []float64
	ncc   float64
	valid bool
}

func (p *phaseCorrelation) EstimateCandidates(ctx context.Context, in Input) (Output, error) {
	images := in.Images
	shape := images.Shape()
	workers := p.opts.workers()

	used := usedTiles(in.Pairs)
	spectra := make([][]complex128, images.Len())
	err := forEach(ctx, len(used), workers, func(ctx context.Context, n int) error {
		spectra[used[n]] = newFFTPlan(shape).forward(images.Tile(used[n]))
		return nil
	})
	if err != nil {
		return Output{}, err
	}

	results := make([]candidate, len(in.Pairs))
	err = forEach(ctx, len(in.Pairs), workers, func(ctx context.Context, k int) error {
		results[k] = p.estimate(in, spectra, k)
		return nil
	})
	if err != nil {
		return Output{}, err
	}

	out := Output{
		Displacements: make([][]float64, len(results)),
		Extra: map[string][]float64{
			ColumnNCC:   make([]float64, len(results)),
			ColumnValid: make([]float64, len(results)),
		},
	}
	invalid := 0
	for k, r := range results {
		out.Displacements[k] = r.d
		out.Extra[ColumnNCC][k] = r.ncc
		if r.valid {
			out.Extra[ColumnValid][k] = 1
		} else {
			invalid++
		}
	}
	p.opts.logger().Debug("phase correlation finished", "pairs", len(results), "fallbacks", invalid)
	return out, nil
}

func (p *phaseCorrelation) estimate(in Input, spectra [][]complex128, k int) candidate {
	images := in.Images
	shape := images.Shape()
	plan := newFFTPlan(shape)
	i, j := in.Pairs[k][0], in.Pairs[k][1]
	est := in.Estimated[k]
	minOverlap := p.opts.minOverlap(images)

	fa, fb := spectra[i], spectra[j]
	cross := make([]complex128, len(fa))
	for n := range fa {
		c := cmplx.Conj(fa[n]) * fb[n]
		if m := cmplx.Abs(c); m > 1e-12 {
			cross[n] = c / complex(m, 0)
		}
	}
	plan.inverse(cross)

	best := candidate{ncc: math.Inf(-1)}
	seen := make(map[string]struct{})
	for _, peak := range topPeaks(cross, max(p.opts.PeakCount, 1)) {
		for _, d := range interpretations(peak, shape, plan.strides) {
			key := intsKey(d)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			df := geometry.ToFloat(d)
			if geometry.ChebyshevDistance(df, est) > in.AllowedError {
				continue
			}
			if ncc, ok := images.NCC(i, j, d, minOverlap); ok && ncc > best.ncc {
				best = candidate{d: df, ncc: ncc, valid: true}
			}
		}
	}
	if best.valid {
		return best
	}

	d := geometry.Round(est)
	ncc, _ := images.NCC(i, j, d, minOverlap)
	return candidate{d: geometry.ToFloat(d), ncc: ncc}
}

// estimateOnly uses the estimated displacements as candidates.
type estimateOnly struct{}

func (estimateOnly) Name() string { return EstimateOnly }

func (estimateOnly) EstimateCandidates(_ context.Context, in Input) (Output, error) {
	return Output{
		Displacements: copyDisplacements(in.Estimated),
		Extra:         map[string][]float64{ColumnValid: filled(len(in.Estimated), 1)},
	}, nil
}

func usedTiles(pairs [][2]int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, p := range pairs {
		for _, id := range p {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// forEach runs fn for 0..n-1 on a bounded pool. It stops handing out work
// once the context is done and returns the first error seen.
func forEach(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(workers)
	for i := 0; i < n; i++ {
		i := i
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func intsKey(d []int) string {
	var b strings.Builder
	for i, v := range d {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}
