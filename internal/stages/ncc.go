package stages

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"tessera/internal/geometry"
)

// nccOptimizer refines each displacement by maximizing the normalized
// cross-correlation of the overlap. It scans the integer neighbourhood of the
// starting displacement exhaustively, then hill climbs one axis step at a
// time. The search never leaves the allowed-error box around the estimate.
type nccOptimizer struct {
	opts Options
}

func (*nccOptimizer) Name() string { return NormalizedCrossCorrelation }

func (o *nccOptimizer) OptimizePairs(ctx context.Context, in Input) (Output, error) {
	n := len(in.Pairs)
	out := Output{
		Displacements: make([][]float64, n),
		Extra:         map[string][]float64{ColumnNCC: make([]float64, n)},
	}
	scores := out.Extra[ColumnNCC]

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.workers())
	for k := 0; k < n; k++ {
		k := k
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out.Displacements[k], scores[k] = o.climb(in, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Output{}, err
	}
	return out, nil
}

type searchBox struct {
	lo, hi []int
}

func (b searchBox) contains(d []int) bool {
	for i := range d {
		if d[i] < b.lo[i] || d[i] > b.hi[i] {
			return false
		}
	}
	return true
}

func (o *nccOptimizer) climb(in Input, k int) ([]float64, float64) {
	images := in.Images
	i, j := in.Pairs[k][0], in.Pairs[k][1]
	est := in.Estimated[k]
	minOverlap := o.opts.minOverlap(images)

	box := searchBox{lo: make([]int, len(est)), hi: make([]int, len(est))}
	for a, v := range est {
		box.lo[a] = int(math.Ceil(v - in.AllowedError))
		box.hi[a] = int(math.Floor(v + in.AllowedError))
	}

	start := geometry.Round(in.Current[k])
	if !box.contains(start) {
		start = geometry.Round(est)
	}
	if !box.contains(start) {
		return fallback(in, k), 0
	}

	visited := make(map[string]float64)
	score := func(d []int) float64 {
		key := intsKey(d)
		if s, ok := visited[key]; ok {
			return s
		}
		s, ok := images.NCC(i, j, d, minOverlap)
		if !ok {
			s = math.Inf(-1)
		}
		visited[key] = s
		return s
	}

	best, bestScore := start, score(start)
	for _, d := range neighbourhood(start, max(o.opts.SearchRadius, 0)) {
		if !box.contains(d) {
			continue
		}
		if s := score(d); s > bestScore {
			best, bestScore = d, s
		}
	}

	for {
		next, nextScore := best, bestScore
		for axis := range best {
			for _, step := range []int{-1, 1} {
				d := append([]int(nil), best...)
				d[axis] += step
				if !box.contains(d) {
					continue
				}
				if s := score(d); s > nextScore {
					next, nextScore = d, s
				}
			}
		}
		if nextScore <= bestScore {
			break
		}
		best, bestScore = next, nextScore
	}

	if math.IsInf(bestScore, -1) {
		return fallback(in, k), 0
	}
	return geometry.ToFloat(best), bestScore
}

// fallback keeps the current displacement when it lies within the allowed
// error of the estimate and reverts to the estimate otherwise.
func fallback(in Input, k int) []float64 {
	if geometry.ChebyshevDistance(in.Current[k], in.Estimated[k]) <= in.AllowedError {
		return append([]float64(nil), in.Current[k]...)
	}
	return append([]float64(nil), in.Estimated[k]...)
}

// neighbourhood lists every integer point within Chebyshev radius r of c.
func neighbourhood(c []int, r int) [][]int {
	out := [][]int{append([]int(nil), c...)}
	for axis := range c {
		next := make([][]int, 0, len(out)*(2*r+1))
		for _, p := range out {
			for delta := -r; delta <= r; delta++ {
				d := append([]int(nil), p...)
				d[axis] += delta
				next = append(next, d)
			}
		}
		out = next
	}
	return out
}

// passthrough returns its input unchanged. It disables the interpolation or
// local refinement stage.
type passthrough struct{}

func (passthrough) Name() string { return Passthrough }

func (passthrough) Interpolate(_ context.Context, in Input) (Output, error) {
	return Output{Displacements: copyDisplacements(in.Current)}, nil
}

func (passthrough) OptimizePairs(_ context.Context, in Input) (Output, error) {
	return Output{Displacements: copyDisplacements(in.Current)}, nil
}
