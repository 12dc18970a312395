package stages

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"tessera/internal/geometry"
)

// minVariance floors the per-axis variance of a residual cloud, in px².
// Without it a group of perfectly consistent candidates rejects every
// neighbour that is off by a single pixel.
const minVariance = 4.0

// ellipticEnvelope groups pairs by the direction of their estimated
// displacement and fits a robust Gaussian envelope to the residuals
// (candidate - estimate) of each group. Candidates outside the envelope, and
// candidates the previous stage marked invalid, are replaced by the estimate
// shifted by the group's robust mean residual.
type ellipticEnvelope struct {
	opts Options
}

func (*ellipticEnvelope) Name() string { return EllipticEnvelope }

func (e *ellipticEnvelope) Interpolate(ctx context.Context, in Input) (Output, error) {
	n := len(in.Pairs)
	out := Output{
		Displacements: copyDisplacements(in.Current),
		Extra:         map[string][]float64{ColumnOutlier: make([]float64, n)},
	}
	outlier := out.Extra[ColumnOutlier]
	valid := in.Columns[ColumnValid]
	usable := func(k int) bool {
		if valid != nil && valid[k] == 0 {
			return false
		}
		return geometry.ChebyshevDistance(in.Current[k], in.Estimated[k]) <= in.AllowedError
	}

	groups := groupByDirection(in.Estimated)
	keys := make([]int, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Ints(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		members := groups[key]
		var rows []int
		var residuals [][]float64
		for _, k := range members {
			if usable(k) {
				rows = append(rows, k)
				residuals = append(residuals, geometry.Sub(in.Estimated[k], in.Current[k]))
			}
		}

		shift := make([]float64, len(in.Estimated[members[0]]))
		inlier := make(map[int]bool, len(rows))
		if len(residuals) > 0 {
			var keep []bool
			shift, keep = e.fit(residuals)
			for r, k := range rows {
				inlier[k] = keep[r]
			}
		}
		for _, k := range members {
			if inlier[k] {
				continue
			}
			out.Displacements[k] = shifted(in.Estimated[k], shift)
			outlier[k] = 1
		}
	}

	for k := range out.Displacements {
		if geometry.ChebyshevDistance(out.Displacements[k], in.Estimated[k]) > in.AllowedError {
			out.Displacements[k] = append([]float64(nil), in.Estimated[k]...)
			outlier[k] = 1
		}
	}

	replaced := 0
	for _, v := range outlier {
		if v != 0 {
			replaced++
		}
	}
	e.opts.logger().Debug("elliptic envelope finished", "pairs", n, "groups", len(groups), "replaced", replaced)
	return out, nil
}

// fit returns the robust centre of the residual cloud and which residuals
// lie inside the envelope. Small groups are summarized by their median and
// keep every member.
func (e *ellipticEnvelope) fit(res [][]float64) (center []float64, inlier []bool) {
	m, dims := len(res), len(res[0])
	inlier = make([]bool, m)
	for i := range inlier {
		inlier[i] = true
	}
	center = medianVector(res)
	if m < dims+2 {
		return center, inlier
	}

	cov := mat.NewSymDense(dims, nil)
	for c := 0; c < dims; c++ {
		dev := make([]float64, m)
		for r := range res {
			dev[r] = math.Abs(res[r][c] - center[c])
		}
		s := 1.4826 * median(dev)
		cov.SetSym(c, c, s*s+minVariance)
	}

	quantile := e.opts.OutlierQuantile
	if quantile <= 0 || quantile >= 1 {
		quantile = 0.975
	}
	cutoff := distuv.ChiSquared{K: float64(dims)}.Quantile(quantile)

	for iter := 0; iter < 20; iter++ {
		var chol mat.Cholesky
		if !chol.Factorize(cov) {
			break
		}
		mu := mat.NewVecDense(dims, center)
		next := make([]bool, m)
		count := 0
		for r, x := range res {
			d := stat.Mahalanobis(mat.NewVecDense(dims, x), mu, &chol)
			if d*d <= cutoff {
				next[r] = true
				count++
			}
		}
		if count < dims+1 || (iter > 0 && sameMask(next, inlier)) {
			break
		}
		inlier = next

		x := mat.NewDense(count, dims, nil)
		row := 0
		for r, keep := range inlier {
			if keep {
				x.SetRow(row, res[r])
				row++
			}
		}
		for c := 0; c < dims; c++ {
			center[c] = stat.Mean(mat.Col(nil, c, x), nil)
		}
		cov = mat.NewSymDense(dims, nil)
		stat.CovarianceMatrix(cov, x, nil)
		for c := 0; c < dims; c++ {
			cov.SetSym(c, c, cov.At(c, c)+minVariance)
		}
	}
	return center, inlier
}

// groupByDirection keys each pair by the dominant axis and sign of its
// estimated displacement. Pairs whose estimate is zero share key -1.
func groupByDirection(estimated [][]float64) map[int][]int {
	groups := make(map[int][]int)
	for k, d := range estimated {
		key, best := -1, 0.0
		for axis, v := range d {
			if math.Abs(v) > best {
				best = math.Abs(v)
				key = axis * 2
				if v > 0 {
					key++
				}
			}
		}
		groups[key] = append(groups[key], k)
	}
	return groups
}

func medianVector(rows [][]float64) []float64 {
	dims := len(rows[0])
	out := make([]float64, dims)
	col := make([]float64, len(rows))
	for c := 0; c < dims; c++ {
		for r := range rows {
			col[r] = rows[r][c]
		}
		out[c] = median(col)
	}
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func sameMask(a, b []bool) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shifted(base, shift []float64) []float64 {
	out := make([]float64, len(base))
	for i := range base {
		out[i] = base[i] + shift[i]
	}
	return out
}
