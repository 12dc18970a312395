package stages

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"

	"tessera/internal/errors"
)

// minWeight keeps pairs with a poor or missing correlation score in play
// without letting them dominate.
const minWeight = 0.01

// pairWeights derives a confidence per pair from the ncc column. Pairs
// without a score weigh 1.
func pairWeights(in Input) []float64 {
	w := filled(len(in.Pairs), 1)
	ncc, ok := in.Columns[ColumnNCC]
	if !ok {
		return w
	}
	for k := range w {
		v := ncc[k]
		if math.IsNaN(v) {
			v = 0
		}
		w[k] = math.Min(math.Max(v, minWeight), 1)
	}
	return w
}

// spanningTree keeps only the most trusted pairs: the spanning tree of the
// adjacency graph with maximal total ncc. Positions are propagated from tile 0
// along the tree.
type spanningTree struct {
	opts Options
}

func (*spanningTree) Name() string { return MaximumSpanningTree }

func (s *spanningTree) OptimizeGlobal(ctx context.Context, in GlobalInput) ([][]float64, error) {
	weights := pairWeights(in.Input)
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for t := 0; t < in.Tiles; t++ {
		g.AddNode(simple.Node(t))
	}
	rows := make(map[[2]int]int, len(in.Pairs))
	for k, p := range in.Pairs {
		if p[0] == p[1] {
			continue
		}
		rows[[2]int{p[0], p[1]}] = k
		rows[[2]int{p[1], p[0]}] = k
		// Kruskal finds a minimum tree, so negate the scores.
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(p[0]), simple.Node(p[1]), -weights[k]))
	}

	tree := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(tree, g)

	dims := len(in.Current[0])
	positions := make([][]float64, in.Tiles)
	positions[0] = make([]float64, dims)
	queue := []int64{0}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u := queue[0]
		queue = queue[1:]
		for it := tree.From(u); it.Next(); {
			v := it.Node().ID()
			if positions[v] != nil {
				continue
			}
			k := rows[[2]int{int(u), int(v)}]
			d := in.Current[k]
			pos := make([]float64, dims)
			for a := range pos {
				// Current[k] is position(Pairs[k][1]) - position(Pairs[k][0]).
				if in.Pairs[k][0] == int(u) {
					pos[a] = positions[u][a] + d[a]
				} else {
					pos[a] = positions[u][a] - d[a]
				}
			}
			positions[v] = pos
			queue = append(queue, v)
		}
	}

	var unreached []int
	for t, p := range positions {
		if p == nil {
			unreached = append(unreached, t)
		}
	}
	if len(unreached) > 0 {
		return nil, fmt.Errorf("spanning tree does not reach tiles %v", unreached)
	}
	s.opts.logger().Debug("spanning tree built", "tiles", in.Tiles, "edges", tree.Edges().Len())
	return positions, nil
}

// elastic solves for the positions that best satisfy every pairwise
// displacement at once, in the weighted least-squares sense, with tile 0
// pinned at the origin.
type elastic struct {
	opts Options
}

func (*elastic) Name() string { return Elastic }

func (e *elastic) OptimizeGlobal(ctx context.Context, in GlobalInput) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := len(in.Current[0])
	positions := make([][]float64, in.Tiles)
	for t := range positions {
		positions[t] = make([]float64, dims)
	}
	if in.Tiles < 2 {
		return positions, nil
	}

	weights := pairWeights(in.Input)
	a := mat.NewDense(len(in.Pairs), in.Tiles-1, nil)
	b := mat.NewDense(len(in.Pairs), dims, nil)
	for k, p := range in.Pairs {
		w := math.Sqrt(weights[k])
		if p[1] > 0 {
			a.Set(k, p[1]-1, a.At(k, p[1]-1)+w)
		}
		if p[0] > 0 {
			a.Set(k, p[0]-1, a.At(k, p[0]-1)-w)
		}
		for c := 0; c < dims; c++ {
			b.Set(k, c, w*in.Current[k][c])
		}
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("solve elastic system: %w", err)
		}
		e.opts.logger().Warn("elastic system is ill-conditioned", "condition", float64(cond))
	}
	for t := 1; t < in.Tiles; t++ {
		mat.Row(positions[t], t-1, &x)
	}
	return positions, nil
}
