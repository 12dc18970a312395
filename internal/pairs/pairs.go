// Package pairs builds the pair table and adjacency graph of a mosaic.
//
// Adjacency is decided by one of two rules, never both: when grid indices are
// supplied two tiles are neighbours iff their indices are grid adjacent;
// otherwise they are neighbours iff their estimated boxes overlap by more
// than the threshold. Grid indices always win when both inputs are present;
// estimated positions then only contribute estimated displacements.
//
// The resulting graph must be a single connected component spanning every
// tile. Build checks this before any image work happens.
package pairs

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"tessera/internal/errors"
	"tessera/internal/geometry"
)

// Adjacency modes recorded on a table.
const (
	ModeGrid    = "grid"
	ModeOverlap = "overlap"
)

// Pair is one row of the pair table. Displacements follow the convention
// position(Index2) - position(Index1).
type Pair struct {
	Index1 int
	Index2 int

	// IndexDisplacement is set only when grid indices were supplied.
	IndexDisplacement []int
	// EstimatedDisplacement is set only when estimated positions were supplied.
	EstimatedDisplacement []float64

	CandidateDisplacement      []float64
	InterpolatedDisplacement   []float64
	LocalOptimizedDisplacement []float64
}

// Table is the pair table of one stitch call together with its adjacency graph.
type Table struct {
	Tiles int
	Mode  string
	Pairs []Pair

	columns map[string][]float64
	graph   *simple.UndirectedGraph
}

// Build validates the inputs, decides adjacency and checks connectivity.
// indices and positions may each be nil, but not both.
func Build(shape []int, indices [][]int, positions [][]float64, overlapThresholdPercentage float64) (*Table, error) {
	if err := Validate(shape, indices, positions); err != nil {
		return nil, err
	}

	n := len(indices)
	mode := ModeGrid
	if indices == nil {
		n = len(positions)
		mode = ModeOverlap
	}

	t := &Table{Tiles: n, Mode: mode, columns: make(map[string][]float64)}
	threshold := overlapThresholdPercentage / 100
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			p := Pair{Index1: i, Index2: j}
			if positions != nil {
				p.EstimatedDisplacement = geometry.Sub(positions[i], positions[j])
			}
			switch mode {
			case ModeGrid:
				if !geometry.GridAdjacent(indices[i], indices[j]) {
					continue
				}
				p.IndexDisplacement = geometry.SubInt(indices[i], indices[j])
			case ModeOverlap:
				if geometry.OverlapAreaRatio(shape, p.EstimatedDisplacement) <= threshold {
					continue
				}
			}
			t.Pairs = append(t.Pairs, p)
		}
	}

	if len(t.Pairs) == 0 {
		return nil, &errors.NoOverlapError{Tiles: n, Mode: mode}
	}

	t.graph = simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		t.graph.AddNode(simple.Node(i))
	}
	for _, p := range t.Pairs {
		t.graph.SetEdge(simple.Edge{F: simple.Node(p.Index1), T: simple.Node(p.Index2)})
	}
	if comps := components(t.graph); len(comps) != 1 {
		return nil, &errors.DisconnectedMosaicError{Components: comps}
	}
	return t, nil
}

// Validate checks the preconditions shared by Build and the stitcher.
func Validate(shape []int, indices [][]int, positions [][]float64) error {
	if indices == nil && positions == nil {
		return errors.NewInvalidInput("tile indices and estimated positions must not both be absent")
	}
	if indices != nil && positions != nil && len(indices) != len(positions) {
		return errors.NewInvalidInput("got %d tile indices but %d estimated positions", len(indices), len(positions))
	}
	if positions != nil && len(positions) < 2 {
		return errors.NewInvalidInput("estimated positions must hold at least 2 tiles, got %d", len(positions))
	}
	for i, idx := range indices {
		if len(idx) != len(shape) {
			return errors.NewInvalidInput("tile index %d has %d dimensions, tiles have %d", i, len(idx), len(shape))
		}
	}
	for i, pos := range positions {
		if len(pos) != len(shape) {
			return errors.NewInvalidInput("estimated position %d has %d dimensions, tiles have %d", i, len(pos), len(shape))
		}
	}
	return nil
}

// components returns the sorted tile ids of every connected component,
// largest component first.
func components(g graph.Undirected) [][]int {
	cc := topo.ConnectedComponents(g)
	out := make([][]int, 0, len(cc))
	for _, c := range cc {
		ids := make([]int, len(c))
		for i, n := range c {
			ids[i] = int(n.ID())
		}
		sort.Ints(ids)
		out = append(out, ids)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// Graph exposes the adjacency graph. Node ids are tile ids.
func (t *Table) Graph() graph.Undirected { return t.graph }

// Indices returns the (Index1, Index2) column.
func (t *Table) Indices() [][2]int {
	out := make([][2]int, len(t.Pairs))
	for i, p := range t.Pairs {
		out[i] = [2]int{p.Index1, p.Index2}
	}
	return out
}

// Edges returns the pair set as (Index1, Index2) tuples.
func (t *Table) Edges() map[[2]int]struct{} {
	out := make(map[[2]int]struct{}, len(t.Pairs))
	for _, p := range t.Pairs {
		out[[2]int{p.Index1, p.Index2}] = struct{}{}
	}
	return out
}

// SetColumn merges an auxiliary per-pair column, replacing any previous
// column with the same name.
func (t *Table) SetColumn(name string, values []float64) {
	t.columns[name] = values
}

// Column returns an auxiliary column.
func (t *Table) Column(name string) ([]float64, bool) {
	v, ok := t.columns[name]
	return v, ok
}

// Columns returns the auxiliary column names in sorted order.
func (t *Table) Columns() []string {
	names := make([]string, 0, len(t.columns))
	for name := range t.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ColumnSet returns a copy of the column map.
func (t *Table) ColumnSet() map[string][]float64 {
	out := make(map[string][]float64, len(t.columns))
	for k, v := range t.columns {
		out[k] = v
	}
	return out
}
