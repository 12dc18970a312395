// Package stages defines the four pluggable roles of the stitching pipeline
// and ships the built-in strategies for each of them.
//
// Every role is invoked once per stage over the whole pair table, never once
// per pair, so strategies can share work across pairs (tile spectra, worker
// pools). Displacements always follow the convention
// position(Index2) - position(Index1).
package stages

import (
	"context"
	"log/slog"
	"runtime"

	"gonum.org/v1/gonum/graph"

	"tessera/internal/tile"
)

// Role names a pipeline stage.
type Role string

const (
	RoleCandidateEstimator   Role = "candidate estimator"
	RolePositionInterpolator Role = "position interpolator"
	RolePairOptimizer        Role = "pair optimizer"
	RoleGlobalOptimizer      Role = "global optimizer"
)

// Roles lists the roles in pipeline order.
var Roles = []Role{RoleCandidateEstimator, RolePositionInterpolator, RolePairOptimizer, RoleGlobalOptimizer}

// Names of the built-in strategies.
const (
	PhaseCorrelation           = "phase_correlation"
	EstimateOnly               = "estimate"
	EllipticEnvelope           = "elliptic_envelope"
	NormalizedCrossCorrelation = "normalized_cross_correlation"
	Passthrough                = "none"
	MaximumSpanningTree        = "maximum_spanning_tree"
	Elastic                    = "elastic"
)

// Auxiliary column names produced by the built-in strategies.
const (
	ColumnNCC     = "ncc"
	ColumnValid   = "valid"
	ColumnOutlier = "outlier"
)

// Input is what a per-pair stage receives. All slices are indexed by pair
// row and must be treated as read-only.
type Input struct {
	Images *tile.Stack
	Pairs  [][2]int
	// Current holds the displacements produced by the previous stage, or the
	// estimated displacements for the first stage.
	Current [][]float64
	// Estimated holds the rough displacement estimates. Always populated.
	Estimated [][]float64
	// AllowedError bounds the per-axis deviation of a result from Estimated.
	AllowedError float64
	// Columns holds the auxiliary columns merged into the table so far.
	Columns map[string][]float64
}

// Output is what a per-pair stage returns: one displacement per pair and
// optional auxiliary columns of the same length.
type Output struct {
	Displacements [][]float64
	Extra         map[string][]float64
}

// GlobalInput extends Input with the adjacency topology.
type GlobalInput struct {
	Input
	Tiles int
	Graph graph.Undirected
}

// CandidateEstimator produces first-pass displacements from image content.
type CandidateEstimator interface {
	Name() string
	EstimateCandidates(ctx context.Context, in Input) (Output, error)
}

// PositionInterpolator filters candidates and replaces outliers.
type PositionInterpolator interface {
	Name() string
	Interpolate(ctx context.Context, in Input) (Output, error)
}

// PairOptimizer refines each displacement locally.
type PairOptimizer interface {
	Name() string
	OptimizePairs(ctx context.Context, in Input) (Output, error)
}

// GlobalOptimizer turns pairwise displacements into one position per tile,
// ordered by tile id.
type GlobalOptimizer interface {
	Name() string
	OptimizeGlobal(ctx context.Context, in GlobalInput) ([][]float64, error)
}

// Options tunes the built-in strategies.
type Options struct {
	// Workers bounds per-pair parallelism. Values below 1 mean GOMAXPROCS.
	Workers int
	// PeakCount is the number of phase correlation peaks examined per pair.
	PeakCount int
	// SearchRadius is the exhaustive search radius around the starting
	// displacement before hill climbing.
	SearchRadius int
	// MinOverlapFraction is the smallest overlap, as a fraction of the tile
	// volume, on which a correlation score is trusted.
	MinOverlapFraction float64
	// OutlierQuantile is the chi-squared quantile used to reject candidates.
	OutlierQuantile float64
	Logger          *slog.Logger
}

// DefaultOptions returns the tuning used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PeakCount:          4,
		SearchRadius:       1,
		MinOverlapFraction: 0.01,
		OutlierQuantile:    0.975,
	}
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return o.Workers
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) minOverlap(images *tile.Stack) int {
	return max(int(o.MinOverlapFraction*float64(images.Volume())), 4)
}

func copyDisplacements(in [][]float64) [][]float64 {
	out := make([][]float64, len(in))
	for i, d := range in {
		out[i] = append([]float64(nil), d...)
	}
	return out
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
