// Package stitch runs the four stitching stages over a mosaic and returns the
// refined position of every tile.
//
// A Stitcher resolves its strategies once and is then safe to reuse. Each
// Stitch call is independent: it builds the pair table, runs candidate
// estimation, interpolation, pair optimization and global optimization in
// that order, and either returns complete results or an error.
package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"tessera/internal/errors"
	"tessera/internal/pairs"
	"tessera/internal/stages"
	"tessera/internal/tile"
)

// Defaults for per-call options.
const (
	DefaultOverlapThreshold = 5.0
	DefaultAllowedError     = 20.0
	DefaultGridOverlap      = 10.0
)

// Config selects one strategy per role.
type Config struct {
	CandidateEstimator   stages.Choice[stages.CandidateEstimator]
	PositionInterpolator stages.Choice[stages.PositionInterpolator]
	PairOptimizer        stages.Choice[stages.PairOptimizer]
	GlobalOptimizer      stages.Choice[stages.GlobalOptimizer]

	// Options tunes the built-in strategies.
	Options stages.Options
	// Registry resolves named choices. Nil means stages.DefaultRegistry().
	Registry *stages.Registry
	Logger   *slog.Logger
}

// DefaultConfig selects phase correlation, the elliptic envelope, NCC
// refinement and the elastic solver.
func DefaultConfig() Config {
	return Config{
		CandidateEstimator:   stages.Named[stages.CandidateEstimator](stages.PhaseCorrelation),
		PositionInterpolator: stages.Named[stages.PositionInterpolator](stages.EllipticEnvelope),
		PairOptimizer:        stages.Named[stages.PairOptimizer](stages.NormalizedCrossCorrelation),
		GlobalOptimizer:      stages.Named[stages.GlobalOptimizer](stages.Elastic),
		Options:              stages.DefaultOptions(),
	}
}

// Stitcher holds resolved strategies.
type Stitcher struct {
	candidates    stages.CandidateEstimator
	interpolator  stages.PositionInterpolator
	pairOptimizer stages.PairOptimizer
	global        stages.GlobalOptimizer
	logger        *slog.Logger
}

// New resolves every strategy choice. An unknown name fails with
// *errors.UnknownStrategyError before any stitching happens.
func New(cfg Config) (*Stitcher, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = stages.DefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = logger
	}

	s := &Stitcher{logger: logger}
	var err error
	if s.candidates, err = reg.CandidateEstimator(cfg.CandidateEstimator, opts); err != nil {
		return nil, err
	}
	if s.interpolator, err = reg.PositionInterpolator(cfg.PositionInterpolator, opts); err != nil {
		return nil, err
	}
	if s.pairOptimizer, err = reg.PairOptimizer(cfg.PairOptimizer, opts); err != nil {
		return nil, err
	}
	if s.global, err = reg.GlobalOptimizer(cfg.GlobalOptimizer, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Strategies reports the strategy name used for each role.
func (s *Stitcher) Strategies() map[stages.Role]string {
	return map[stages.Role]string{
		stages.RoleCandidateEstimator:   s.candidates.Name(),
		stages.RolePositionInterpolator: s.interpolator.Name(),
		stages.RolePairOptimizer:        s.pairOptimizer.Name(),
		stages.RoleGlobalOptimizer:      s.global.Name(),
	}
}

type callOptions struct {
	overlapThreshold float64
	allowedError     float64
	gridOverlap      float64
}

// Option adjusts a single Stitch call.
type Option func(*callOptions)

// WithOverlapThreshold sets the overlap percentage above which two estimated
// boxes are considered neighbours.
func WithOverlapThreshold(pct float64) Option {
	return func(o *callOptions) { o.overlapThreshold = pct }
}

// WithAllowedError bounds the per-axis deviation, in pixels, of any refined
// displacement from its estimate.
func WithAllowedError(px float64) Option {
	return func(o *callOptions) { o.allowedError = px }
}

// WithGridOverlap sets the nominal overlap percentage between grid neighbours.
// It is only used to derive estimates when no positions are given.
func WithGridOverlap(pct float64) Option {
	return func(o *callOptions) { o.gridOverlap = pct }
}

// Result is the outcome of a successful Stitch call.
type Result struct {
	// Positions holds one position per tile, ordered by tile id and shifted
	// so that the minimum along each axis is 0.
	Positions [][]float64
	// Table carries every intermediate displacement and auxiliary column.
	Table *pairs.Table
}

// Stitch computes tile positions. indices, positions or both must be given;
// when both are, grid indices decide adjacency.
func (s *Stitcher) Stitch(ctx context.Context, images *tile.Stack, indices [][]int, positions [][]float64, opts ...Option) (*Result, error) {
	o := callOptions{
		overlapThreshold: DefaultOverlapThreshold,
		allowedError:     DefaultAllowedError,
		gridOverlap:      DefaultGridOverlap,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validate(images, indices, positions, o); err != nil {
		return nil, err
	}

	start := time.Now()
	table, err := pairs.Build(images.Shape(), indices, positions, o.overlapThreshold)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("pair table built", "tiles", table.Tiles, "pairs", len(table.Pairs), "mode", table.Mode)

	in := stages.Input{
		Images:       images,
		Pairs:        table.Indices(),
		Estimated:    estimates(table, images.Shape(), o.gridOverlap),
		AllowedError: o.allowedError,
	}
	n := len(in.Pairs)

	in.Current = in.Estimated
	in.Columns = table.ColumnSet()
	out, err := s.run(stages.RoleCandidateEstimator, s.candidates.Name(), n, images.Dims(), func() (stages.Output, error) {
		return s.candidates.EstimateCandidates(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	merge(table, out)
	for k := range table.Pairs {
		table.Pairs[k].CandidateDisplacement = out.Displacements[k]
	}

	in.Current = out.Displacements
	in.Columns = table.ColumnSet()
	out, err = s.run(stages.RolePositionInterpolator, s.interpolator.Name(), n, images.Dims(), func() (stages.Output, error) {
		return s.interpolator.Interpolate(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	merge(table, out)
	for k := range table.Pairs {
		table.Pairs[k].InterpolatedDisplacement = out.Displacements[k]
	}

	in.Current = out.Displacements
	in.Columns = table.ColumnSet()
	out, err = s.run(stages.RolePairOptimizer, s.pairOptimizer.Name(), n, images.Dims(), func() (stages.Output, error) {
		return s.pairOptimizer.OptimizePairs(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	merge(table, out)
	for k := range table.Pairs {
		table.Pairs[k].LocalOptimizedDisplacement = out.Displacements[k]
	}

	in.Current = out.Displacements
	in.Columns = table.ColumnSet()
	stageStart := time.Now()
	final, err := s.global.OptimizeGlobal(ctx, stages.GlobalInput{Input: in, Tiles: table.Tiles, Graph: table.Graph()})
	if err != nil {
		return nil, err
	}
	if err := checkPositions(s.global.Name(), final, table.Tiles, images.Dims()); err != nil {
		return nil, err
	}
	s.logger.Debug("stage finished",
		"stage", stages.RoleGlobalOptimizer,
		"strategy", s.global.Name(),
		"tiles", table.Tiles,
		"duration", time.Since(stageStart))

	normalize(final)
	s.logger.Debug("stitch finished", "tiles", table.Tiles, "pairs", n, "duration", time.Since(start))
	return &Result{Positions: final, Table: table}, nil
}

func (s *Stitcher) run(role stages.Role, name string, n, dims int, fn func() (stages.Output, error)) (stages.Output, error) {
	start := time.Now()
	out, err := fn()
	if err != nil {
		return stages.Output{}, err
	}
	if len(out.Displacements) != n {
		return stages.Output{}, fmt.Errorf("%s %q returned %d displacements for %d pairs", role, name, len(out.Displacements), n)
	}
	for k, d := range out.Displacements {
		if len(d) != dims {
			return stages.Output{}, fmt.Errorf("%s %q returned a %d-dimensional displacement for pair %d, want %d", role, name, len(d), k, dims)
		}
	}
	for col, values := range out.Extra {
		if len(values) != n {
			return stages.Output{}, fmt.Errorf("%s %q returned column %q with %d values for %d pairs", role, name, col, len(values), n)
		}
	}
	s.logger.Debug("stage finished", "stage", role, "strategy", name, "pairs", n, "duration", time.Since(start))
	return out, nil
}

func validate(images *tile.Stack, indices [][]int, positions [][]float64, o callOptions) error {
	if images == nil {
		return errors.NewInvalidInput("images must not be nil")
	}
	if err := pairs.Validate(images.Shape(), indices, positions); err != nil {
		return err
	}
	if indices != nil && len(indices) != images.Len() {
		return errors.NewInvalidInput("got %d images but %d tile indices", images.Len(), len(indices))
	}
	if positions != nil && len(positions) != images.Len() {
		return errors.NewInvalidInput("got %d images but %d estimated positions", images.Len(), len(positions))
	}
	if o.overlapThreshold < 0 || o.overlapThreshold >= 100 || math.IsNaN(o.overlapThreshold) {
		return errors.NewInvalidInput("overlap threshold must be in [0, 100), got %g", o.overlapThreshold)
	}
	if o.allowedError < 0 || math.IsNaN(o.allowedError) {
		return errors.NewInvalidInput("allowed error must be non-negative, got %g", o.allowedError)
	}
	if o.gridOverlap < 0 || o.gridOverlap >= 100 || math.IsNaN(o.gridOverlap) {
		return errors.NewInvalidInput("grid overlap must be in [0, 100), got %g", o.gridOverlap)
	}
	return nil
}

// estimates returns the estimated displacement of every pair. Tables built
// from grid indices alone get one derived from the nominal grid step.
func estimates(table *pairs.Table, shape []int, gridOverlap float64) [][]float64 {
	out := make([][]float64, len(table.Pairs))
	scale := 1 - gridOverlap/100
	for k := range table.Pairs {
		p := &table.Pairs[k]
		if p.EstimatedDisplacement == nil {
			d := make([]float64, len(shape))
			for a, step := range p.IndexDisplacement {
				d[a] = float64(step) * float64(shape[a]) * scale
			}
			p.EstimatedDisplacement = d
		}
		out[k] = p.EstimatedDisplacement
	}
	return out
}

func merge(table *pairs.Table, out stages.Output) {
	for name, values := range out.Extra {
		table.SetColumn(name, values)
	}
}

func checkPositions(name string, positions [][]float64, tiles, dims int) error {
	if len(positions) != tiles {
		return fmt.Errorf("%s %q returned %d positions for %d tiles", stages.RoleGlobalOptimizer, name, len(positions), tiles)
	}
	for i, p := range positions {
		if len(p) != dims {
			return fmt.Errorf("%s %q returned a %d-dimensional position for tile %d", stages.RoleGlobalOptimizer, name, len(p), i)
		}
	}
	return nil
}

// normalize shifts positions so the minimum along each axis is 0.
func normalize(positions [][]float64) {
	if len(positions) == 0 {
		return
	}
	for a := range positions[0] {
		lo := math.Inf(1)
		for _, p := range positions {
			lo = math.Min(lo, p[a])
		}
		for _, p := range positions {
			p[a] -= lo
		}
	}
}
