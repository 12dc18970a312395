package stitch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/internal/errors"
	"tessera/internal/pairs"
	"tessera/internal/stages"
	"tessera/internal/tile"
)

// recorder is a stub for every role. It shifts displacements by a fixed
// amount per stage so each stage's output is recognizable downstream.
type recorder struct {
	calls  []string
	inputs map[string]stages.Input
	fail   map[string]error
	global [][]float64
}

func newRecorder() *recorder {
	return &recorder{inputs: map[string]stages.Input{}, fail: map[string]error{}}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) step(stage string, in stages.Input, delta float64, extra map[string][]float64) (stages.Output, error) {
	r.calls = append(r.calls, stage)
	r.inputs[stage] = in
	if err := r.fail[stage]; err != nil {
		return stages.Output{}, err
	}
	out := make([][]float64, len(in.Current))
	for k, d := range in.Current {
		out[k] = make([]float64, len(d))
		for a := range d {
			out[k][a] = d[a] + delta
		}
	}
	return stages.Output{Displacements: out, Extra: extra}, nil
}

func (r *recorder) EstimateCandidates(_ context.Context, in stages.Input) (stages.Output, error) {
	return r.step("candidates", in, 1, map[string][]float64{"score": filledColumn(len(in.Pairs), 0.5)})
}

func (r *recorder) Interpolate(_ context.Context, in stages.Input) (stages.Output, error) {
	return r.step("interpolate", in, 10, nil)
}

func (r *recorder) OptimizePairs(_ context.Context, in stages.Input) (stages.Output, error) {
	return r.step("optimize", in, 100, map[string][]float64{"score": filledColumn(len(in.Pairs), 0.9)})
}

func (r *recorder) OptimizeGlobal(_ context.Context, in stages.GlobalInput) ([][]float64, error) {
	r.calls = append(r.calls, "global")
	r.inputs["global"] = in.Input
	if err := r.fail["global"]; err != nil {
		return nil, err
	}
	if r.global != nil {
		return r.global, nil
	}
	out := make([][]float64, in.Tiles)
	for i := range out {
		out[i] = make([]float64, in.Images.Dims())
	}
	return out, nil
}

func findPair(table *pairs.Table, i, j int) (*pairs.Pair, bool) {
	for k := range table.Pairs {
		if table.Pairs[k].Index1 == i && table.Pairs[k].Index2 == j {
			return &table.Pairs[k], true
		}
	}
	return nil, false
}

func filledColumn(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func stubStitcher(t *testing.T, r *recorder) *Stitcher {
	t.Helper()
	s, err := New(Config{
		CandidateEstimator:   stages.Use[stages.CandidateEstimator](r),
		PositionInterpolator: stages.Use[stages.PositionInterpolator](r),
		PairOptimizer:        stages.Use[stages.PairOptimizer](r),
		GlobalOptimizer:      stages.Use[stages.GlobalOptimizer](r),
	})
	require.NoError(t, err)
	return s
}

func blankStack(t *testing.T, n int, shape ...int) *tile.Stack {
	t.Helper()
	vol := 1
	for _, s := range shape {
		vol *= s
	}
	tiles := make([][]float64, n)
	for i := range tiles {
		tiles[i] = make([]float64, vol)
	}
	s, err := tile.NewStack(shape, tiles)
	require.NoError(t, err)
	return s
}

func TestStitchRunsStagesInOrder(t *testing.T) {
	r := newRecorder()
	s := stubStitcher(t, r)
	images := blankStack(t, 4, 123, 456)
	indices := [][]int{{-1, 1}, {0, 1}, {1, 1}, {0, 2}}

	res, err := s.Stitch(context.Background(), images, indices, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"candidates", "interpolate", "optimize", "global"}, r.calls)

	// Index-only estimates use the nominal 10% grid overlap.
	p, ok := findPair(res.Table, 1, 3)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0, 456 * 0.9}, p.EstimatedDisplacement, 1e-9)
	assert.InDeltaSlice(t, []float64{1, 456*0.9 + 1}, p.CandidateDisplacement, 1e-9)
	assert.InDeltaSlice(t, []float64{11, 456*0.9 + 11}, p.InterpolatedDisplacement, 1e-9)
	assert.InDeltaSlice(t, []float64{111, 456*0.9 + 111}, p.LocalOptimizedDisplacement, 1e-9)

	assert.Equal(t, r.inputs["candidates"].Estimated, r.inputs["candidates"].Current)
	assert.Equal(t, DefaultAllowedError, r.inputs["optimize"].AllowedError)

	// Columns from earlier stages are visible later and later writers win.
	assert.Equal(t, filledColumn(3, 0.5), r.inputs["interpolate"].Columns["score"])
	score, ok := res.Table.Column("score")
	require.True(t, ok)
	assert.Equal(t, filledColumn(3, 0.9), score)
}

func TestStitchNormalizesPositions(t *testing.T) {
	r := newRecorder()
	r.global = [][]float64{{5, -3}, {10, 2}}
	s := stubStitcher(t, r)

	res, err := s.Stitch(context.Background(), blankStack(t, 2, 8, 8), nil, [][]float64{{0, 0}, {0, 4}}, WithAllowedError(3))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0}, {5, 5}}, res.Positions)
	assert.Equal(t, 3.0, r.inputs["global"].AllowedError)
}

func TestStitchPropagatesStrategyErrorUnchanged(t *testing.T) {
	boom := fmt.Errorf("interpolator exploded")
	r := newRecorder()
	r.fail["interpolate"] = boom
	s := stubStitcher(t, r)

	res, err := s.Stitch(context.Background(), blankStack(t, 2, 8, 8), [][]int{{0, 0}, {0, 1}}, nil)
	assert.Nil(t, res)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"candidates", "interpolate"}, r.calls)
}

func TestStitchRejectsInvalidInput(t *testing.T) {
	r := newRecorder()
	s := stubStitcher(t, r)
	images := blankStack(t, 2, 8, 8)

	cases := []struct {
		name      string
		images    *tile.Stack
		indices   [][]int
		positions [][]float64
		opts      []Option
	}{
		{"nil images", nil, [][]int{{0, 0}, {0, 1}}, nil, nil},
		{"neither input", images, nil, nil, nil},
		{"index count", images, [][]int{{0, 0}, {0, 1}, {0, 2}}, nil, nil},
		{"position count", images, nil, [][]float64{{0, 0}, {0, 1}, {0, 2}}, nil},
		{"position dims", images, nil, [][]float64{{0, 0}, {0, 1, 2}}, nil},
		{"negative allowed error", images, [][]int{{0, 0}, {0, 1}}, nil, []Option{WithAllowedError(-1)}},
		{"threshold range", images, [][]int{{0, 0}, {0, 1}}, nil, []Option{WithOverlapThreshold(100)}},
		{"threshold NaN", images, nil, [][]float64{{0, 0}, {0, 4}}, []Option{WithOverlapThreshold(math.NaN())}},
		{"grid overlap NaN", images, [][]int{{0, 0}, {0, 1}}, nil, []Option{WithGridOverlap(math.NaN())}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Stitch(context.Background(), tc.images, tc.indices, tc.positions, tc.opts...)
			require.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
	assert.Empty(t, r.calls)
}

type shortRows struct{}

func (shortRows) Name() string { return "short_rows" }

func (shortRows) EstimateCandidates(_ context.Context, in stages.Input) (stages.Output, error) {
	out := make([][]float64, len(in.Pairs))
	for k := range out {
		out[k] = []float64{1}
	}
	return stages.Output{Displacements: out}, nil
}

func TestStitchRejectsMisshapenStageOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CandidateEstimator = stages.Use[stages.CandidateEstimator](shortRows{})
	s, err := New(cfg)
	require.NoError(t, err)

	res, err := s.Stitch(context.Background(), blankStack(t, 2, 8, 8), [][]int{{0, 0}, {0, 1}}, nil)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"short_rows"`)
	assert.Contains(t, err.Error(), "1-dimensional")
}

func TestStitchRejectsDisconnectedMosaic(t *testing.T) {
	r := newRecorder()
	s := stubStitcher(t, r)
	_, err := s.Stitch(context.Background(), blankStack(t, 4, 8, 8), [][]int{{0, 0}, {0, 1}, {0, 3}, {0, 4}}, nil)
	require.ErrorIs(t, err, errors.ErrDisconnectedMosaic)
	assert.Empty(t, r.calls)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairOptimizer = stages.Named[stages.PairOptimizer]("gradient_descent")
	_, err := New(cfg)
	require.ErrorIs(t, err, errors.ErrUnknownStrategy)

	var unknown *errors.UnknownStrategyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, string(stages.RolePairOptimizer), unknown.Role)
}

func TestDefaultStitcherStrategies(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, map[stages.Role]string{
		stages.RoleCandidateEstimator:   stages.PhaseCorrelation,
		stages.RolePositionInterpolator: stages.EllipticEnvelope,
		stages.RolePairOptimizer:        stages.NormalizedCrossCorrelation,
		stages.RoleGlobalOptimizer:      stages.Elastic,
	}, s.Strategies())
}

// gridMosaic cuts a 2x2 mosaic of 64x64 tiles out of a noise canvas.
func gridMosaic(t *testing.T) (*tile.Stack, [][]float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	canvas := make([][]float64, 128)
	for y := range canvas {
		canvas[y] = make([]float64, 128)
		for x := range canvas[y] {
			canvas[y][x] = rng.Float64()
		}
	}
	origins := [][]float64{{0, 0}, {1, 45}, {44, 2}, {46, 46}}
	tiles := make([][]float64, len(origins))
	for i, o := range origins {
		v := make([]float64, 0, 64*64)
		for y := int(o[0]); y < int(o[0])+64; y++ {
			v = append(v, canvas[y][int(o[1]):int(o[1])+64]...)
		}
		tiles[i] = v
	}
	s, err := tile.NewStack([]int{64, 64}, tiles)
	require.NoError(t, err)
	return s, origins
}

func TestStitchRecoversGridFromIndices(t *testing.T) {
	images, want := gridMosaic(t)
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	res, err := s.Stitch(context.Background(), images, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, nil,
		WithGridOverlap(30), WithAllowedError(10))
	require.NoError(t, err)
	require.Len(t, res.Positions, 4)
	for i := range want {
		assert.InDeltaSlice(t, want[i], res.Positions[i], 1e-6)
	}
	assert.Equal(t, []string{"ncc", "outlier", "valid"}, res.Table.Columns())
}

func TestStitchRecoversGridFromPositions(t *testing.T) {
	images, want := gridMosaic(t)
	cfg := DefaultConfig()
	cfg.GlobalOptimizer = stages.Named[stages.GlobalOptimizer](stages.MaximumSpanningTree)
	s, err := New(cfg)
	require.NoError(t, err)

	// Stage coordinates share an unknown offset with the true origins.
	positions := make([][]float64, len(want))
	for i, o := range want {
		positions[i] = []float64{o[0] + 100, o[1] - 7}
	}
	res, err := s.Stitch(context.Background(), images, nil, positions, WithAllowedError(5))
	require.NoError(t, err)
	for i := range want {
		assert.InDeltaSlice(t, want[i], res.Positions[i], 1e-9)
	}
}
