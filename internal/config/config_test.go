package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/internal/stages"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultParallel, cfg.Processing.ParallelJobs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, stages.PhaseCorrelation, cfg.Stitching.CandidateEstimator)
	assert.Equal(t, stages.Elastic, cfg.Stitching.GlobalOptimizer)
	assert.Equal(t, 5.0, cfg.Stitching.OverlapThreshold)
	assert.Equal(t, 20.0, cfg.Stitching.AllowedError)
	assert.Equal(t, 10.0, cfg.Stitching.GridOverlap)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
processing:
  parallel_jobs: 2
stitching:
  global_optimizer: maximum_spanning_tree
  allowed_error: 12
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Setenv("TESSERA_STITCHING_OVERLAP_THRESHOLD", "7.5")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Processing.ParallelJobs)
	assert.Equal(t, stages.MaximumSpanningTree, cfg.Stitching.GlobalOptimizer)
	assert.Equal(t, 12.0, cfg.Stitching.AllowedError)
	assert.Equal(t, 7.5, cfg.Stitching.OverlapThreshold)
	assert.Equal(t, stages.EllipticEnvelope, cfg.Stitching.PositionInterpolator)
}

func TestLoadUsesConfigEnvironmentVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))
	t.Setenv("TESSERA_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stitching: [unterminated"), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Processing.ParallelJobs = 0
	cfg.Logging.Format = "xml"
	cfg.Stitching.PairOptimizer = ""
	cfg.Stitching.AllowedError = -1
	cfg.Stitching.OutlierQuantile = 1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"processing.parallel_jobs",
		"logging.format",
		"stitching.pair_optimizer",
		"stitching.allowed_error",
		"stitching.outlier_quantile",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestStitcherConfig(t *testing.T) {
	s := Default().Stitching
	s.PairOptimizer = stages.Passthrough
	s.Workers = 3

	cfg := s.StitcherConfig()
	assert.Equal(t, stages.Passthrough, cfg.PairOptimizer.String())
	assert.Equal(t, stages.PhaseCorrelation, cfg.CandidateEstimator.String())
	assert.Equal(t, 3, cfg.Options.Workers)
	assert.Len(t, s.CallOptions(), 3)
}
