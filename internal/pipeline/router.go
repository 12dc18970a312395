package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"tessera/internal/config"
	"tessera/internal/manifest"
	"tessera/internal/pairs"
	"tessera/internal/stages"
	"tessera/internal/stitch"
	"tessera/internal/tile"
)

// Option keys a job may carry to override the configured stitching settings.
const (
	OptCandidateEstimator   = "candidate_estimator"
	OptPositionInterpolator = "position_interpolator"
	OptPairOptimizer        = "pair_optimizer"
	OptGlobalOptimizer      = "global_optimizer"
	OptOverlapThreshold     = "overlap_threshold"
	OptAllowedError         = "allowed_error"
	OptGridOverlap          = "grid_overlap"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	settings  config.Stitching
	registry  *stages.Registry
	loadFile  func(path string) (*manifest.Manifest, error)
	loadStack func(ctx context.Context, m *manifest.Manifest) (*tile.Stack, error)
}

func newRouter(logger *slog.Logger, settings config.Stitching) *router {
	return &router{
		log:      logger,
		settings: settings,
		registry: stages.DefaultRegistry(),
		loadFile: manifest.Load,
		loadStack: func(ctx context.Context, m *manifest.Manifest) (*tile.Stack, error) {
			return m.LoadStack(ctx)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	case JobPairs:
		return r.handlePairs(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// prepare loads the manifest and its images and resolves the settings that
// apply to this job: configuration, then manifest overrides, then job options.
func (r *router) prepare(ctx context.Context, job Job) (*manifest.Manifest, *tile.Stack, config.Stitching, error) {
	m := job.Inline
	if m == nil {
		var err error
		if m, err = r.loadFile(job.Manifest); err != nil {
			return nil, nil, config.Stitching{}, err
		}
	}
	settings := applyOptions(m.Apply(r.settings), job.Options)
	images, err := r.loadStack(ctx, m)
	if err != nil {
		return nil, nil, config.Stitching{}, err
	}
	return m, images, settings, nil
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	m, images, settings, err := r.prepare(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	cfg := settings.StitcherConfig()
	cfg.Registry = r.registry
	cfg.Logger = r.log.With("run", job.ID)
	s, err := stitch.New(cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := s.Stitch(ctx, images, m.Indices(), m.Positions(), settings.CallOptions()...)
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"tiles": images.Len()}}
	}

	report := stitch.NewReport(res, s.Strategies())
	meta := map[string]any{
		"tiles": images.Len(),
		"pairs": len(res.Table.Pairs),
		"mode":  res.Table.Mode,
	}
	if m.Name != "" {
		meta["name"] = m.Name
	}
	if job.Output != "" {
		if err := writeReport(job.Output, report); err != nil {
			return Result{Job: job, Error: err, Meta: meta, Report: &report}
		}
		meta["output"] = job.Output
	}
	return Result{Job: job, Meta: meta, Report: &report}
}

func (r *router) handlePairs(ctx context.Context, job Job) Result {
	m, images, settings, err := r.prepare(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	table, err := pairs.Build(images.Shape(), m.Indices(), m.Positions(), settings.OverlapThreshold)
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"tiles": images.Len()}}
	}

	report := stitch.Report{Mode: table.Mode, Pairs: stitch.PairReports(table)}
	meta := map[string]any{
		"tiles": images.Len(),
		"pairs": len(table.Pairs),
		"mode":  table.Mode,
	}
	if job.Output != "" {
		if err := writeReport(job.Output, report); err != nil {
			return Result{Job: job, Error: err, Meta: meta, Report: &report}
		}
		meta["output"] = job.Output
	}
	return Result{Job: job, Meta: meta, Report: &report}
}

func applyOptions(s config.Stitching, opts map[string]any) config.Stitching {
	if v := getStringOption(opts, OptCandidateEstimator); v != "" {
		s.CandidateEstimator = v
	}
	if v := getStringOption(opts, OptPositionInterpolator); v != "" {
		s.PositionInterpolator = v
	}
	if v := getStringOption(opts, OptPairOptimizer); v != "" {
		s.PairOptimizer = v
	}
	if v := getStringOption(opts, OptGlobalOptimizer); v != "" {
		s.GlobalOptimizer = v
	}
	if v, ok := getFloat64Option(opts, OptOverlapThreshold); ok {
		s.OverlapThreshold = v
	}
	if v, ok := getFloat64Option(opts, OptAllowedError); ok {
		s.AllowedError = v
	}
	if v, ok := getFloat64Option(opts, OptGridOverlap); ok {
		s.GridOverlap = v
	}
	return s
}

// writeReport writes YAML for .yaml/.yml outputs and indented JSON otherwise.
func writeReport(path string, report stitch.Report) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(report)
	default:
		data, err = json.MarshalIndent(report, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func getStringOption(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

func getFloat64Option(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
