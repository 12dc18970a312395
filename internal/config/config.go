package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"tessera/internal/stages"
	"tessera/internal/stitch"
)

const (
	defaultConfigPath = "~/.config/tessera/config.yaml"
	defaultParallel   = 4
	envPrefix         = "TESSERA"
)

// Config holds user-editable settings for the CLI, the batch pipeline and
// the HTTP service.
type Config struct {
	Processing Processing `mapstructure:"processing" json:"processing"`
	Logging    Logging    `mapstructure:"logging" json:"logging"`
	Paths      Paths      `mapstructure:"paths" json:"paths"`
	Server     Server     `mapstructure:"server" json:"server"`
	Stitching  Stitching  `mapstructure:"stitching" json:"stitching"`
}

// Processing captures execution preferences of the batch pipeline.
type Processing struct {
	ParallelJobs int `mapstructure:"parallel_jobs" json:"parallel_jobs"`
	QueueSize    int `mapstructure:"queue_size" json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	FileOutput bool   `mapstructure:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `mapstructure:"log_dir" json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `mapstructure:"database_path" json:"database_path"`
	WatchDir     string `mapstructure:"watch_dir" json:"watch_dir"`
	OutputDir    string `mapstructure:"output_dir" json:"output_dir"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// Stitching selects strategies and tunes them.
type Stitching struct {
	CandidateEstimator   string `mapstructure:"candidate_estimator" json:"candidate_estimator"`
	PositionInterpolator string `mapstructure:"position_interpolator" json:"position_interpolator"`
	PairOptimizer        string `mapstructure:"pair_optimizer" json:"pair_optimizer"`
	GlobalOptimizer      string `mapstructure:"global_optimizer" json:"global_optimizer"`

	OverlapThreshold float64 `mapstructure:"overlap_threshold" json:"overlap_threshold"` // percent
	AllowedError     float64 `mapstructure:"allowed_error" json:"allowed_error"`         // pixels
	GridOverlap      float64 `mapstructure:"grid_overlap" json:"grid_overlap"`           // percent

	Workers            int     `mapstructure:"workers" json:"workers"`
	PeakCount          int     `mapstructure:"peak_count" json:"peak_count"`
	SearchRadius       int     `mapstructure:"search_radius" json:"search_radius"`
	MinOverlapFraction float64 `mapstructure:"min_overlap_fraction" json:"min_overlap_fraction"`
	OutlierQuantile    float64 `mapstructure:"outlier_quantile" json:"outlier_quantile"`
}

// Load reads configuration from $TESSERA_CONFIG or the default path, falling
// back to defaults when no file exists. TESSERA_* environment variables
// override file values, e.g. TESSERA_STITCHING_ALLOWED_ERROR.
func Load() (*Config, error) {
	path := os.Getenv("TESSERA_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	if expanded != "" {
		if _, err := os.Stat(expanded); err == nil {
			v.SetConfigFile(expanded)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := LoadFile("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("processing.parallel_jobs", defaultParallel)
	v.SetDefault("processing.queue_size", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file_output", false)
	v.SetDefault("logging.log_dir", "./logs")

	v.SetDefault("paths.database_path", filepath.Join(os.TempDir(), "tessera.db"))
	v.SetDefault("paths.watch_dir", "")
	v.SetDefault("paths.output_dir", "./output")

	v.SetDefault("server.addr", ":8080")

	opts := stages.DefaultOptions()
	v.SetDefault("stitching.candidate_estimator", stages.PhaseCorrelation)
	v.SetDefault("stitching.position_interpolator", stages.EllipticEnvelope)
	v.SetDefault("stitching.pair_optimizer", stages.NormalizedCrossCorrelation)
	v.SetDefault("stitching.global_optimizer", stages.Elastic)
	v.SetDefault("stitching.overlap_threshold", stitch.DefaultOverlapThreshold)
	v.SetDefault("stitching.allowed_error", stitch.DefaultAllowedError)
	v.SetDefault("stitching.grid_overlap", stitch.DefaultGridOverlap)
	v.SetDefault("stitching.workers", 0)
	v.SetDefault("stitching.peak_count", opts.PeakCount)
	v.SetDefault("stitching.search_radius", opts.SearchRadius)
	v.SetDefault("stitching.min_overlap_fraction", opts.MinOverlapFraction)
	v.SetDefault("stitching.outlier_quantile", opts.OutlierQuantile)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Processing.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("processing.queue_size must be at least 1, got %d", c.Processing.QueueSize))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	if c.Paths.DatabasePath == "" {
		errs = append(errs, errors.New("paths.database_path must be set"))
	}

	s := c.Stitching
	for key, name := range map[string]string{
		"candidate_estimator":   s.CandidateEstimator,
		"position_interpolator": s.PositionInterpolator,
		"pair_optimizer":        s.PairOptimizer,
		"global_optimizer":      s.GlobalOptimizer,
	} {
		if name == "" {
			errs = append(errs, fmt.Errorf("stitching.%s must be set", key))
		}
	}
	if s.OverlapThreshold < 0 || s.OverlapThreshold >= 100 {
		errs = append(errs, fmt.Errorf("stitching.overlap_threshold must be in [0, 100), got %g", s.OverlapThreshold))
	}
	if s.GridOverlap < 0 || s.GridOverlap >= 100 {
		errs = append(errs, fmt.Errorf("stitching.grid_overlap must be in [0, 100), got %g", s.GridOverlap))
	}
	if s.AllowedError < 0 {
		errs = append(errs, fmt.Errorf("stitching.allowed_error must be non-negative, got %g", s.AllowedError))
	}
	if s.PeakCount < 1 {
		errs = append(errs, fmt.Errorf("stitching.peak_count must be at least 1, got %d", s.PeakCount))
	}
	if s.SearchRadius < 0 {
		errs = append(errs, fmt.Errorf("stitching.search_radius must be non-negative, got %d", s.SearchRadius))
	}
	if s.MinOverlapFraction < 0 || s.MinOverlapFraction > 1 {
		errs = append(errs, fmt.Errorf("stitching.min_overlap_fraction must be in [0, 1], got %g", s.MinOverlapFraction))
	}
	if s.OutlierQuantile <= 0 || s.OutlierQuantile >= 1 {
		errs = append(errs, fmt.Errorf("stitching.outlier_quantile must be in (0, 1), got %g", s.OutlierQuantile))
	}
	return errors.Join(errs...)
}

// StitcherConfig turns the stitching section into a stitcher configuration.
func (s Stitching) StitcherConfig() stitch.Config {
	cfg := stitch.DefaultConfig()
	cfg.CandidateEstimator = stages.Named[stages.CandidateEstimator](s.CandidateEstimator)
	cfg.PositionInterpolator = stages.Named[stages.PositionInterpolator](s.PositionInterpolator)
	cfg.PairOptimizer = stages.Named[stages.PairOptimizer](s.PairOptimizer)
	cfg.GlobalOptimizer = stages.Named[stages.GlobalOptimizer](s.GlobalOptimizer)
	cfg.Options.Workers = s.Workers
	cfg.Options.PeakCount = s.PeakCount
	cfg.Options.SearchRadius = s.SearchRadius
	cfg.Options.MinOverlapFraction = s.MinOverlapFraction
	cfg.Options.OutlierQuantile = s.OutlierQuantile
	return cfg
}

// CallOptions returns the per-call stitch options.
func (s Stitching) CallOptions() []stitch.Option {
	return []stitch.Option{
		stitch.WithOverlapThreshold(s.OverlapThreshold),
		stitch.WithAllowedError(s.AllowedError),
		stitch.WithGridOverlap(s.GridOverlap),
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
