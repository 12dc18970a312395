// Package manifest describes a mosaic on disk: the tile images, their grid
// indices and/or stage positions, and optional per-mosaic stitching
// overrides. Manifests are YAML (or JSON, which is valid YAML).
package manifest

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"

	_ "golang.org/x/image/tiff"
	"sigs.k8s.io/yaml"

	"tessera/internal/config"
	"tessera/internal/errors"
	"tessera/internal/tile"
)

// Tile is one manifest entry.
type Tile struct {
	Image    string    `json:"image"`
	Index    []int     `json:"index,omitempty"`
	Position []float64 `json:"position,omitempty"`
}

// Overrides replace configured stitching settings for one mosaic.
type Overrides struct {
	CandidateEstimator   string   `json:"candidate_estimator,omitempty"`
	PositionInterpolator string   `json:"position_interpolator,omitempty"`
	PairOptimizer        string   `json:"pair_optimizer,omitempty"`
	GlobalOptimizer      string   `json:"global_optimizer,omitempty"`
	OverlapThreshold     *float64 `json:"overlap_threshold,omitempty"`
	AllowedError         *float64 `json:"allowed_error,omitempty"`
	GridOverlap          *float64 `json:"grid_overlap,omitempty"`
}

// Manifest is a parsed mosaic description.
type Manifest struct {
	Name      string     `json:"name,omitempty"`
	Tiles     []Tile     `json:"tiles"`
	Stitching *Overrides `json:"stitching,omitempty"`

	// Path is the file the manifest was loaded from, if any.
	Path string `json:"-"`
}

// SupportedFormats lists the image extensions a manifest may reference.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg"}
}

// IsManifest reports whether path looks like a manifest file.
func IsManifest(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Parse decodes and validates a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path. Relative image paths resolve
// against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Marshal encodes a manifest as YAML.
func Marshal(m *Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}

// Validate checks that every tile names an image and that indices and
// positions are given for all tiles or for none.
func (m *Manifest) Validate() error {
	if len(m.Tiles) == 0 {
		return errors.NewInvalidInput("manifest lists no tiles")
	}
	withIndex, withPosition := 0, 0
	for i, t := range m.Tiles {
		if t.Image == "" {
			return errors.NewInvalidInput("tile %d has no image", i)
		}
		if t.Index != nil {
			withIndex++
		}
		if t.Position != nil {
			withPosition++
		}
	}
	if withIndex != 0 && withIndex != len(m.Tiles) {
		return errors.NewInvalidInput("%d of %d tiles have a grid index; give one for every tile or none", withIndex, len(m.Tiles))
	}
	if withPosition != 0 && withPosition != len(m.Tiles) {
		return errors.NewInvalidInput("%d of %d tiles have a position; give one for every tile or none", withPosition, len(m.Tiles))
	}
	if withIndex == 0 && withPosition == 0 {
		return errors.NewInvalidInput("tiles need grid indices, positions or both")
	}
	return nil
}

// Indices returns the grid indices, or nil when the manifest has none.
func (m *Manifest) Indices() [][]int {
	if len(m.Tiles) == 0 || m.Tiles[0].Index == nil {
		return nil
	}
	out := make([][]int, len(m.Tiles))
	for i, t := range m.Tiles {
		out[i] = slices.Clone(t.Index)
	}
	return out
}

// Positions returns the estimated positions, or nil when the manifest has none.
func (m *Manifest) Positions() [][]float64 {
	if len(m.Tiles) == 0 || m.Tiles[0].Position == nil {
		return nil
	}
	out := make([][]float64, len(m.Tiles))
	for i, t := range m.Tiles {
		out[i] = slices.Clone(t.Position)
	}
	return out
}

// ImagePath resolves the image of tile i.
func (m *Manifest) ImagePath(i int) string {
	p := m.Tiles[i].Image
	if filepath.IsAbs(p) || m.Path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(m.Path), p)
}

// LoadStack decodes every tile image. All images must share one size.
func (m *Manifest) LoadStack(ctx context.Context) (*tile.Stack, error) {
	var shape []int
	tiles := make([][]float64, len(m.Tiles))
	for i := range m.Tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, values, err := decode(m.ImagePath(i))
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		if shape == nil {
			shape = s
		} else if !slices.Equal(shape, s) {
			return nil, errors.NewInvalidInput("tile %d is %v but tile 0 is %v", i, s, shape)
		}
		tiles[i] = values
	}
	return tile.NewStack(shape, tiles)
}

func decode(path string) ([]int, []float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	shape, values := tile.FromImage(img)
	return shape, values, nil
}

// Apply returns s with the manifest's overrides applied.
func (m *Manifest) Apply(s config.Stitching) config.Stitching {
	o := m.Stitching
	if o == nil {
		return s
	}
	if o.CandidateEstimator != "" {
		s.CandidateEstimator = o.CandidateEstimator
	}
	if o.PositionInterpolator != "" {
		s.PositionInterpolator = o.PositionInterpolator
	}
	if o.PairOptimizer != "" {
		s.PairOptimizer = o.PairOptimizer
	}
	if o.GlobalOptimizer != "" {
		s.GlobalOptimizer = o.GlobalOptimizer
	}
	if o.OverlapThreshold != nil {
		s.OverlapThreshold = *o.OverlapThreshold
	}
	if o.AllowedError != nil {
		s.AllowedError = *o.AllowedError
	}
	if o.GridOverlap != nil {
		s.GridOverlap = *o.GridOverlap
	}
	return s
}
