// Package tile holds the in-memory image stack a stitch call works on.
//
// A Stack is a sequence of equally shaped N-dimensional tiles stored row
// major (last axis contiguous). Tile i is identified by its position in the
// sequence. Positions and displacements are expressed per axis in the same
// order as the shape.
package tile

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Stack is a read-only set of equally shaped tiles.
type Stack struct {
	shape   []int
	strides []int
	volume  int
	tiles   [][]float64
}

// NewStack validates that every tile holds exactly prod(shape) values.
func NewStack(shape []int, tiles [][]float64) (*Stack, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tile shape must have at least one axis")
	}
	volume := 1
	for i, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("tile shape axis %d must be positive, got %d", i, s)
		}
		volume *= s
	}
	for i, t := range tiles {
		if len(t) != volume {
			return nil, fmt.Errorf("tile %d holds %d values, shape %v needs %d", i, len(t), shape, volume)
		}
	}
	strides := make([]int, len(shape))
	step := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}
	return &Stack{
		shape:   append([]int(nil), shape...),
		strides: strides,
		volume:  volume,
		tiles:   tiles,
	}, nil
}

// Len is the number of tiles.
func (s *Stack) Len() int { return len(s.tiles) }

// Dims is the number of spatial axes of each tile.
func (s *Stack) Dims() int { return len(s.shape) }

// Shape returns a copy of the tile shape.
func (s *Stack) Shape() []int { return append([]int(nil), s.shape...) }

// Volume is the number of values per tile.
func (s *Stack) Volume() int { return s.volume }

// Tile returns the raw values of tile i. Callers must not modify them.
func (s *Stack) Tile(i int) []float64 { return s.tiles[i] }

// Overlap collects the values of tiles a and b on the region they share when
// b sits at integer displacement d relative to a (d = position_b - position_a).
// Both slices are empty when the tiles do not overlap.
func (s *Stack) Overlap(a, b int, d []int) (va, vb []float64) {
	n := len(s.shape)
	lo := make([]int, n)
	hi := make([]int, n)
	count := 1
	for i, size := range s.shape {
		lo[i] = max(0, d[i])
		hi[i] = min(size, d[i]+size)
		if hi[i] <= lo[i] {
			return nil, nil
		}
		count *= hi[i] - lo[i]
	}

	ta, tb := s.tiles[a], s.tiles[b]
	va = make([]float64, 0, count)
	vb = make([]float64, 0, count)

	// The last axis is contiguous, so copy it a row at a time.
	last := n - 1
	rowLen := hi[last] - lo[last]
	idx := append([]int(nil), lo...)
	for {
		offA, offB := 0, 0
		for i := 0; i < n; i++ {
			offA += idx[i] * s.strides[i]
			offB += (idx[i] - d[i]) * s.strides[i]
		}
		va = append(va, ta[offA:offA+rowLen]...)
		vb = append(vb, tb[offB:offB+rowLen]...)

		axis := last - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < hi[axis] {
				break
			}
			idx[axis] = lo[axis]
			axis--
		}
		if axis < 0 {
			return va, vb
		}
	}
}

// NCC is the normalized cross-correlation of tiles a and b on their overlap
// at displacement d. ok is false when the overlap holds fewer than
// minOverlap values or either side has no variance.
func (s *Stack) NCC(a, b int, d []int, minOverlap int) (ncc float64, ok bool) {
	va, vb := s.Overlap(a, b, d)
	if len(va) < max(minOverlap, 2) {
		return 0, false
	}
	r := stat.Correlation(va, vb, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	return r, true
}

// FromImage converts a decoded image to a row-major grayscale tile with
// shape (height, width). Values are 16-bit luminance scaled to [0, 1].
func FromImage(img image.Image) (shape []int, values []float64) {
	b := img.Bounds()
	shape = []int{b.Dy(), b.Dx()}
	values = make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			values = append(values, float64(g.Y)/math.MaxUint16)
		}
	}
	return shape, values
}
