package tile

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStackValidatesVolume(t *testing.T) {
	_, err := NewStack([]int{2, 3}, [][]float64{make([]float64, 6), make([]float64, 5)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tile 1")

	_, err = NewStack([]int{0, 3}, nil)
	require.Error(t, err)

	s, err := NewStack([]int{2, 3}, [][]float64{make([]float64, 6)})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Dims())
	assert.Equal(t, 6, s.Volume())
}

func TestOverlapFollowsDisplacementConvention(t *testing.T) {
	// A 3x4 canvas split into two 3x3 tiles, the second one column to the right.
	canvas := [][]float64{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
		{8, 9, 10, 11},
	}
	a := crop(canvas, 0, 0, 3, 3)
	b := crop(canvas, 0, 1, 3, 3)
	s, err := NewStack([]int{3, 3}, [][]float64{a, b})
	require.NoError(t, err)

	va, vb := s.Overlap(0, 1, []int{0, 1})
	assert.Equal(t, []float64{1, 2, 5, 6, 9, 10}, va)
	assert.Equal(t, va, vb)

	va, vb = s.Overlap(1, 0, []int{0, -1})
	assert.Equal(t, []float64{1, 2, 5, 6, 9, 10}, vb)
	assert.Equal(t, va, vb)

	va, vb = s.Overlap(0, 1, []int{0, 3})
	assert.Empty(t, va)
	assert.Empty(t, vb)
}

func TestOverlapThreeDimensional(t *testing.T) {
	shape := []int{2, 3, 4}
	vol := 24
	a := make([]float64, vol)
	for i := range a {
		a[i] = float64(i)
	}
	s, err := NewStack(shape, [][]float64{a, a})
	require.NoError(t, err)

	va, vb := s.Overlap(0, 1, []int{1, 0, 2})
	// a region: z=1, y=0..2, x=2..3; b region: z=0, y=0..2, x=0..1
	assert.Equal(t, []float64{14, 15, 18, 19, 22, 23}, va)
	assert.Equal(t, []float64{0, 1, 4, 5, 8, 9}, vb)
}

func TestNCCPeaksAtTrueDisplacement(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	canvas := randomCanvas(rng, 40, 60)
	a := crop(canvas, 0, 0, 32, 32)
	b := crop(canvas, 5, 20, 32, 32)
	s, err := NewStack([]int{32, 32}, [][]float64{a, b})
	require.NoError(t, err)

	ncc, ok := s.NCC(0, 1, []int{5, 20}, 16)
	require.True(t, ok)
	assert.InDelta(t, 1.0, ncc, 1e-9)

	wrong, ok := s.NCC(0, 1, []int{4, 20}, 16)
	require.True(t, ok)
	assert.Less(t, wrong, 0.5)

	_, ok = s.NCC(0, 1, []int{31, 31}, 16)
	assert.False(t, ok)
}

func TestFromImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.SetGray(2, 1, color.Gray{Y: 255})
	shape, values := FromImage(img)
	assert.Equal(t, []int{2, 3}, shape)
	require.Len(t, values, 6)
	assert.InDelta(t, 1.0, values[5], 1e-9)
	assert.Zero(t, values[0])
}

func randomCanvas(rng *rand.Rand, h, w int) [][]float64 {
	c := make([][]float64, h)
	for y := range c {
		c[y] = make([]float64, w)
		for x := range c[y] {
			c[y][x] = rng.Float64()
		}
	}
	return c
}

func crop(canvas [][]float64, y0, x0, h, w int) []float64 {
	out := make([]float64, 0, h*w)
	for y := y0; y < y0+h; y++ {
		out = append(out, canvas[y][x0:x0+w]...)
	}
	return out
}
