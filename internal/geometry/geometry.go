// Package geometry holds the pure functions that decide whether two tiles
// overlap: box overlap for estimated positions and unit-step adjacency for
// grid indices.
package geometry

import "math"

// OverlapAreaRatio returns the fraction of an axis-aligned tile of the given
// shape that is covered by a second tile offset by rel. The ratio is the
// product over axes of max(1-|rel_i|/shape_i, 0), so it is 0 as soon as the
// offset on any axis reaches the tile extent.
//
// shape and rel must have the same length; a mismatch yields 0.
func OverlapAreaRatio(shape []int, rel []float64) float64 {
	if len(shape) != len(rel) || len(shape) == 0 {
		return 0
	}
	ratio := 1.0
	for i, s := range shape {
		if s <= 0 {
			return 0
		}
		r := 1 - math.Abs(rel[i])/float64(s)
		if r <= 0 {
			return 0
		}
		ratio *= r
	}
	return ratio
}

// GridAdjacent reports whether two grid indices are neighbours: identical
// (duplicate tiles overlap completely) or differing on exactly one axis by
// exactly one step.
func GridAdjacent(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	diffAxes := 0
	for i := range a {
		d := a[i] - b[i]
		if d == 0 {
			continue
		}
		if d != 1 && d != -1 {
			return false
		}
		diffAxes++
		if diffAxes > 1 {
			return false
		}
	}
	return true
}

// SubInt returns b-a.
func SubInt(a, b []int) []int {
	out := make([]int, len(a))
	for i := range a {
		out[i] = b[i] - a[i]
	}
	return out
}

// Sub returns b-a.
func Sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = b[i] - a[i]
	}
	return out
}

// ChebyshevDistance is the largest per-axis absolute difference between a
// and b. Displacement bounds are expressed in this metric.
func ChebyshevDistance(a, b []float64) float64 {
	var d float64
	for i := range a {
		if v := math.Abs(a[i] - b[i]); v > d {
			d = v
		}
	}
	return d
}

// Round rounds each component to the nearest integer.
func Round(v []float64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(math.Round(x))
	}
	return out
}

// ToFloat converts an integer vector.
func ToFloat(v []int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
