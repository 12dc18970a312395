package stages

import (
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftPlan is an N-dimensional complex FFT built from one-dimensional passes
// along each axis. A plan holds scratch buffers and must not be shared
// between goroutines.
type fftPlan struct {
	shape   []int
	strides []int
	size    int
	ffts    []*fourier.CmplxFFT
	in, out []complex128
}

func newFFTPlan(shape []int) *fftPlan {
	p := &fftPlan{
		shape:   shape,
		strides: make([]int, len(shape)),
		ffts:    make([]*fourier.CmplxFFT, len(shape)),
		size:    1,
	}
	longest := 0
	for i := len(shape) - 1; i >= 0; i-- {
		p.strides[i] = p.size
		p.size *= shape[i]
		p.ffts[i] = fourier.NewCmplxFFT(shape[i])
		longest = max(longest, shape[i])
	}
	p.in = make([]complex128, longest)
	p.out = make([]complex128, longest)
	return p
}

func (p *fftPlan) forward(values []float64) []complex128 {
	data := make([]complex128, len(values))
	for i, v := range values {
		data[i] = complex(v, 0)
	}
	p.transform(data, false)
	return data
}

// inverse is unnormalized; callers only compare magnitudes.
func (p *fftPlan) inverse(data []complex128) {
	p.transform(data, true)
}

func (p *fftPlan) transform(data []complex128, inverse bool) {
	for axis, n := range p.shape {
		if n == 1 {
			continue
		}
		stride := p.strides[axis]
		in, out := p.in[:n], p.out[:n]
		for base := 0; base < p.size; base++ {
			if (base/stride)%n != 0 {
				continue
			}
			for k := 0; k < n; k++ {
				in[k] = data[base+k*stride]
			}
			if inverse {
				p.ffts[axis].Sequence(out, in)
			} else {
				p.ffts[axis].Coefficients(out, in)
			}
			for k := 0; k < n; k++ {
				data[base+k*stride] = out[k]
			}
		}
	}
}

// topPeaks returns the flat indices of the k largest real parts, largest first.
func topPeaks(values []complex128, k int) []int {
	best := make([]int, 0, k)
	for i, v := range values {
		r := real(v)
		if len(best) == k && r <= real(values[best[k-1]]) {
			continue
		}
		pos := sort.Search(len(best), func(j int) bool { return real(values[best[j]]) < r })
		if len(best) < k {
			best = append(best, 0)
		}
		copy(best[pos+1:], best[pos:len(best)-1])
		best[pos] = i
	}
	return best
}

// interpretations expands a correlation peak into every displacement it can
// stand for. The correlation surface is periodic and its sign depends on
// which tile is taken as reference, so each axis coordinate q of a peak
// yields q, q-s, -q and s-q, keeping only values that still overlap.
func interpretations(flat int, shape, strides []int) [][]int {
	options := make([][]int, len(shape))
	for axis, s := range shape {
		q := (flat / strides[axis]) % s
		for _, v := range []int{q, q - s, -q, s - q} {
			if v <= -s || v >= s || containsInt(options[axis], v) {
				continue
			}
			options[axis] = append(options[axis], v)
		}
	}

	out := [][]int{{}}
	for _, opts := range options {
		next := make([][]int, 0, len(out)*len(opts))
		for _, prefix := range out {
			for _, v := range opts {
				d := append(append(make([]int, 0, len(shape)), prefix...), v)
				next = append(next, d)
			}
		}
		out = next
	}
	return out
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
