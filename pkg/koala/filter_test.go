package koala

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReflectIndex(t *testing.T) {
	tests := []struct {
		idx, size, want int
	}{
		{0, 4, 0},
		{3, 4, 3},
		{-1, 4, 0},
		{-2, 4, 1},
		{4, 4, 3},
		{5, 4, 2},
		{9, 4, 1},
		{-3, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reflectIndex(tt.idx, tt.size), "reflectIndex(%d, %d)", tt.idx, tt.size)
	}
}

func TestMedianFilter1D(t *testing.T) {
	out := MedianFilter1D([]float64{1, 5, 2, 8, 3}, 3)
	assert.Equal(t, []float64{1, 2, 5, 3, 3}, out)

	spike := []float64{1, 1, 1, 50, 1, 1, 1}
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 1}, MedianFilter1D(spike, 3))
}

func TestPercentileFilter1D(t *testing.T) {
	src := []float64{1, 5, 2, 8, 3}
	assert.Equal(t, []float64{5, 5, 8, 8, 8}, PercentileFilter1D(src, 100, 3))
	assert.Equal(t, []float64{1, 1, 2, 2, 3}, PercentileFilter1D(src, 0, 3))
}

func TestRankFilterNaNSortsLast(t *testing.T) {
	out := PercentileFilter1D([]float64{1, math.NaN(), 3}, 0, 3)
	assert.Equal(t, []float64{1, 1, 3}, out)
}

func TestGaussianFilter1D(t *testing.T) {
	constant := make([]float64, 40)
	for i := range constant {
		constant[i] = 2.5
	}
	for _, v := range GaussianFilter1D(constant, 1.5, 4) {
		assert.InDelta(t, 2.5, v, 1e-12)
	}

	impulse := make([]float64, 41)
	impulse[20] = 1
	out := GaussianFilter1D(impulse, 2, 4)
	sum := 0.0
	for _, v := range out {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.InDelta(t, out[19], out[21], 1e-15)
	assert.Greater(t, out[20], out[19])
	assert.InDelta(t, 1/(2*math.Sqrt(2*math.Pi)), out[20], 1e-3)
}

func TestGaussianFilter1DZeroSigmaCopies(t *testing.T) {
	src := []float64{1, 2, 3}
	out := GaussianFilter1D(src, 0, 4)
	assert.Equal(t, src, out)
	out[0] = 10
	assert.Equal(t, 1.0, src[0])
}

func TestGaussianKernelRadius(t *testing.T) {
	assert.Len(t, gaussianKernel1D(1, 4), 9)
	assert.Len(t, gaussianKernel1D(1, 2), 5)
	assert.Len(t, gaussianKernel1D(0.1, 4), 1)
}
