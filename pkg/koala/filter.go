package koala

import (
	"math"
	"sort"
)

// reflectIndex maps idx into [0, size) mirroring about the array edges
// with the edge sample repeated (d c b a | a b c d | d c b a).
func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	period := 2 * size
	idx %= period
	if idx < 0 {
		idx += period
	}
	if idx >= size {
		idx = period - 1 - idx
	}
	return idx
}

// nanLess orders NaN after every number.
func nanLess(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	return a < b || math.IsNaN(b)
}

// MedianFilter1D applies a running median of the given window size.
func MedianFilter1D(src []float64, size int) []float64 {
	return rankFilter1D(src, size, size/2)
}

// PercentileFilter1D applies a running percentile (0-100) of the given
// window size, picking the element at rank int(size*pct/100).
func PercentileFilter1D(src []float64, pct float64, size int) []float64 {
	if pct < 0 {
		pct += 100
	}
	rank := size - 1
	if pct < 100 {
		rank = int(float64(size) * pct / 100)
	}
	if rank < 0 {
		rank = 0
	}
	return rankFilter1D(src, size, rank)
}

func rankFilter1D(src []float64, size, rank int) []float64 {
	n := len(src)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if size < 1 {
		size = 1
	}
	half := size / 2
	window := make([]float64, 0, size)
	for k := -half; k < size-half; k++ {
		window = insertSorted(window, src[reflectIndex(k, n)])
	}
	out[0] = window[rank]
	for i := 1; i < n; i++ {
		window = removeSorted(window, src[reflectIndex(i-1-half, n)])
		window = insertSorted(window, src[reflectIndex(i-half+size-1, n)])
		out[i] = window[rank]
	}
	return out
}

func insertSorted(window []float64, v float64) []float64 {
	pos := sort.Search(len(window), func(i int) bool { return !nanLess(window[i], v) })
	window = append(window, 0)
	copy(window[pos+1:], window[pos:])
	window[pos] = v
	return window
}

func removeSorted(window []float64, v float64) []float64 {
	pos := sort.Search(len(window), func(i int) bool { return !nanLess(window[i], v) })
	if pos == len(window) {
		pos = len(window) - 1
	}
	copy(window[pos:], window[pos+1:])
	return window[:len(window)-1]
}

// gaussianKernel1D returns the normalised kernel of radius
// int(truncate*sigma + 0.5).
func gaussianKernel1D(sigma, truncate float64) []float64 {
	radius := int(truncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianFilter1D smooths src with a Gaussian of standard deviation
// sigma (pixels). Sigma values below 1e-15 return a copy.
func GaussianFilter1D(src []float64, sigma, truncate float64) []float64 {
	if sigma <= 1e-15 || len(src) == 0 {
		return append([]float64(nil), src...)
	}
	if truncate <= 0 {
		truncate = 4
	}
	return correlateReflect(src, gaussianKernel1D(sigma, truncate))
}

// correlateReflectGo is the portable correlation used by both backends.
func correlateReflectGo(src, kernel []float64) []float64 {
	n := len(src)
	half := len(kernel) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		if i >= half && i < n-half {
			base := i - half
			for k, w := range kernel {
				sum += src[base+k] * w
			}
		} else {
			for k, w := range kernel {
				sum += src[reflectIndex(i+k-half, n)] * w
			}
		}
		out[i] = sum
	}
	return out
}
