package koala

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
)

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// CoarseShifts estimates, for each spectrum, the lag s (pixels) that best
// aligns spectrum[n] with reference[n+s], searching |s| <= maxLag. The
// integer peak of the FFT cross-correlation is refined with a parabola.
// Both inputs are mean-subtracted and NaN pixels are zeroed.
func CoarseShifts(spectra [][]float64, reference []float64, maxLag int) ([]float64, error) {
	n := len(reference)
	if n < 3 {
		return nil, fmt.Errorf("reference has %d samples: %w", n, ErrShapeMismatch)
	}
	if maxLag <= 0 || maxLag >= n {
		maxLag = n - 1
	}
	size := nextPowerOf2(2 * n)
	plan, err := algofft.NewPlan64(size)
	if err != nil {
		return nil, fmt.Errorf("creating FFT plan of size %d: %w", size, err)
	}

	refFreq := make([]complex128, size)
	if err := plan.Forward(refFreq, centredComplex(reference, size)); err != nil {
		return nil, fmt.Errorf("reference FFT: %w", err)
	}

	specFreq := make([]complex128, size)
	product := make([]complex128, size)
	corr := make([]complex128, size)
	out := make([]float64, len(spectra))
	for i, spec := range spectra {
		if len(spec) != n {
			return nil, fmt.Errorf("spectrum %d has %d samples, reference %d: %w", i, len(spec), n, ErrShapeMismatch)
		}
		if err := plan.Forward(specFreq, centredComplex(spec, size)); err != nil {
			return nil, fmt.Errorf("spectrum %d FFT: %w", i, err)
		}
		for k := range product {
			f := specFreq[k]
			product[k] = complex(real(f), -imag(f)) * refFreq[k]
		}
		if err := plan.Inverse(corr, product); err != nil {
			return nil, fmt.Errorf("spectrum %d inverse FFT: %w", i, err)
		}

		at := func(lag int) float64 {
			if lag < 0 {
				lag += size
			}
			return real(corr[lag])
		}
		best := 0
		for lag := -maxLag; lag <= maxLag; lag++ {
			if at(lag) > at(best) {
				best = lag
			}
		}
		shift := float64(best)
		if best > -maxLag && best < maxLag {
			left, centre, right := at(best-1), at(best), at(best+1)
			if denom := left - 2*centre + right; denom != 0 {
				shift += 0.5 * (left - right) / denom
			}
		}
		out[i] = shift
	}
	return out, nil
}

func centredComplex(values []float64, size int) []complex128 {
	mean := NanMean(values)
	if math.IsNaN(mean) {
		mean = 0
	}
	out := make([]complex128, size)
	for i, v := range values {
		if isFinite(v) {
			out[i] = complex(v-mean, 0)
		}
	}
	return out
}
