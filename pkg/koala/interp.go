package koala

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// BalmerLines are the stellar absorption features masked by default
// when deriving a response curve (Å).
var BalmerLines = []float64{6563, 4861, 4340, 4100, 3950}

// FluxConservingInterpolation resamples spectrum from wave onto newWave
// preserving the integrated flux. Pixels are treated as bins whose edges
// lie halfway between consecutive samples; NaN pixels contribute no flux.
// Both grids need at least two strictly increasing samples, otherwise nil
// is returned.
func FluxConservingInterpolation(newWave, wave, spectrum []float64) []float64 {
	if len(newWave) < 2 || len(wave) < 2 || len(spectrum) != len(wave) {
		return nil
	}
	edges := binEdges(wave)
	newEdges := binEdges(newWave)

	cum := make([]float64, len(edges))
	for i, v := range spectrum {
		if math.IsNaN(v) {
			v = 0
		}
		cum[i+1] = cum[i] + (edges[i+1]-edges[i])*v
	}

	newCum, err := Interp(newEdges, edges, cum)
	if err != nil {
		return nil
	}

	out := make([]float64, len(newWave))
	for i := range out {
		out[i] = (newCum[i+1] - newCum[i]) / (newEdges[i+1] - newEdges[i])
	}
	return out
}

func binEdges(x []float64) []float64 {
	n := len(x)
	edges := make([]float64, n+1)
	edges[0] = x[0] - (x[1]-x[0])/2
	for i := 1; i < n; i++ {
		edges[i] = x[i-1] + (x[i]-x[i-1])/2
	}
	edges[n] = x[n-1] + (x[n-1]-x[n-2])/2
	return edges
}

// Interp evaluates the piecewise-linear interpolant of (xp, fp) at x,
// holding the end values constant outside xp. xp must be strictly increasing.
func Interp(x, xp, fp []float64) ([]float64, error) {
	if len(xp) != len(fp) {
		return nil, fmt.Errorf("interpolating %d abscissae with %d values: %w", len(xp), len(fp), ErrShapeMismatch)
	}
	if len(xp) < 2 {
		return nil, fmt.Errorf("interpolating %d samples: need at least 2: %w", len(xp), ErrShapeMismatch)
	}
	for i := 1; i < len(xp); i++ {
		// gonum panics on non-increasing abscissae; NaN fails this test too.
		if !(xp[i] > xp[i-1]) || math.IsInf(xp[i], 0) || math.IsInf(xp[i-1], 0) {
			return nil, fmt.Errorf("interpolating: abscissae not strictly increasing at %d", i)
		}
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xp, fp); err != nil {
		return nil, fmt.Errorf("interpolating %d samples: %w", len(xp), err)
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = pl.Predict(v)
	}
	return out, nil
}

// InterpFill is Interp with explicit values outside [xp[0], xp[n-1]].
func InterpFill(x, xp, fp []float64, left, right float64) ([]float64, error) {
	out, err := Interp(x, xp, fp)
	if err != nil {
		return nil, err
	}
	for i, v := range x {
		if v < xp[0] {
			out[i] = left
		} else if v > xp[len(xp)-1] {
			out[i] = right
		}
	}
	return out, nil
}

// InterpolateNaN replaces non-finite entries by linear interpolation
// between the finite ones. Entries before the first or after the last
// finite value stay NaN.
func InterpolateNaN(y []float64) []float64 {
	out := append([]float64(nil), y...)
	var xp, fp, bad []float64
	for i, v := range y {
		if !isFinite(v) {
			bad = append(bad, float64(i))
			continue
		}
		xp = append(xp, float64(i))
		fp = append(fp, v)
	}
	if len(bad) == 0 {
		return out
	}
	if len(xp) < 2 {
		for _, b := range bad {
			out[int(b)] = math.NaN()
		}
		return out
	}
	filled, err := InterpFill(bad, xp, fp, math.NaN(), math.NaN())
	if err != nil {
		return out
	}
	for k, b := range bad {
		out[int(b)] = filled[k]
	}
	return out
}

func Linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// Geomspace returns n samples evenly spaced in log between start and stop.
func Geomspace(start, stop float64, n int) []float64 {
	logs := Linspace(math.Log(start), math.Log(stop), n)
	out := make([]float64, n)
	for i, v := range logs {
		out[i] = math.Exp(v)
	}
	out[0] = start
	if n > 1 {
		out[n-1] = stop
	}
	return out
}

// Arange mirrors a half-open [start, stop) range with the given step.
func Arange(start, stop, step float64) []float64 {
	n := int(math.Ceil((stop - start) / step))
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// VacToAir converts vacuum wavelengths (Å) to air using the IAU
// standard (Morton 2000).
func VacToAir(wave []float64) []float64 {
	out := make([]float64, len(wave))
	for i, w := range wave {
		s := 1e4 / w
		s2 := s * s
		n := 1 + 0.0000834254 + 0.02406147/(130-s2) + 0.00015998/(38.9-s2)
		out[i] = w / n
	}
	return out
}

// MaskLines returns true for samples farther than width from every line.
func MaskLines(wave []float64, width float64, lines []float64) []bool {
	keep := make([]bool, len(wave))
	for i, w := range wave {
		keep[i] = true
		for _, l := range lines {
			if w > l-width && w < l+width {
				keep[i] = false
				break
			}
		}
	}
	return keep
}

// Nearest returns the index of the element closest to value.
func Nearest(array []float64, value float64) int {
	best, bestDist := -1, math.Inf(1)
	for i, v := range array {
		if d := math.Abs(v - value); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
