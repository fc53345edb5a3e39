package koala

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// NanPercentile computes the q-th percentile (0-100) ignoring NaN, with
// linear interpolation between the closest ranks.
func NanPercentile(values []float64, q float64) float64 {
	sorted := finiteValues(values)
	if len(sorted) == 0 {
		return math.NaN()
	}
	sort.Float64s(sorted)
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func NanMedian(values []float64) float64 {
	return NanPercentile(values, 50)
}

func NanMean(values []float64) float64 {
	v := finiteValues(values)
	if len(v) == 0 {
		return math.NaN()
	}
	return stat.Mean(v, nil)
}

func NanSum(values []float64) float64 {
	return floats.Sum(finiteValues(values))
}

// NanStd is the population standard deviation ignoring NaN.
func NanStd(values []float64) float64 {
	v := finiteValues(values)
	if len(v) == 0 {
		return math.NaN()
	}
	_, variance := stat.PopMeanVariance(v, nil)
	return math.Sqrt(variance)
}

// MedianMAD returns the median and the median absolute deviation.
func MedianMAD(values []float64) (float64, float64) {
	median := NanMedian(values)
	if math.IsNaN(median) {
		return math.NaN(), math.NaN()
	}
	deviations := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			deviations = append(deviations, math.Abs(v-median))
		}
	}
	return median, NanMedian(deviations)
}

// CentreOfMass returns the weighted centroid of the positions (x, y).
func CentreOfMass(w, x, y []float64) (float64, float64) {
	var sw, sx, sy float64
	for i := range w {
		if math.IsNaN(w[i]) {
			continue
		}
		if !math.IsNaN(x[i]) {
			sx += w[i] * x[i]
		}
		if !math.IsNaN(y[i]) {
			sy += w[i] * y[i]
		}
		sw += w[i]
	}
	return sx / sw, sy / sw
}

// nanMedianColumns returns the NaN-ignoring median over rows for each column.
func nanMedianColumns(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, len(rows[0]))
	col := make([]float64, len(rows))
	for j := range out {
		for i := range rows {
			col[i] = rows[i][j]
		}
		out[j] = NanMedian(col)
	}
	return out
}

func argMax(values []float64) int {
	best := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}
