package koala

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Polynomial is evaluated in the normalised variable t = (x - Shift) / Scale.
// Coeffs are in ascending order of power.
type Polynomial struct {
	Coeffs []float64
	Shift  float64
	Scale  float64
}

func (p *Polynomial) At(x float64) float64 {
	t := (x - p.Shift) / p.Scale
	v := 0.0
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		v = v*t + p.Coeffs[i]
	}
	return v
}

func (p *Polynomial) Eval(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = p.At(x)
	}
	return out
}

// Deriv returns the first derivative with respect to x.
func (p *Polynomial) Deriv() *Polynomial {
	d := &Polynomial{Shift: p.Shift, Scale: p.Scale}
	if len(p.Coeffs) <= 1 {
		d.Coeffs = []float64{0}
		return d
	}
	d.Coeffs = make([]float64, len(p.Coeffs)-1)
	for i := range d.Coeffs {
		d.Coeffs[i] = float64(i+1) * p.Coeffs[i+1] / p.Scale
	}
	return d
}

// Polyfit fits a least-squares polynomial of the given degree. Pairs with
// a non-finite coordinate are ignored.
func Polyfit(x, y []float64, deg int) (*Polynomial, error) {
	var xs, ys []float64
	for i := range x {
		if isFinite(x[i]) && isFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) <= deg {
		return nil, fmt.Errorf("polyfit degree %d with %d points: %w", deg, len(xs), ErrFitFailed)
	}

	shift := 0.0
	for _, v := range xs {
		shift += v
	}
	shift /= float64(len(xs))
	scale := 0.0
	for _, v := range xs {
		scale = math.Max(scale, math.Abs(v-shift))
	}
	if scale == 0 {
		scale = 1
	}

	a := mat.NewDense(len(xs), deg+1, nil)
	for i, v := range xs {
		t := (v - shift) / scale
		pw := 1.0
		for j := 0; j <= deg; j++ {
			a.Set(i, j, pw)
			pw *= t
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(ys), ys)); err != nil {
		return nil, fmt.Errorf("polyfit degree %d: %v: %w", deg, err, ErrFitFailed)
	}
	coeffs := make([]float64, deg+1)
	for j := range coeffs {
		coeffs[j] = c.AtVec(j)
	}
	return &Polynomial{Coeffs: coeffs, Shift: shift, Scale: scale}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
