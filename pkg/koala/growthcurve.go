package koala

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// GrowthCurve1D sorts the spaxel fluxes f by squared distance to the
// origin of (x, y) and accumulates them. NaN fluxes add nothing.
func GrowthCurve1D(f, x, y []float64) (r2, growth []float64) {
	n := len(f)
	idx := make([]int, n)
	dist := make([]float64, n)
	for i := range f {
		idx[i] = i
		dist[i] = x[i]*x[i] + y[i]*y[i]
	}
	sort.SliceStable(idx, func(a, b int) bool { return dist[idx[a]] < dist[idx[b]] })

	r2 = make([]float64, n)
	growth = make([]float64, n)
	sum := 0.0
	for k, i := range idx {
		r2[k] = dist[i]
		if !math.IsNaN(f[i]) {
			sum += f[i]
		}
		growth[k] = sum
	}
	return r2, growth
}

// CumulativeMoffat is the flux enclosed within r² for a Moffat profile of
// total flux l.
func CumulativeMoffat(r2, l, alpha2, beta float64) float64 {
	alpha2 = math.Max(alpha2, 1e-12)
	return l * (1 - math.Pow(1+r2/alpha2, -beta))
}

// CumulativeMoffatSky adds a uniform sky level per unit area.
func CumulativeMoffatSky(r2, l, alpha2, beta, sky float64) float64 {
	return CumulativeMoffat(r2, l, alpha2, beta) + math.Pi*r2*sky
}

// MoffatModel is the curve-of-growth model with parameters (L, alpha², beta).
var MoffatModel = CurveModel{
	Value: func(r2 float64, p []float64) float64 {
		return CumulativeMoffat(r2, p[0], p[1], p[2])
	},
	Gradient: func(r2 float64, p, grad []float64) {
		l, beta := p[0], p[2]
		alpha2 := math.Max(p[1], 1e-12)
		u := 1 + r2/alpha2
		uPow := math.Pow(u, -beta)
		grad[0] = 1 - uPow
		grad[1] = -l * beta * r2 * uPow / (u * alpha2 * alpha2)
		grad[2] = l * math.Log(u) * uPow
	},
}

// MoffatSkyModel fits (L, alpha², beta, sky).
var MoffatSkyModel = CurveModel{
	Value: func(r2 float64, p []float64) float64 {
		return CumulativeMoffatSky(r2, p[0], p[1], p[2], p[3])
	},
	Gradient: func(r2 float64, p, grad []float64) {
		MoffatModel.Gradient(r2, p[:3], grad[:3])
		grad[3] = math.Pi * r2
	},
}

// CurveModel is a scalar model y = f(x; p). A nil Gradient is replaced
// by forward differences.
type CurveModel struct {
	Value    func(x float64, p []float64) float64
	Gradient func(x float64, p, grad []float64)
}

func (m CurveModel) gradient(x float64, p, grad []float64) {
	if m.Gradient != nil {
		m.Gradient(x, p, grad)
		return
	}
	f0 := m.Value(x, p)
	work := append([]float64(nil), p...)
	for j := range p {
		h := 1.49e-8 * math.Max(math.Abs(p[j]), 1)
		work[j] = p[j] + h
		grad[j] = (m.Value(x, work) - f0) / h
		work[j] = p[j]
	}
}

// CurveFitResult is the output of FitCurve.
type CurveFitResult struct {
	Params     []float64
	Variance   []float64 // diagonal of the covariance matrix
	RSquared   float64
	Cost       float64
	Iterations int
}

// CurveFitOptions tunes the Levenberg-Marquardt iteration.
type CurveFitOptions struct {
	Tolerance float64
	MaxIter   int
}

var defaultCurveFitOptions = CurveFitOptions{Tolerance: 1e-8, MaxIter: 500}

// FitCurve fits model to (x, y) from p0 with a bounded Levenberg-Marquardt
// solver. Nil bounds leave the parameters unconstrained. The covariance
// is scaled by the residual variance. ErrFitFailed is returned when the
// iteration does not converge or the solution is not finite.
func FitCurve(model CurveModel, x, y, p0, lower, upper []float64, opts *CurveFitOptions) (*CurveFitResult, error) {
	if opts == nil {
		opts = &defaultCurveFitOptions
	}
	n := len(p0)
	m := len(x)
	if m < n {
		return nil, fmt.Errorf("%d points for %d parameters: %w", m, n, ErrFitFailed)
	}
	if lower == nil {
		lower = filled(n, math.Inf(-1))
	}
	if upper == nil {
		upper = filled(n, math.Inf(1))
	}

	p, iters, converged := levenbergMarquardt(model, x, y, p0, lower, upper, opts.Tolerance, opts.MaxIter)
	if !converged {
		return nil, fmt.Errorf("no convergence after %d iterations: %w", iters, ErrFitFailed)
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite solution %v: %w", p, ErrFitFailed)
		}
	}

	res := &CurveFitResult{Params: p, Iterations: iters}
	res.Cost, res.RSquared = goodnessOfFit(model, x, y, p)
	res.Variance = covarianceDiagonal(model, x, p, res.Cost)
	return res, nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func goodnessOfFit(model CurveModel, x, y, p []float64) (cost, rSquared float64) {
	yBar := 0.0
	for _, o := range y {
		yBar += o
	}
	yBar /= float64(len(y))

	tss := 0.0
	for i := range x {
		res := model.Value(x[i], p) - y[i]
		disp := y[i] - yBar
		cost += res * res
		tss += disp * disp
	}
	if tss > 0 {
		rSquared = 1 - cost/tss
	}
	return cost, rSquared
}

// covarianceDiagonal returns diag(inv(JᵀJ)) * cost/(m-n), or +Inf when
// the normal matrix is singular or the fit has no degrees of freedom.
func covarianceDiagonal(model CurveModel, x, p []float64, cost float64) []float64 {
	n, m := len(p), len(x)
	out := filled(n, math.Inf(1))
	if m <= n {
		return out
	}
	jac := mat.NewDense(m, n, nil)
	grad := make([]float64, n)
	for k := range x {
		model.gradient(x[k], p, grad)
		jac.SetRow(k, grad)
	}
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	var inv mat.Dense
	if err := inv.Inverse(&jtj); err != nil {
		return out
	}
	scale := cost / float64(m-n)
	for i := range out {
		out[i] = inv.At(i, i) * scale
	}
	return out
}

// levenbergMarquardt minimises the squared residuals of model from x0,
// clamping every trial step into [lower, upper]. The damped normal
// equations are solved by Cholesky factorisation.
func levenbergMarquardt(
	model CurveModel,
	inputs, outputs,
	x0, lower, upper []float64,
	tolerance float64, maxIter int,
) ([]float64, int, bool) {
	n := len(x0)
	m := len(inputs)

	x := make([]float64, n)
	for j := range x {
		x[j] = clampLM(x0[j], lower[j], upper[j])
	}

	fi := mat.NewVecDense(m, nil)
	jac := mat.NewDense(m, n, nil)
	grad := make([]float64, n)
	residuals(model, inputs, outputs, x, fi, jac, grad)
	cost := mat.Dot(fi, fi)
	if cost == 0 {
		return x, 0, true
	}

	lambda := 1e-3
	nu := 2.0

	jtj := mat.NewSymDense(n, nil)
	damped := mat.NewSymDense(n, nil)
	jtf := mat.NewVecDense(n, nil)
	dx := mat.NewVecDense(n, nil)
	xNew := make([]float64, n)
	fiNew := mat.NewVecDense(m, nil)
	var chol mat.Cholesky

	for iter := 0; iter < maxIter; iter++ {
		jtj.SymOuterK(1, jac.T())
		jtf.MulVec(jac.T(), fi)
		if mat.Norm(jtf, 2) < tolerance*cost {
			return x, iter, true
		}
		jtf.ScaleVec(-1, jtf)

		stepped := false
		for tries := 0; tries < 20; tries++ {
			damped.CopySym(jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				damped.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
			}
			if ok := chol.Factorize(damped); !ok || chol.SolveVecTo(dx, jtf) != nil {
				lambda *= nu
				continue
			}

			for j := range xNew {
				xNew[j] = clampLM(x[j]+dx.AtVec(j), lower[j], upper[j])
			}
			for k := range inputs {
				fiNew.SetVec(k, model.Value(inputs[k], xNew)-outputs[k])
			}
			costNew := mat.Dot(fiNew, fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3, 1e-15)
				nu = 2
				residuals(model, inputs, outputs, x, fi, jac, grad)
				if improvement < tolerance || cost == 0 {
					return x, iter + 1, true
				}
				stepped = true
				break
			}
			lambda *= nu
			nu *= 2
			if lambda > 1e16 {
				return x, iter + 1, true
			}
		}
		if !stepped && lambda > 1e16 {
			return x, iter + 1, true
		}
	}
	return x, maxIter, false
}

func residuals(model CurveModel, inputs, outputs, x []float64, fi *mat.VecDense, jac *mat.Dense, grad []float64) {
	for k := range inputs {
		fi.SetVec(k, model.Value(inputs[k], x)-outputs[k])
		model.gradient(inputs[k], x, grad)
		jac.SetRow(k, grad)
	}
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
