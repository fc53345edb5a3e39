package koala

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/algo-vecmath"
	"golang.org/x/sync/errgroup"

	"koala/internal/logger"
)

// SolarCrossCorrOffset estimates per-fibre wavelength offsets by comparing
// a twilight exposure with a reference solar spectrum. Once computed, the
// offset is applied through the embedded WavelengthCorrection.
type SolarCrossCorrOffset struct {
	WavelengthCorrection
	SunWavelength []float64 // air wavelengths, Å
	SunIntensity  []float64
}

// NewSolarCrossCorrOffset builds the correction from a solar spectrum
// already expressed in air wavelengths.
func NewSolarCrossCorrOffset(wave, intensity []float64) (*SolarCrossCorrOffset, error) {
	if len(wave) < 2 || len(wave) != len(intensity) {
		return nil, fmt.Errorf("solar spectrum with %d wavelengths and %d fluxes: %w",
			len(wave), len(intensity), ErrShapeMismatch)
	}
	return &SolarCrossCorrOffset{SunWavelength: wave, SunIntensity: intensity}, nil
}

// SolarCrossCorrOffsetFromText reads a two-column text file of vacuum
// wavelengths and solar flux.
func SolarCrossCorrOffsetFromText(path string) (*SolarCrossCorrOffset, error) {
	wave, flux, err := ReadSpectrumText(path)
	if err != nil {
		return nil, err
	}
	return NewSolarCrossCorrOffset(VacToAir(wave), flux)
}

// SolarCrossCorrOffsetFromFits reads the WAVELENGTH (vacuum) and FLUX
// columns of the table in the given HDU.
func SolarCrossCorrOffsetFromFits(path string, extension int) (*SolarCrossCorrOffset, error) {
	wave, flux, err := ReadSolarTable(path, extension)
	if err != nil {
		return nil, err
	}
	return NewSolarCrossCorrOffset(VacToAir(wave), flux)
}

// windowPixels converts a window in Å into an odd pixel count on wave.
func windowPixels(windowAA float64, wave []float64) int {
	n := len(wave)
	delta := int(windowAA / (wave[n-1] - wave[0]) * float64(n))
	if delta%2 == 0 {
		delta++
	}
	return delta
}

// SolarFeatures weights each pixel by the depth of the absorption
// features: |F/F_cont - median(F/F_cont)|, where the continuum is a
// running median over windowAA.
func SolarFeatures(wave, sun []float64, windowAA float64) []float64 {
	continuum := MedianFilter1D(sun, windowPixels(windowAA, wave))
	ratio := make([]float64, len(sun))
	for i := range sun {
		ratio[i] = sun[i] / continuum[i]
	}
	median := NanMedian(ratio)
	for i := range ratio {
		ratio[i] = math.Abs(ratio[i] - median)
	}
	return ratio
}

// solarModelGrid holds the shifted and broadened solar models, gathered on
// the pixels where any model weight is non-zero.
type solarModelGrid struct {
	pixels  []int
	models  [][][]float64 // [shift][sigma][active pixel]
	weights [][][]float64
}

func newSolarModelGrid(shifts, sigmas, sun, weights []float64) *solarModelGrid {
	n := len(sun)
	pix := make([]float64, n)
	for k := range pix {
		pix[k] = float64(k)
	}
	newPix := make([]float64, n)

	full := make([][][]float64, len(shifts))
	fullW := make([][][]float64, len(shifts))
	active := make([]bool, n)
	for i, shift := range shifts {
		for k := range pix {
			newPix[k] = pix[k] + shift
		}
		sunShifted := FluxConservingInterpolation(newPix, pix, sun)
		wShifted := FluxConservingInterpolation(newPix, pix, weights)
		full[i] = make([][]float64, len(sigmas))
		fullW[i] = make([][]float64, len(sigmas))
		for j, sigma := range sigmas {
			full[i][j] = GaussianFilter1D(sunShifted, sigma, 4)
			w := GaussianFilter1D(wShifted, sigma, 2)
			if total := NanSum(w); total != 0 {
				for k := range w {
					w[k] /= total
				}
			}
			for k, v := range w {
				if v != 0 && !math.IsNaN(v) {
					active[k] = true
				}
			}
			fullW[i][j] = w
		}
	}

	g := &solarModelGrid{}
	for k, ok := range active {
		if ok {
			g.pixels = append(g.pixels, k)
		}
	}
	g.models = make([][][]float64, len(shifts))
	g.weights = make([][][]float64, len(shifts))
	for i := range shifts {
		g.models[i] = make([][]float64, len(sigmas))
		g.weights[i] = make([][]float64, len(sigmas))
		for j := range sigmas {
			g.models[i][j] = g.gather(full[i][j])
			g.weights[i][j] = g.gather(fullW[i][j])
		}
	}
	return g
}

func (g *solarModelGrid) gather(values []float64) []float64 {
	out := make([]float64, len(g.pixels))
	for a, k := range g.pixels {
		out[a] = values[k]
	}
	return out
}

// fibreLikelihood is the likelihood surface and its summary for one fibre.
type fibreLikelihood struct {
	surface                        [][]float64
	bestShift, bestSigma           float64
	meanShift, meanSigma, shiftStd float64
}

// ComputeShiftFromTwilight runs the grid search over (shift, LSF width)
// for every spectrum of a twilight exposure and stores the resulting
// offset in c.Offset.
func (c *SolarCrossCorrOffset) ComputeShiftFromTwilight(ctx context.Context, sc SpectraContainer, params *SolarOffsetParams) (*SolarOffsetResult, error) {
	if params == nil {
		params = NewSolarOffsetParams()
	}
	log := logger.For("SolarCrossCorrelationOffset")
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	wave := sc.Base().Wavelength
	nPix := len(wave)
	nFib := sc.NumSpectra()
	if nPix < 3 || nFib == 0 {
		return nil, fmt.Errorf("container with %d spectra of %d pixels: %w", nFib, nPix, ErrShapeMismatch)
	}

	workWave := wave
	if params.LogSpace {
		workWave = Geomspace(wave[0], wave[nPix-1], nPix)
	}
	spectra := make([][]float64, nFib)
	for i := range spectra {
		spectra[i] = sc.Spectrum(i)
		if params.LogSpace {
			spectra[i] = FluxConservingInterpolation(workWave, wave, spectra[i])
		}
	}
	sun := FluxConservingInterpolation(workWave, c.SunWavelength, c.SunIntensity)

	weights, err := featureWeights(workWave, sun, params)
	if err != nil {
		return nil, err
	}
	valid := 0
	for _, w := range weights {
		if w > 0 {
			valid++
		}
	}
	log.Infof("number of pixels with non-zero weights: %d out of %d", valid, nPix)

	norm, fibreWeights, err := normaliseResponse(ctx, spectra, sun, windowPixels(params.ResponseWindowAA, workWave), params.ParallelPartitionSize)
	if err != nil {
		return nil, err
	}

	shifts, sigmas := params.ShiftGrid, params.SigmaGrid
	if sigmas == nil {
		sigmas = DefaultSigmaGrid()
	}
	var coarse []float64
	if shifts == nil {
		shifts = DefaultShiftGrid()
		if params.AutoCentre {
			coarse, err = CoarseShifts(norm, sun, params.MaxCoarseLag)
			if err != nil {
				return nil, err
			}
			centre := math.Round(NanMedian(coarse)*10) / 10
			for i := range shifts {
				shifts[i] += centre
			}
			log.Infof("shift grid re-centred on %.1f pixels", centre)
		}
	}

	log.Infof("computing grid of %dx%d solar models", len(shifts), len(sigmas))
	grid := newSolarModelGrid(shifts, sigmas, sun, weights)
	if len(grid.pixels) == 0 {
		return nil, fmt.Errorf("model weights vanish on every pixel: %w", ErrNoValidPixels)
	}

	log.Infof("cross-correlating %d spectra with the grid of models", nFib)
	fibres := make([]fibreLikelihood, nFib)
	err = forEachPartition(ctx, nFib, params.ParallelPartitionSize, func(i int) {
		fibres[i] = grid.likelihood(grid.gather(norm[i]), grid.gather(fibreWeights[i]), shifts, sigmas, params.ScaleChi2)
	})
	if err != nil {
		return nil, err
	}

	res := &SolarOffsetResult{
		BestShift:   make([]float64, nFib),
		BestSigma:   make([]float64, nFib),
		MeanShift:   make([]float64, nFib),
		MeanSigma:   make([]float64, nFib),
		ShiftStd:    make([]float64, nFib),
		CoarseLag:   coarse,
		ShiftGrid:   shifts,
		SigmaGrid:   sigmas,
		Wavelength:  workWave,
		Likelihood:  make(map[int][][]float64),
		ValidPixels: valid,
	}
	offset := make([]float64, nFib)
	for i, f := range fibres {
		res.BestShift[i], res.BestSigma[i] = f.bestShift, f.bestSigma
		res.MeanShift[i], res.MeanSigma[i] = f.meanShift, f.meanSigma
		res.ShiftStd[i] = f.shiftStd
		if params.UseMean {
			offset[i] = -f.meanShift
		} else {
			offset[i] = -f.bestShift
		}
	}
	for _, i := range params.InspectFibres {
		if i >= 0 && i < nFib {
			res.Likelihood[i] = fibres[i].surface
		}
	}
	if params.UseMean {
		log.Infof("using mean likelihood-weighted values to compute the wavelength offset")
	} else {
		log.Infof("using best fit values to compute the wavelength offset")
	}
	res.Offset = NewWavelengthOffset(offset, append([]float64(nil), res.ShiftStd...))
	c.Offset = res.Offset
	log.Infof("solar cross-correlation finished %s", res)
	return res, nil
}

func featureWeights(wave, sun []float64, params *SolarOffsetParams) ([]float64, error) {
	n := len(wave)
	weights := make([]float64, n)
	if len(params.WaveRange) == 2 {
		for k, w := range wave {
			if w >= params.WaveRange[0] && w <= params.WaveRange[1] {
				weights[k] = 1
			}
		}
	} else {
		weights = SolarFeatures(wave, sun, params.SunWindowAA)
		threshold := NanPercentile(weights, 100*(1-params.KeepFeaturesFrac))
		for k, w := range weights {
			if math.IsNaN(w) || w < threshold {
				weights[k] = 0
			}
		}
		edge := min(params.EdgeMaskPixels, n)
		for k := 0; k < edge; k++ {
			weights[k] = 0
			weights[n-1-k] = 0
		}
	}
	for _, w := range weights {
		if w > 0 {
			return weights, nil
		}
	}
	return nil, fmt.Errorf("solar feature weights are all zero: %w", ErrNoValidPixels)
}

// normaliseResponse divides each spectrum by its smoothed response to the
// solar spectrum and down-weights pixels where the upper envelope departs
// from the smoothed response, typically telluric bands.
func normaliseResponse(ctx context.Context, spectra [][]float64, sun []float64, window, partition int) (norm, fibreWeights [][]float64, err error) {
	nFib := len(spectra)
	norm = make([][]float64, nFib)
	fibreWeights = make([][]float64, nFib)
	err = forEachPartition(ctx, nFib, partition, func(i int) {
		spec := spectra[i]
		response := make([]float64, len(spec))
		for k := range spec {
			response[k] = spec[k] / sun[k]
		}
		smoothed := MedianFilter1D(response, window)
		envelope := PercentileFilter1D(smoothed, 95, window)
		ratio := make([]float64, len(spec))
		n := make([]float64, len(spec))
		for k := range spec {
			ratio[k] = envelope[k] / smoothed[k]
			n[k] = spec[k] / smoothed[k]
		}
		norm[i] = n
		fibreWeights[i] = ratio
	})
	if err != nil {
		return nil, nil, err
	}

	all := make([]float64, 0, nFib*len(sun))
	for _, r := range fibreWeights {
		all = append(all, r...)
	}
	median := NanMedian(all)
	for _, r := range fibreWeights {
		for k, v := range r {
			d := v - median
			r[k] = 1 / (1 + d*d)
		}
	}
	return norm, fibreWeights, nil
}

// likelihood evaluates the weighted chi-square of one fibre against every
// model and converts it into a normalised likelihood surface.
func (g *solarModelGrid) likelihood(norm, fibreWeights, shifts, sigmas []float64, scale bool) fibreLikelihood {
	n := len(g.pixels)
	negNorm := make([]float64, n)
	vecmath.ScaleBlock(negNorm, norm, -1)
	diff := make([]float64, n)
	ww := make([]float64, n)

	chi2 := make([][]float64, len(shifts))
	chi2Min := math.Inf(1)
	bi, bj := -1, -1
	for i := range shifts {
		chi2[i] = make([]float64, len(sigmas))
		for j := range sigmas {
			copy(diff, g.models[i][j])
			vecmath.AddBlockInPlace(diff, negNorm)
			vecmath.MulBlockInPlace(diff, diff)
			vecmath.MulBlock(ww, g.weights[i][j], fibreWeights)
			vecmath.MulBlockInPlace(diff, ww)
			v := nanSumFast(diff) / nanSumFast(ww)
			chi2[i][j] = v
			if v < chi2Min {
				chi2Min, bi, bj = v, i, j
			}
		}
	}

	out := fibreLikelihood{
		bestShift: math.NaN(), bestSigma: math.NaN(),
		meanShift: math.NaN(), meanSigma: math.NaN(), shiftStd: math.NaN(),
	}
	if bi < 0 {
		return out
	}

	factor := 1.0
	if scale {
		vecmath.MulBlock(ww, g.weights[bi][bj], fibreWeights)
		var s, s2 float64
		for _, v := range ww {
			if !math.IsNaN(v) {
				s += v
				s2 += v * v
			}
		}
		if s2 > 0 {
			factor = s * s / s2 / math.Max(chi2Min, 1e-300)
		}
	}

	total := 0.0
	for i := range chi2 {
		for j, v := range chi2[i] {
			l := math.Exp(-(v - chi2Min) * factor / 2)
			if math.IsNaN(l) {
				l = 0
			}
			chi2[i][j] = l
			total += l
		}
	}
	var meanShift, meanSigma float64
	for i := range chi2 {
		for j := range chi2[i] {
			chi2[i][j] /= total
			meanShift += chi2[i][j] * shifts[i]
			meanSigma += chi2[i][j] * sigmas[j]
		}
	}
	variance := 0.0
	for i := range chi2 {
		d := shifts[i] - meanShift
		for j := range chi2[i] {
			variance += chi2[i][j] * d * d
		}
	}

	out.surface = chi2
	out.bestShift, out.bestSigma = shifts[bi], sigmas[bj]
	out.meanShift, out.meanSigma = meanShift, meanSigma
	out.shiftStd = math.Sqrt(variance)
	return out
}

func nanSumFast(values []float64) float64 {
	s := 0.0
	for _, v := range values {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}

// forEachPartition calls fn for every index in [0, n), splitting the range
// into partitions processed concurrently.
func forEachPartition(ctx context.Context, n, partitionSize int, fn func(i int)) error {
	if partitionSize <= 0 {
		partitionSize = n
	}
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += partitionSize {
		end := min(start+partitionSize, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
