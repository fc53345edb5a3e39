package koala

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cwbudde/algo-vecmath"
	"golang.org/x/sync/errgroup"

	"koala/internal/logger"
)

// ExtractStellarFlux measures the flux of a point source per wavelength
// chunk by fitting a cumulative Moffat profile to its curve of growth.
func ExtractStellarFlux(ctx context.Context, sc SpectraContainer, params *StellarFluxParams) (*StellarFluxResult, error) {
	if params == nil {
		params = NewStellarFluxParams()
	}
	log := logger.For(CorrectionFluxCalibration)
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	wave := sc.Base().Wavelength
	var selected []int
	for k, w := range wave {
		if len(params.WaveRange) == 2 && (w < params.WaveRange[0] || w > params.WaveRange[1]) {
			continue
		}
		selected = append(selected, k)
	}
	window := params.WaveWindow
	if window < 1 {
		window = 1
	}
	log.Infof("extracting stellar flux: range=%v window=%d pixels", params.WaveRange, window)

	nSpec := sc.NumSpectra()
	spectra := make([][]float64, nSpec)
	x := make([]float64, nSpec)
	y := make([]float64, nSpec)
	for i := 0; i < nSpec; i++ {
		x[i], y[i] = sc.Position(i)
		if !isFinite(x[i]) || !isFinite(y[i]) {
			return nil, fmt.Errorf("spectrum %d has no sky position: %w", i, ErrShapeMismatch)
		}
		spectra[i] = sc.Spectrum(i)
	}
	xMin, xMax := finiteRange(x)
	yMin, yMax := finiteRange(y)
	xSpan, ySpan := xMax-xMin, yMax-yMin

	res := &StellarFluxResult{Metrics: &ExtractionMetrics{}}
	chunk := make([]float64, nSpec)
	dx := make([]float64, nSpec)
	dy := make([]float64, nSpec)
	sumR2 := 0.0

	for start := 0; start < len(selected); start += window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+window, len(selected))
		res.Metrics.Chunks++

		meanWave := 0.0
		for _, k := range selected[start:end] {
			meanWave += wave[k]
		}
		meanWave /= float64(end - start)

		anyFinite := false
		for i := range spectra {
			sum, count := 0.0, 0
			for _, k := range selected[start:end] {
				if v := spectra[i][k]; !math.IsNaN(v) {
					sum += v
					count++
				}
			}
			v := math.NaN()
			if count > 0 {
				v = sum / float64(count)
			}
			if isFinite(v) {
				anyFinite = true
			} else {
				v = 0
			}
			chunk[i] = v
		}
		if !anyFinite {
			log.Debugf("chunk at %.1f AA contains no useful data", meanWave)
			res.Metrics.EmptyChunks++
			continue
		}

		x0, y0 := CentreOfMass(chunk, x, y)
		for i := range chunk {
			dx[i] = x[i] - x0
			dy[i] = y[i] - y0
		}
		r2, growth := GrowthCurve1D(chunk, dx, dy)
		total := growth[len(growth)-1]

		lower, upper := params.Lower, params.Upper
		if params.AutoBounds {
			lower = []float64{0, 0, 0}
			upper = []float64{2 * total, math.Max(xSpan, ySpan), 4}
		}
		p0 := []float64{total, math.Min(xSpan, ySpan) / 3, 1}

		fit, err := FitCurve(MoffatModel, r2, growth, p0, lower, upper, params.FitOptions)
		if err != nil {
			lo, hi := wave[selected[start]], wave[selected[end-1]]
			if params.SkipFailedFits && errors.Is(err, ErrFitFailed) {
				log.Warnf("fit at wavelength %.1f [%.1f-%.1f] unsuccessful, skipping", meanWave, lo, hi)
				res.Metrics.FailedFits++
				continue
			}
			return nil, fmt.Errorf("fit at wavelength %.1f [%.1f-%.1f]: %w", meanWave, lo, hi, err)
		}

		residual := make([]float64, len(r2))
		for k := range r2 {
			residual[k] = growth[k] - MoffatModel.Value(r2[k], fit.Params)
		}
		res.MeanWave = append(res.MeanWave, meanWave)
		res.Optimal = append(res.Optimal, fit.Params)
		res.Variance = append(res.Variance, fit.Variance)
		res.Residuals = append(res.Residuals, NanMean(residual))
		res.RawFlux = append(res.RawFlux, total)
		res.CentroidX = append(res.CentroidX, x0)
		res.CentroidY = append(res.CentroidY, y0)
		sumR2 += fit.RSquared
	}
	if n := len(res.MeanWave); n > 0 {
		res.Metrics.MeanRSquare = sumR2 / float64(n)
	}
	log.Infof("extraction finished %s", res.Metrics)
	return res, nil
}

func finiteRange(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// ResponseCurve evaluates an instrumental response at any wavelength.
type ResponseCurve interface {
	At(wave float64) float64
}

// SampleResponse evaluates curve on every wavelength of wave.
func SampleResponse(curve ResponseCurve, wave []float64) []float64 {
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = curve.At(w)
	}
	return out
}

type polynomialResponse struct {
	*Polynomial
}

// linearResponse interpolates the sampled response, returning 0 outside
// the sampled range.
type linearResponse struct {
	wave     []float64
	response []float64
}

func (r *linearResponse) At(w float64) float64 {
	n := len(r.wave)
	if w < r.wave[0] || w > r.wave[n-1] {
		return 0
	}
	j := sort.SearchFloat64s(r.wave, w)
	if j == 0 {
		return r.response[0]
	}
	if j >= n {
		return r.response[n-1]
	}
	t := (w - r.wave[j-1]) / (r.wave[j] - r.wave[j-1])
	return r.response[j-1] + t*(r.response[j]-r.response[j-1])
}

// ResponseCurveFrom derives the response R(λ) = obs/ref. The ratio is
// integrated over the pixel widths, optionally smoothed, and
// differentiated back either through a polynomial fit or by finite
// differences.
func ResponseCurveFrom(wave, obs, ref []float64, params *ResponseParams) (ResponseCurve, error) {
	if params == nil {
		params = NewResponseParams()
	}
	n := len(wave)
	if n < 2 || len(obs) != n || len(ref) != n {
		return nil, fmt.Errorf("response curve needs matching arrays of at least 2 samples (%d/%d/%d): %w",
			n, len(obs), len(ref), ErrShapeMismatch)
	}
	log := logger.For(CorrectionFluxCalibration)

	if params.MaskAbsorption {
		keep := MaskLines(wave, params.MaskWidth, params.MaskedLines)
		var kw, ko, kr []float64
		for i, k := range keep {
			if k {
				kw = append(kw, wave[i])
				ko = append(ko, obs[i])
				kr = append(kr, ref[i])
			}
		}
		if len(kw) >= 2 && len(kw) < n {
			var err error
			if obs, err = Interp(wave, kw, ko); err != nil {
				return nil, err
			}
			if ref, err = Interp(wave, kw, kr); err != nil {
				return nil, err
			}
		}
	}

	edges := binEdges(wave)
	widths := make([]float64, n)
	for i := range widths {
		widths[i] = edges[i+1] - edges[i]
	}
	ratio := make([]float64, n)
	for i := range ratio {
		ratio[i] = obs[i] / ref[i]
	}
	vecmath.MulBlockInPlace(ratio, widths)

	cum := make([]float64, n)
	sum, skipped := 0.0, 0
	for i, v := range ratio {
		if isFinite(v) {
			sum += v
		} else {
			skipped++
		}
		cum[i] = sum
	}
	if skipped > 0 {
		log.Warnf("%d non-finite obs/ref samples ignored", skipped)
	}

	if params.GaussSmoothSigma > 0 {
		step := (wave[n-1] - wave[0]) / float64(n-1)
		cum = GaussianFilter1D(cum, params.GaussSmoothSigma/step, 4)
	}

	if params.PolDeg >= 1 {
		poly, err := Polyfit(wave, cum, params.PolDeg)
		if err != nil {
			return nil, err
		}
		return polynomialResponse{poly.Deriv()}, nil
	}

	r := make([]float64, n)
	prev := 0.0
	for i := range r {
		r[i] = (cum[i] - prev) / widths[i]
		prev = cum[i]
	}
	return &linearResponse{wave: append([]float64(nil), wave...), response: r}, nil
}

// StarLibrary is a directory of reference spectra of spectrophotometric
// standard stars, stored as two-column text files.
type StarLibrary struct {
	Dir string
}

// ListAvailableStars returns the sorted file names of the library and the
// star name of each file (its stem up to the first '.' or '_').
func (l StarLibrary) ListAvailableStars() (names, files []string, err error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("listing star library %s: %w", l.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	names = make([]string, len(files))
	for i, f := range files {
		stem := strings.Split(f, ".")[0]
		names[i] = strings.Split(stem, "_")[0]
	}
	return names, files, nil
}

// ResolveStar maps a star name to its library file. Names are lower
// cased and prefixed with "f" unless they already start with it; names
// containing "feige" always get the prefix. The last matching file wins.
func (l StarLibrary) ResolveStar(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty star name: %w", ErrCalibrationStarNotFound)
	}
	name = strings.ToLower(name)
	if name[0] != 'f' || strings.Contains(name, "feige") {
		name = "f" + name
	}
	names, files, err := l.ListAvailableStars()
	if err != nil {
		return "", err
	}
	var matches []string
	for i, n := range names {
		if n == name {
			matches = append(matches, files[i])
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("calibration star %s: %w", name, ErrCalibrationStarNotFound)
	}
	if len(matches) > 1 {
		logger.For(CorrectionFluxCalibration).Warnf("more than one file found for %s: %v", name, matches)
	}
	return filepath.Join(l.Dir, matches[len(matches)-1]), nil
}

// ReadCalibrationStar loads the reference spectrum of the named star.
func (l StarLibrary) ReadCalibrationStar(name string) (wave, flux []float64, err error) {
	path, err := l.ResolveStar(name)
	if err != nil {
		return nil, nil, err
	}
	return ReadSpectrumText(path)
}

// FluxCalibration derives and applies spectral response curves from
// observations of standard stars.
type FluxCalibration struct {
	Params  *FluxCalibrationParams
	Library StarLibrary
	Units   float64
}

func NewFluxCalibration(params *FluxCalibrationParams) *FluxCalibration {
	if params == nil {
		params = NewFluxCalibrationParams()
	}
	return &FluxCalibration{
		Params:  params,
		Library: StarLibrary{Dir: params.LibraryDir},
		Units:   DefaultCalibUnits,
	}
}

// CalibrateStar runs the full chain for a single standard star.
func (fc *FluxCalibration) CalibrateStar(ctx context.Context, sc SpectraContainer, star, fname string) (*StarCalibration, error) {
	log := logger.For(CorrectionFluxCalibration)
	log.Infof("automatic calibration process for %s", star)

	refWave, refFlux, err := fc.Library.ReadCalibrationStar(star)
	if err != nil {
		return nil, err
	}
	extraction, err := ExtractStellarFlux(ctx, sc.Copy(), fc.Params.Extract)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", star, err)
	}
	if len(extraction.MeanWave) < 2 {
		return nil, fmt.Errorf("extracting %s: %d chunks fitted: %w", star, len(extraction.MeanWave), ErrNoValidPixels)
	}

	reference := FluxConservingInterpolation(extraction.MeanWave, refWave, refFlux)
	if reference == nil {
		return nil, fmt.Errorf("reference spectrum of %s has %d samples: %w", star, len(refWave), ErrShapeMismatch)
	}
	curve, err := ResponseCurveFrom(extraction.MeanWave, extraction.Flux(), reference, fc.Params.Response)
	if err != nil {
		return nil, fmt.Errorf("response curve of %s: %w", star, err)
	}
	wave := sc.Base().Wavelength
	out := &StarCalibration{
		Name:       fname,
		Extraction: extraction,
		Reference:  reference,
		Response:   SampleResponse(curve, wave),
		Curve:      curve,
	}
	if fc.Params.SaveDir != "" {
		path := filepath.Join(fc.Params.SaveDir, "response_"+fname)
		if err := SaveResponse(path, wave, out.Response, fc.Units); err != nil {
			return nil, err
		}
		log.Infof("response saved as %s", path)
	}
	return out, nil
}

// Auto calibrates each container against the matching standard star.
// Stars are processed concurrently by up to Params.Workers goroutines.
func (fc *FluxCalibration) Auto(ctx context.Context, data []SpectraContainer, stars []string) ([]*StarCalibration, error) {
	if len(data) != len(stars) {
		return nil, fmt.Errorf("%d containers for %d stars: %w", len(data), len(stars), ErrShapeMismatch)
	}
	results := make([]*StarCalibration, len(stars))
	g, ctx := errgroup.WithContext(ctx)
	if fc.Params.Workers > 0 {
		g.SetLimit(fc.Params.Workers)
	}
	for i := range stars {
		g.Go(func() error {
			res, err := fc.CalibrateStar(ctx, data[i], stars[i], stars[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MasterResponse combines individual responses with a NaN-ignoring median.
func MasterResponse(results []*StarCalibration) []float64 {
	rows := make([][]float64, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.Response)
	}
	logger.For(CorrectionFluxCalibration).Infof("mastering response function from %d stars", len(rows))
	return nanMedianColumns(rows)
}

// Apply divides intensity by response and variance by response² in place.
func (fc *FluxCalibration) Apply(sc SpectraContainer, response []float64) error {
	base := sc.Base()
	if base.History.IsCorrected(CorrectionFluxCalibration) {
		return fmt.Errorf("%s: %w", base.Info.Name, ErrAlreadyCalibrated)
	}
	if len(response) != len(base.Wavelength) {
		return fmt.Errorf("response has %d samples, data %d: %w", len(response), len(base.Wavelength), ErrShapeMismatch)
	}
	logger.For(CorrectionFluxCalibration).Infof("applying response function to %s", base.Info.Name)

	inv := make([]float64, len(response))
	inv2 := make([]float64, len(response))
	for i, r := range response {
		inv[i] = 1 / r
	}
	vecmath.MulBlock(inv2, inv, inv)
	for i := 0; i < sc.NumSpectra(); i++ {
		intensity := sc.Spectrum(i)
		variance := sc.SpectrumVariance(i)
		vecmath.MulBlockInPlace(intensity, inv)
		vecmath.MulBlockInPlace(variance, inv2)
		sc.SetSpectrum(i, intensity, variance)
	}
	base.History.Add(CorrectionFluxCalibration, StatusApplied, "", fmt.Sprintf("%g erg/s/cm2/aa", fc.Units))
	return nil
}
