package koala

import (
	"fmt"
	"math"
)

// Correction names recorded in a container history.
const (
	CorrectionWavelength      = "WavelengthCorrection"
	CorrectionFluxCalibration = "FluxCalibration"
	CorrectionExtinction      = "AtmosphericExtinction"
)

// DefaultCalibUnits is the flux unit of calibrated data in erg/s/cm2/Å.
const DefaultCalibUnits = 1e-16

// SolarOffsetParams contains all parameters of the solar cross-correlation.
type SolarOffsetParams struct {
	// Pixel shifts and Gaussian LSF widths to explore. Nil selects the
	// default grids.
	ShiftGrid []float64
	SigmaGrid []float64
	// Resample the spectra on a geometric wavelength grid first.
	LogSpace bool
	// Report the likelihood-weighted mean shift instead of the best fit.
	UseMean bool
	// Fraction of solar pixels kept as absorption features.
	KeepFeaturesFrac float64
	SunWindowAA      float64
	ResponseWindowAA float64
	EdgeMaskPixels   int
	// Optional [min, max] wavelength window replacing the feature weights.
	WaveRange []float64
	// Rescale the mean-square residual to a chi-square using the noise of
	// the best fit. False reproduces the raw weighted residual.
	ScaleChi2 bool
	// Re-centre the default shift grid on an FFT estimate of the lag.
	AutoCentre bool
	MaxCoarseLag int
	// Fibres whose likelihood surface is kept in the result.
	InspectFibres         []int
	ParallelPartitionSize int
}

// NewSolarOffsetParams creates a SolarOffsetParams with default values.
func NewSolarOffsetParams() *SolarOffsetParams {
	return &SolarOffsetParams{
		LogSpace:              true,
		UseMean:               true,
		KeepFeaturesFrac:      0.1,
		SunWindowAA:           20,
		ResponseWindowAA:      200,
		EdgeMaskPixels:        100,
		ScaleChi2:             true,
		MaxCoarseLag:          20,
		ParallelPartitionSize: 50,
	}
}

// DefaultShiftGrid spans -5 to 4.9 pixels in steps of 0.1.
func DefaultShiftGrid() []float64 { return Arange(-5, 5, 0.1) }

// DefaultSigmaGrid spans 0.1 to 2.9 pixels in steps of 0.1.
func DefaultSigmaGrid() []float64 { return Arange(0.1, 3, 0.1) }

// SolarOffsetResult holds the per-fibre outcome of the grid search.
type SolarOffsetResult struct {
	BestShift  []float64
	BestSigma  []float64
	MeanShift  []float64
	MeanSigma  []float64
	ShiftStd   []float64
	CoarseLag  []float64 // only with AutoCentre
	Offset     *WavelengthOffset
	ShiftGrid  []float64
	SigmaGrid  []float64
	Wavelength []float64
	// Likelihood[fibre][shift][sigma] for the inspected fibres.
	Likelihood  map[int][][]float64
	ValidPixels int
}

func (r *SolarOffsetResult) String() string {
	median, mad := MedianMAD(r.MeanShift)
	return fmt.Sprintf("{Fibres=%d, Grid=%dx%d, ValidPixels=%d, MeanShift=%.3f+/-%.3f}",
		len(r.MeanShift), len(r.ShiftGrid), len(r.SigmaGrid), r.ValidPixels, median, mad)
}

// StellarFluxParams controls the curve-of-growth extraction.
type StellarFluxParams struct {
	WaveRange  []float64 // optional [min, max] in Å
	WaveWindow int       // pixels averaged per chunk
	// AutoBounds derives the Moffat bounds from each chunk. Otherwise
	// Lower/Upper are used, and nil means unbounded.
	AutoBounds     bool
	Lower, Upper   []float64
	SkipFailedFits bool
	FitOptions     *CurveFitOptions
}

// NewStellarFluxParams creates a StellarFluxParams with default values.
func NewStellarFluxParams() *StellarFluxParams {
	return &StellarFluxParams{
		WaveWindow: 1,
		AutoBounds: true,
	}
}

// StellarFluxResult is the output of ExtractStellarFlux. Each slice has
// one entry per fitted chunk.
type StellarFluxResult struct {
	MeanWave  []float64
	Optimal   [][]float64 // (L, alpha², beta)
	Variance  [][]float64
	Residuals []float64
	RawFlux   []float64
	CentroidX []float64
	CentroidY []float64
	Metrics   *ExtractionMetrics
}

// Flux returns the fitted total stellar flux per chunk.
func (r *StellarFluxResult) Flux() []float64 {
	out := make([]float64, len(r.Optimal))
	for i, p := range r.Optimal {
		out[i] = p[0]
	}
	return out
}

// ExtractionMetrics tracks chunk filtering statistics.
type ExtractionMetrics struct {
	Chunks      int
	EmptyChunks int
	FailedFits  int
	MeanRSquare float64
}

func (m *ExtractionMetrics) String() string {
	return fmt.Sprintf("{Chunks=%d, EmptyChunks=%d, FailedFits=%d, MeanRSquare=%.4f}",
		m.Chunks, m.EmptyChunks, m.FailedFits, m.MeanRSquare)
}

// ResponseParams controls how the response curve is derived from the
// observed/reference ratio.
type ResponseParams struct {
	// Degree of the polynomial fitted to the cumulative response. Values
	// below 1 select linear interpolation of the finite differences.
	PolDeg int
	// Gaussian smoothing of the cumulative response in Å, 0 disables it.
	GaussSmoothSigma float64
	MaskAbsorption   bool
	MaskWidth        float64
	MaskedLines      []float64
}

// NewResponseParams creates a ResponseParams with default values.
func NewResponseParams() *ResponseParams {
	return &ResponseParams{
		PolDeg:         5,
		MaskAbsorption: true,
		MaskWidth:      30,
		MaskedLines:    BalmerLines,
	}
}

// FluxCalibrationParams configures the automatic calibration of a set of
// standard stars.
type FluxCalibrationParams struct {
	Extract  *StellarFluxParams
	Response *ResponseParams
	// Directory holding the reference spectra of standard stars.
	LibraryDir string
	// Directory for response files, empty disables saving.
	SaveDir string
	Workers int
}

// NewFluxCalibrationParams creates a FluxCalibrationParams with default values.
func NewFluxCalibrationParams() *FluxCalibrationParams {
	extract := NewStellarFluxParams()
	extract.WaveWindow = 30
	return &FluxCalibrationParams{
		Extract:  extract,
		Response: NewResponseParams(),
		Workers:  4,
	}
}

// StarCalibration is the outcome of the calibration of one standard star.
type StarCalibration struct {
	Name       string
	Extraction *StellarFluxResult
	// Reference spectrum resampled on the extraction wavelengths.
	Reference []float64
	// Response sampled on the container wavelength grid.
	Response []float64
	Curve    ResponseCurve
}

// ADRParams configures the differential refraction estimate.
type ADRParams struct {
	MaxADR float64 // arcsec
	PolDeg int
}

func NewADRParams() *ADRParams {
	return &ADRParams{MaxADR: 0.5, PolDeg: 2}
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
