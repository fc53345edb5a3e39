package koala

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/cwbudde/algo-vecmath"

	"koala/internal/logger"
)

// AtmosphericExtinction corrects the flux lost in the atmosphere using
// an extinction curve η(λ) in mag/airmass.
type AtmosphericExtinction struct {
	Wavelength []float64
	Curve      []float64
	File       string
}

// AtmosphericExtinctionFromText reads a two-column extinction table.
func AtmosphericExtinctionFromText(path string) (*AtmosphericExtinction, error) {
	wave, curve, err := ReadSpectrumText(path)
	if err != nil {
		return nil, err
	}
	return &AtmosphericExtinction{Wavelength: wave, Curve: curve, File: path}, nil
}

// Extinction returns E(λ) = 10^(0.4 airmass η(λ)) so that F_int = E F_obs.
func (a *AtmosphericExtinction) Extinction(wave []float64, airmass float64) ([]float64, error) {
	eta, err := Interp(wave, a.Wavelength, a.Curve)
	if err != nil {
		return nil, fmt.Errorf("extinction curve: %w", err)
	}
	for i, v := range eta {
		eta[i] = math.Pow(10, 0.4*airmass*v)
	}
	return eta, nil
}

// Apply returns a corrected copy of sc. A non-positive airmass selects the
// value stored in the container metadata.
func (a *AtmosphericExtinction) Apply(sc SpectraContainer, airmass float64) (SpectraContainer, error) {
	if airmass <= 0 {
		airmass = sc.Base().Info.Airmass
	}
	if airmass <= 0 {
		return nil, fmt.Errorf("%s: %w", sc.Base().Info.Name, ErrMissingAirmass)
	}
	out := sc.Copy()
	ext, err := a.Extinction(out.Base().Wavelength, airmass)
	if err != nil {
		return nil, err
	}
	logger.For(CorrectionExtinction).Infof("applying model-based extinction correction (%.2f airmass)", airmass)

	ext2 := make([]float64, len(ext))
	vecmath.MulBlock(ext2, ext, ext)
	for i := 0; i < out.NumSpectra(); i++ {
		intensity := out.Spectrum(i)
		variance := out.SpectrumVariance(i)
		vecmath.MulBlockInPlace(intensity, ext)
		vecmath.MulBlockInPlace(variance, ext2)
		out.SetSpectrum(i, intensity, variance)
	}
	name := a.File
	if name == "" {
		name = "unknown"
	}
	comment := fmt.Sprintf("Atm. extinction file :%s|airmass=%.2f", filepath.Base(name), airmass)
	out.Base().History.Add(CorrectionExtinction, StatusApplied, comment, "")
	return out, nil
}

// CentreOfMassTrack returns, for every wavelength, the centroid of the
// spectra positions weighted by intensity^power.
func CentreOfMassTrack(sc SpectraContainer, power float64) (x, y []float64) {
	nw := len(sc.Base().Wavelength)
	n := sc.NumSpectra()
	px := make([]float64, n)
	py := make([]float64, n)
	spectra := make([][]float64, n)
	for i := 0; i < n; i++ {
		px[i], py[i] = sc.Position(i)
		spectra[i] = sc.Spectrum(i)
	}
	x = make([]float64, nw)
	y = make([]float64, nw)
	w := make([]float64, n)
	for k := 0; k < nw; k++ {
		for i := range spectra {
			w[i] = math.Pow(spectra[i][k], power)
		}
		x[k], y[k] = CentreOfMass(w, px, py)
	}
	return x, y
}

// EstimateADR fits the wavelength dependence of the centroid along each
// axis (arcsec). Centroids from intensity powers 1 to 4 are combined with
// a median and deviations beyond MaxADR are discarded.
func EstimateADR(sc SpectraContainer, params *ADRParams) (adrX, adrY []float64, err error) {
	if params == nil {
		params = NewADRParams()
	}
	if err := sc.Validate(); err != nil {
		return nil, nil, err
	}
	wave := sc.Base().Wavelength
	nw := len(wave)

	var tracks [2][4][]float64
	for p := 0; p < 4; p++ {
		cx, cy := CentreOfMassTrack(sc, float64(p+1))
		for axis, c := range [][]float64{cx, cy} {
			m := NanMedian(c)
			for k := range c {
				c[k] -= m
			}
			tracks[axis][p] = c
		}
	}

	log := logger.For("ADR")
	axisName := [2]string{"x", "y"}
	var fits [2][]float64
	for axis := 0; axis < 2; axis++ {
		median := make([]float64, nw)
		column := make([]float64, 4)
		for k := 0; k < nw; k++ {
			for p := 0; p < 4; p++ {
				column[p] = tracks[axis][p][k]
			}
			median[k] = NanMedian(column)
		}
		var pooled []float64
		for p := 0; p < 4; p++ {
			pooled = append(pooled, tracks[axis][p]...)
		}
		offset := NanMedian(pooled)
		for k := range median {
			median[k] -= offset
			if math.Abs(median[k]) > params.MaxADR {
				median[k] = math.NaN()
			}
		}

		poly, err := Polyfit(wave, median, params.PolDeg)
		if err != nil {
			log.Errorf("could not compute ADR-%s: %v", axisName[axis], err)
			fits[axis] = make([]float64, nw)
			continue
		}
		fits[axis] = poly.Eval(wave)
	}
	return fits[0], fits[1], nil
}
