package koala

import (
	"fmt"

	"koala/internal/logger"
)

// WavelengthOffset is a per-fibre pixel shift and its uncertainty.
type WavelengthOffset struct {
	Offset []float64
	Error  []float64
	Path   string
}

func NewWavelengthOffset(offset, offsetErr []float64) *WavelengthOffset {
	if offsetErr == nil {
		offsetErr = nanSlice(len(offset))
	}
	return &WavelengthOffset{Offset: offset, Error: offsetErr}
}

// ToFits writes the offset to path, or to the stored path when path is
// empty.
func (o *WavelengthOffset) ToFits(path string) error {
	if path == "" {
		path = o.Path
	}
	if path == "" {
		return ErrNoOutputPath
	}
	if err := writeOffsetFits(path, o); err != nil {
		return err
	}
	o.Path = path
	logger.For(CorrectionWavelength).Infof("offset saved at %s", path)
	return nil
}

// WavelengthCorrection shifts every spectrum of a container by its
// fibre offset.
type WavelengthCorrection struct {
	Offset *WavelengthOffset
}

// NewWavelengthCorrectionFromFits loads the offset from an offset file.
func NewWavelengthCorrectionFromFits(path string) (*WavelengthCorrection, error) {
	offset, err := ReadWavelengthOffset(path)
	if err != nil {
		return nil, err
	}
	return &WavelengthCorrection{Offset: offset}, nil
}

// Apply returns a copy of sc where spectrum i, sampled on pixels x, is
// resampled from x - offset[i] back onto x.
func (c *WavelengthCorrection) Apply(sc SpectraContainer) (SpectraContainer, error) {
	if c.Offset == nil {
		return nil, fmt.Errorf("wavelength correction without offset: %w", ErrShapeMismatch)
	}
	n := sc.NumSpectra()
	if len(c.Offset.Offset) != n {
		return nil, fmt.Errorf("offset has %d entries for %d spectra: %w", len(c.Offset.Offset), n, ErrShapeMismatch)
	}
	nw := len(sc.Base().Wavelength)
	if nw < 2 {
		return nil, fmt.Errorf("wavelength axis has %d samples: %w", nw, ErrShapeMismatch)
	}
	logger.For(CorrectionWavelength).Infof("applying wavelength offset to %d spectra", n)

	out := sc.Copy()
	x := make([]float64, nw)
	for k := range x {
		x[k] = float64(k)
	}
	shifted := make([]float64, nw)
	blank := nanSlice(nw)
	for i := 0; i < n; i++ {
		if !isFinite(c.Offset.Offset[i]) {
			logger.For(CorrectionWavelength).Warnf("spectrum %d has no valid offset, masking it", i)
			out.SetSpectrum(i, blank, blank)
			continue
		}
		for k := range x {
			shifted[k] = x[k] - c.Offset.Offset[i]
		}
		intensity := FluxConservingInterpolation(x, shifted, out.Spectrum(i))
		variance := FluxConservingInterpolation(x, shifted, out.SpectrumVariance(i))
		out.SetSpectrum(i, intensity, variance)
	}
	comment := "offset from memory"
	if c.Offset.Path != "" {
		comment = "offset from " + c.Offset.Path
	}
	out.Base().History.Add(CorrectionWavelength, StatusApplied, comment, "pixel")
	return out, nil
}
