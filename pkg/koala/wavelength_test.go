package koala

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineRSS(t *testing.T, centres ...float64) *RSS {
	t.Helper()
	wave := Arange(6000, 6100, 1)
	intensity := make([][]float64, len(centres))
	variance := make([][]float64, len(centres))
	for i, c := range centres {
		intensity[i] = make([]float64, len(wave))
		variance[i] = make([]float64, len(wave))
		for k := range wave {
			d := (float64(k) - c) / 2
			intensity[i][k] = 100 * math.Exp(-0.5*d*d)
			variance[i][k] = intensity[i][k]
		}
	}
	rss, err := NewRSS(wave, intensity, variance)
	require.NoError(t, err)
	return rss
}

func centroid(spec []float64) float64 {
	var s, sw float64
	for k, v := range spec {
		s += v * float64(k)
		sw += v
	}
	return s / sw
}

func TestWavelengthCorrectionApply(t *testing.T) {
	rss := lineRSS(t, 50, 40)
	corr := &WavelengthCorrection{Offset: NewWavelengthOffset([]float64{2, -1.5}, nil)}

	out, err := corr.Apply(rss)
	require.NoError(t, err)
	assert.InDelta(t, 48, centroid(out.Spectrum(0)), 1e-3)
	assert.InDelta(t, 41.5, centroid(out.Spectrum(1)), 1e-3)
	assert.InDelta(t, 48, centroid(out.SpectrumVariance(0)), 1e-3)

	// The input is left untouched.
	assert.InDelta(t, 50, centroid(rss.Spectrum(0)), 1e-6)
	assert.Empty(t, rss.History)

	hist := out.Base().History
	require.Len(t, hist, 1)
	assert.Equal(t, CorrectionWavelength, hist[0].Name)
	assert.Equal(t, "offset from memory", hist[0].Comment)
	assert.Equal(t, "pixel", hist[0].Units)
}

func TestWavelengthCorrectionNaNOffsetMasksSpectrum(t *testing.T) {
	rss := lineRSS(t, 50, 40)
	corr := &WavelengthCorrection{Offset: NewWavelengthOffset([]float64{math.NaN(), 1}, nil)}

	out, err := corr.Apply(rss)
	require.NoError(t, err)
	for k, v := range out.Spectrum(0) {
		assert.True(t, math.IsNaN(v), "pixel %d", k)
	}
	assert.InDelta(t, 39, centroid(out.Spectrum(1)), 1e-3)
}

func TestWavelengthCorrectionLengthMismatch(t *testing.T) {
	rss := lineRSS(t, 50, 40)
	corr := &WavelengthCorrection{Offset: NewWavelengthOffset([]float64{1}, nil)}
	_, err := corr.Apply(rss)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = (&WavelengthCorrection{}).Apply(rss)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestWavelengthOffsetFitsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offset.fits")
	offset := NewWavelengthOffset([]float64{0.1, -0.2, 0.35}, []float64{0.01, 0.02, 0.03})
	require.NoError(t, offset.ToFits(path))
	assert.Equal(t, path, offset.Path)

	corr, err := NewWavelengthCorrectionFromFits(path)
	require.NoError(t, err)
	assert.Equal(t, offset.Offset, corr.Offset.Offset)
	assert.Equal(t, offset.Error, corr.Offset.Error)
	assert.Equal(t, path, corr.Offset.Path)

	rss := lineRSS(t, 50, 40, 30)
	out, err := corr.Apply(rss)
	require.NoError(t, err)
	assert.Equal(t, "offset from "+path, out.Base().History[0].Comment)
}

func TestWavelengthOffsetErrors(t *testing.T) {
	offset := NewWavelengthOffset([]float64{1, 2}, nil)
	assert.True(t, math.IsNaN(offset.Error[0]))
	assert.ErrorIs(t, offset.ToFits(""), ErrNoOutputPath)

	_, err := ReadWavelengthOffset(filepath.Join(t.TempDir(), "missing.fits"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}
