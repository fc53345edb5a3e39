package koala

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStellarFlux(t *testing.T) {
	wave := Arange(6000, 6400, 10)
	flux := func(w float64) float64 { return 1000 * (1 + (w-6000)/800) }
	rss := starRSS(t, wave, flux)
	for f := range rss.Intensity {
		for k := 0; k < 5; k++ {
			rss.Intensity[f][k] = math.NaN()
		}
	}

	params := NewStellarFluxParams()
	params.WaveWindow = 5
	res, err := ExtractStellarFlux(context.Background(), rss, params)
	require.NoError(t, err)

	assert.Equal(t, 8, res.Metrics.Chunks)
	assert.Equal(t, 1, res.Metrics.EmptyChunks)
	assert.Equal(t, 0, res.Metrics.FailedFits)
	require.Len(t, res.MeanWave, 7)
	assert.InDelta(t, 6070, res.MeanWave[0], 1e-9)
	assert.Greater(t, res.Metrics.MeanRSquare, 0.99)

	fitted := res.Flux()
	ratio0 := fitted[0] / flux(res.MeanWave[0])
	for i, w := range res.MeanWave {
		assert.InDelta(t, ratio0, fitted[i]/flux(w), 0.01*ratio0, "chunk %d", i)
		assert.InDelta(t, 0.3, res.CentroidX[i], 0.1)
		assert.InDelta(t, -0.2, res.CentroidY[i], 0.1)
		assert.LessOrEqual(t, res.RawFlux[i], fitted[i]*1.05)
	}
	assert.InDelta(t, 1, ratio0, 0.15)
}

func TestExtractStellarFluxWaveRange(t *testing.T) {
	wave := Arange(6000, 6400, 10)
	rss := starRSS(t, wave, func(float64) float64 { return 500 })
	params := NewStellarFluxParams()
	params.WaveRange = []float64{6100, 6195}
	res, err := ExtractStellarFlux(context.Background(), rss, params)
	require.NoError(t, err)
	assert.Equal(t, []float64{6100, 6110, 6120, 6130, 6140, 6150, 6160, 6170, 6180, 6190}, res.MeanWave)
}

func TestExtractStellarFluxWithoutPositions(t *testing.T) {
	rss, err := NewRSS([]float64{1, 2}, [][]float64{{4, 8}, {1, 2}}, [][]float64{{1, 1}, {1, 1}})
	require.NoError(t, err)
	_, err = ExtractStellarFlux(context.Background(), rss, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestResponseCurvePolynomial(t *testing.T) {
	wave := Arange(4000, 8000, 10)
	ref := make([]float64, len(wave))
	obs := make([]float64, len(wave))
	truth := func(w float64) float64 { return 2 + 1e-4*(w-6000) }
	for i, w := range wave {
		ref[i] = 1 + 0.5*math.Sin(w/500)
		obs[i] = ref[i] * truth(w)
	}
	params := NewResponseParams()
	params.PolDeg = 3
	curve, err := ResponseCurveFrom(wave, obs, ref, params)
	require.NoError(t, err)
	for _, w := range []float64{4500, 6000, 7500} {
		assert.InDelta(t, truth(w), curve.At(w), 2e-3)
	}
}

func TestResponseCurveLinear(t *testing.T) {
	wave := Arange(5000, 5100, 10)
	ref := make([]float64, len(wave))
	obs := make([]float64, len(wave))
	for i := range wave {
		ref[i] = 2
		obs[i] = float64(i + 1)
	}
	obs[4] = math.NaN()
	params := &ResponseParams{PolDeg: 0}
	curve, err := ResponseCurveFrom(wave, obs, ref, params)
	require.NoError(t, err)

	r := SampleResponse(curve, wave)
	// The first sample is the ratio of the first pixel, not an extrapolated edge.
	assert.InDelta(t, 0.5, r[0], 1e-12)
	assert.InDelta(t, 1.5, r[2], 1e-12)
	assert.Equal(t, 0.0, r[4])
	assert.InDelta(t, 1.75, curve.At(5025), 1e-12)
	assert.Equal(t, 0.0, curve.At(4000))
	assert.Equal(t, 0.0, curve.At(6000))
}

func TestResponseCurveShapes(t *testing.T) {
	_, err := ResponseCurveFrom([]float64{1}, []float64{1}, []float64{1}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func starLibrary(t *testing.T) StarLibrary {
	dir := t.TempDir()
	var rows []string
	for w := 5800; w <= 6600; w += 5 {
		rows = append(rows, fmt.Sprintf("%d %g", w, 2+float64(w-5900)/1000))
	}
	for _, name := range []string{"fhr7596_stis.dat", "ffeige34.dat", "fg191b2b.dat", "fg191b2b_mod.dat"} {
		writeTextFile(t, dir, name, rows...)
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "fsubdir"), 0o755))
	return StarLibrary{Dir: dir}
}

func TestStarLibraryResolve(t *testing.T) {
	lib := starLibrary(t)

	names, files, err := lib.ListAvailableStars()
	require.NoError(t, err)
	assert.Equal(t, []string{"ffeige34.dat", "fg191b2b.dat", "fg191b2b_mod.dat", "fhr7596_stis.dat"}, files)
	assert.Equal(t, []string{"ffeige34", "fg191b2b", "fg191b2b", "fhr7596"}, names)

	tests := []struct {
		star string
		file string
	}{
		{"HR7596", "fhr7596_stis.dat"},
		{"Feige34", "ffeige34.dat"},
		{"fhr7596", "fhr7596_stis.dat"},
		{"G191B2B", "fg191b2b_mod.dat"},
	}
	for _, tt := range tests {
		path, err := lib.ResolveStar(tt.star)
		require.NoError(t, err, tt.star)
		assert.Equal(t, filepath.Join(lib.Dir, tt.file), path)
	}

	_, err = lib.ResolveStar("Vega")
	assert.ErrorIs(t, err, ErrCalibrationStarNotFound)
	_, err = lib.ResolveStar("")
	assert.ErrorIs(t, err, ErrCalibrationStarNotFound)

	wave, flux, err := lib.ReadCalibrationStar("hr7596")
	require.NoError(t, err)
	require.Len(t, wave, 161)
	assert.Equal(t, 5800.0, wave[0])
	assert.InDelta(t, 1.9, flux[0], 1e-12)
}

func TestFluxCalibrationAuto(t *testing.T) {
	lib := starLibrary(t)
	reference := func(w float64) float64 { return 2 + (w-5900)/1000 }
	wave := Arange(6000, 6400, 10)

	data := []SpectraContainer{
		starRSS(t, wave, func(w float64) float64 { return 1000 * reference(w) }),
		starRSS(t, wave, func(w float64) float64 { return 1200 * reference(w) }),
	}
	params := NewFluxCalibrationParams()
	params.LibraryDir = lib.Dir
	params.SaveDir = t.TempDir()
	params.Extract.WaveWindow = 5
	params.Response.PolDeg = 2
	fc := NewFluxCalibration(params)

	results, err := fc.Auto(context.Background(), data, []string{"HR7596", "feige34"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, res := range results {
		require.Len(t, res.Response, len(wave))
		median := NanMedian(res.Response)
		assert.Greater(t, median, 0.0)
		for _, v := range res.Response {
			assert.InDelta(t, median, v, 0.01*median)
		}
		_, err := os.Stat(filepath.Join(params.SaveDir, fmt.Sprintf("response_%s_transfer_function.dat", res.Name)))
		assert.NoError(t, err)
	}
	assert.InDelta(t, 1.2, NanMedian(results[1].Response)/NanMedian(results[0].Response), 0.01)

	master := MasterResponse(results)
	require.Len(t, master, len(wave))
	assert.InDelta(t, (results[0].Response[10]+results[1].Response[10])/2, master[10], 1e-9)

	// The input containers are not modified by the calibration.
	assert.Empty(t, data[0].Base().History)
}

func TestFluxCalibrationAutoUnknownStar(t *testing.T) {
	params := NewFluxCalibrationParams()
	params.LibraryDir = starLibrary(t).Dir
	wave := Arange(6000, 6400, 10)
	rss := starRSS(t, wave, func(float64) float64 { return 100 })

	_, err := NewFluxCalibration(params).Auto(context.Background(), []SpectraContainer{rss}, []string{"Vega"})
	assert.ErrorIs(t, err, ErrCalibrationStarNotFound)

	_, err = NewFluxCalibration(params).Auto(context.Background(), []SpectraContainer{rss}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFluxCalibrationApply(t *testing.T) {
	rss, err := NewRSS([]float64{1, 2}, [][]float64{{4, 8}}, [][]float64{{16, 16}})
	require.NoError(t, err)
	fc := NewFluxCalibration(nil)

	assert.ErrorIs(t, fc.Apply(rss, []float64{2}), ErrShapeMismatch)

	require.NoError(t, fc.Apply(rss, []float64{2, 4}))
	assert.Equal(t, []float64{2, 2}, rss.Intensity[0])
	assert.Equal(t, []float64{4, 1}, rss.Variance[0])
	require.Len(t, rss.History, 1)
	assert.Equal(t, "1e-16 erg/s/cm2/aa", rss.History[0].Units)

	assert.ErrorIs(t, fc.Apply(rss, []float64{2, 4}), ErrAlreadyCalibrated)
}
