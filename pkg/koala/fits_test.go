package koala

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSSFitsRoundTrip(t *testing.T) {
	wave := Arange(6000, 6010, 1)
	rss := starRSS(t, wave, func(w float64) float64 { return w / 10 })
	rss.Variance[3][2] = math.NaN()
	rss.History.Add(CorrectionExtinction, StatusApplied, "airmass=1.20", "")

	path := filepath.Join(t.TempDir(), "rss.fits")
	require.NoError(t, WriteRSSFits(path, rss))

	got, err := ReadRSSFits(path)
	require.NoError(t, err)
	assert.Equal(t, rss.Wavelength, got.Wavelength)
	assert.Equal(t, rss.Intensity, got.Intensity)
	assert.True(t, math.IsNaN(got.Variance[3][2]))
	assert.Equal(t, rss.Variance[0], got.Variance[0])
	assert.Equal(t, "star", got.Info.Name)
	assert.Equal(t, 1.2, got.Info.Airmass)
	assert.Equal(t, 120.0, got.Info.ExposureTime)
	assert.Equal(t, rss.Info.FibreRAOffset, got.Info.FibreRAOffset)
	assert.Equal(t, rss.Info.FibreDecOffset, got.Info.FibreDecOffset)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fromBytes, err := ReadRSSFitsBytes(data)
	require.NoError(t, err)
	assert.Equal(t, rss.Intensity, fromBytes.Intensity)
}

func TestReadRSSFitsFloat32(t *testing.T) {
	cards := []fitsio.Card{
		{Name: "OBJECT", Value: "twilight"},
		{Name: "CRVAL1", Value: 6000.0},
		{Name: "CDELT1", Value: 0.5},
		{Name: "CRPIX1", Value: 1.0},
	}
	phdu, err := fitsio.NewPrimaryHDU(fitsio.NewHeader(cards, fitsio.IMAGE_HDU, -32, []int{4, 2}))
	require.NoError(t, err)
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8.5}
	require.NoError(t, phdu.(fitsio.Image).Write(&data))

	var buf bytes.Buffer
	require.NoError(t, encodeFits(&buf, phdu))
	path := filepath.Join(t.TempDir(), "rss32.fits")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	rss, err := ReadRSSFits(path)
	require.NoError(t, err)
	assert.Equal(t, "twilight", rss.Info.Name)
	assert.Equal(t, []float64{6000, 6000.5, 6001, 6001.5}, rss.Wavelength)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8.5}}, rss.Intensity)
	assert.True(t, math.IsNaN(rss.Variance[1][3]))
}

func TestReadImageScaledIntegers(t *testing.T) {
	img := fitsio.NewImage(16, []int{3})
	require.NoError(t, img.Header().Append(
		fitsio.Card{Name: "BSCALE", Value: 0.5},
		fitsio.Card{Name: "BZERO", Value: 10.0},
	))
	data := []int16{0, 2, -4}
	require.NoError(t, img.Write(&data))

	got, axes, err := readImage(img)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, axes)
	assert.Equal(t, []float64{10, 11, 8}, got)
}

func TestCubeFitsRoundTrip(t *testing.T) {
	cube := testCube(t)
	cube.Info.Name = "cube"
	path := filepath.Join(t.TempDir(), "cube.fits")
	require.NoError(t, WriteCubeFits(path, cube))

	got, err := ReadCubeFits(path)
	require.NoError(t, err)
	assert.Equal(t, cube.Wavelength, got.Wavelength)
	assert.Equal(t, cube.Intensity, got.Intensity)
	assert.Equal(t, cube.RAOffset, got.RAOffset)
	assert.Equal(t, cube.DecOffset, got.DecOffset)
	assert.Equal(t, "cube", got.Info.Name)
	assert.Equal(t, cube.Spectrum(4), got.Spectrum(4))
}

func TestSolarTableFloat32Columns(t *testing.T) {
	primary, err := newPrimaryImage(nil, nil, nil)
	require.NoError(t, err)
	tbl, err := fitsio.NewTable("SUN", []fitsio.Column{
		{Name: "WAVELENGTH", Format: "E"},
		{Name: "FLUX", Format: "E"},
	}, fitsio.BINARY_TBL)
	require.NoError(t, err)
	defer tbl.Close()
	type row struct {
		Wavelength float32 `fits:"WAVELENGTH"`
		Flux       float32 `fits:"FLUX"`
	}
	for _, r := range []row{{5000, 1}, {5000.5, 0.25}} {
		require.NoError(t, tbl.Write(&r))
	}
	path := filepath.Join(t.TempDir(), "sun32.fits")
	require.NoError(t, writeFits(path, primary, tbl))

	wave, flux, err := ReadSolarTable(path, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{5000, 5000.5}, wave)
	assert.Equal(t, []float64{1, 0.25}, flux)
}

func TestSolarTableFits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sun.fits")
	wave := []float64{5000, 5001, 5002}
	flux := []float64{1, 0.5, 1}
	require.NoError(t, WriteSolarTable(path, wave, flux))

	gotWave, gotFlux, err := ReadSolarTable(path, 1)
	require.NoError(t, err)
	assert.Equal(t, wave, gotWave)
	assert.Equal(t, flux, gotFlux)

	corr, err := SolarCrossCorrOffsetFromFits(path, 1)
	require.NoError(t, err)
	assert.Equal(t, VacToAir(wave), corr.SunWavelength)
	assert.Equal(t, flux, corr.SunIntensity)

	_, _, err = ReadSolarTable(path, 5)
	assert.Error(t, err)
	assert.ErrorIs(t, WriteSolarTable(path, wave, flux[:2]), ErrShapeMismatch)
}

func TestSolarCrossCorrOffsetFromText(t *testing.T) {
	path := writeTextFile(t, t.TempDir(), "sun.dat", "5000 1", "5001 0.5", "5002 1")
	corr, err := SolarCrossCorrOffsetFromText(path)
	require.NoError(t, err)
	assert.Less(t, corr.SunWavelength[0], 5000.0)
	assert.Len(t, corr.SunIntensity, 3)
}

func TestReadRSSFitsMissing(t *testing.T) {
	_, err := ReadRSSFits(filepath.Join(t.TempDir(), "none.fits"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFitsMetadata(t *testing.T) {
	m := &FitsMetadata{Headers: map[string]string{
		"OBJECT":  " HR7596 ",
		"EXPTIME": "30",
		"AIRMASS": "1.31",
		"NAXIS1":  "2048",
		"CRVAL1":  "6000",
		"CDELT1":  "0.5",
		"CRPIX1":  "2",
	}}
	assert.Equal(t, "HR7596", m.ObjectName())
	exp, ok := m.ExposureTime()
	assert.True(t, ok)
	assert.Equal(t, 30.0, exp)
	am, ok := m.Airmass()
	assert.True(t, ok)
	assert.Equal(t, 1.31, am)
	n, ok := m.GetInt("naxis1")
	assert.True(t, ok)
	assert.Equal(t, 2048, n)
	_, ok = m.GetDouble("MISSING")
	assert.False(t, ok)

	wave, ok := m.LinearWavelength(1, 3)
	require.True(t, ok)
	assert.Equal(t, []float64{5999.5, 6000, 6000.5}, wave)
}
