package koala

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extinctionFile(t *testing.T) string {
	return writeTextFile(t, t.TempDir(), "extinction.dat",
		"# wavelength  mag/airmass",
		"4000 0.3",
		"8000 0.1",
	)
}

func TestAtmosphericExtinction(t *testing.T) {
	ext, err := AtmosphericExtinctionFromText(extinctionFile(t))
	require.NoError(t, err)

	e, err := ext.Extinction([]float64{4000, 6000, 9000}, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(10, 0.4*1.5*0.3), e[0], 1e-12)
	assert.InDelta(t, math.Pow(10, 0.4*1.5*0.2), e[1], 1e-12)
	assert.InDelta(t, math.Pow(10, 0.4*1.5*0.1), e[2], 1e-12)
}

func TestAtmosphericExtinctionApply(t *testing.T) {
	ext, err := AtmosphericExtinctionFromText(extinctionFile(t))
	require.NoError(t, err)

	rss, err := NewRSS([]float64{4000, 6000}, [][]float64{{1, 2}}, [][]float64{{1, 4}})
	require.NoError(t, err)

	_, err = ext.Apply(rss, 0)
	assert.ErrorIs(t, err, ErrMissingAirmass)

	rss.Info.Airmass = 2
	out, err := ext.Apply(rss, 0)
	require.NoError(t, err)
	e := math.Pow(10, 0.4*2*0.2)
	assert.InDelta(t, 2*e, out.Spectrum(0)[1], 1e-12)
	assert.InDelta(t, 4*e*e, out.SpectrumVariance(0)[1], 1e-12)
	assert.Equal(t, 2.0, rss.Intensity[0][1])

	hist := out.Base().History
	require.Len(t, hist, 1)
	assert.Equal(t, CorrectionExtinction, hist[0].Name)
	assert.Equal(t, "Atm. extinction file :extinction.dat|airmass=2.00", hist[0].Comment)

	out, err = ext.Apply(rss, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Pow(10, 0.4*0.2), out.Spectrum(0)[1], 1e-12)
}

func adrCube(t *testing.T, wave []float64, track func(w float64) float64) *Cube {
	t.Helper()
	var grid []float64
	for i := -7; i <= 7; i++ {
		grid = append(grid, 0.4*float64(i))
	}
	intensity := make([][][]float64, len(wave))
	for k, w := range wave {
		x0 := track(w)
		intensity[k] = make([][]float64, len(grid))
		for y, dy := range grid {
			intensity[k][y] = make([]float64, len(grid))
			for x, dx := range grid {
				r2 := (dx-x0)*(dx-x0) + dy*dy
				intensity[k][y][x] = math.Exp(-0.5 * r2)
			}
		}
	}
	cube, err := NewCube(wave, intensity, nil, grid, append([]float64(nil), grid...))
	require.NoError(t, err)
	return cube
}

func TestEstimateADR(t *testing.T) {
	wave := Linspace(6000, 6400, 41)
	cube := adrCube(t, wave, func(w float64) float64 { return 0.2 * (w - 6200) / 200 })

	adrX, adrY, err := EstimateADR(cube, nil)
	require.NoError(t, err)
	require.Len(t, adrX, len(wave))
	assert.InDelta(t, 0.4, adrX[len(adrX)-1]-adrX[0], 0.1)
	assert.InDelta(t, 0, adrX[20], 0.05)
	for _, v := range adrY {
		assert.InDelta(t, 0, v, 0.05)
	}
}

func TestCentreOfMassTrack(t *testing.T) {
	wave := []float64{6000, 6100}
	cube := adrCube(t, wave, func(w float64) float64 { return (w - 6000) / 500 })
	x, y := CentreOfMassTrack(cube, 1)
	assert.InDelta(t, 0, x[0], 1e-9)
	assert.InDelta(t, 0.2, x[1], 0.02)
	assert.InDelta(t, 0, y[1], 1e-9)
}
