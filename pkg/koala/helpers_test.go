package koala

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// solarLine evaluates a continuum of 1 with Gaussian absorption lines.
func solarLine(w float64) float64 {
	v := 1.0
	for j := 0; j < 40; j++ {
		centre := 5030 + 13.7*float64(j)
		depth := 0.3 + 0.4*math.Mod(0.37*float64(j), 1)
		d := (w - centre) / 1.2
		v -= depth * math.Exp(-0.5*d*d)
	}
	return v
}

func syntheticSun(wave []float64) []float64 {
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = solarLine(w)
	}
	return out
}

// twilightRSS builds fibres that see the sun displaced by shift pixels
// (fibre[n] = sun(pixel n + shift)), broadened by sigma pixels and
// multiplied by a smooth response.
func twilightRSS(t *testing.T, wave []float64, shifts []float64, sigma float64) *RSS {
	t.Helper()
	step := wave[1] - wave[0]
	intensity := make([][]float64, len(shifts))
	for i, shift := range shifts {
		spec := make([]float64, len(wave))
		for k, w := range wave {
			spec[k] = solarLine(w + shift*step)
		}
		spec = GaussianFilter1D(spec, sigma, 4)
		for k, w := range wave {
			spec[k] *= 100 * (1 + 0.3*(w-wave[0])/(wave[len(wave)-1]-wave[0]))
		}
		intensity[i] = spec
	}
	rss, err := NewRSS(wave, intensity, nil)
	require.NoError(t, err)
	return rss
}

// moffatStar returns the flux seen by a fibre at (x, y) from a star of
// total flux l centred on (x0, y0), for fibres of unit area.
func moffatStar(x, y, x0, y0, l float64) float64 {
	const alpha2, beta = 4.0, 1.5
	r2 := (x-x0)*(x-x0) + (y-y0)*(y-y0)
	return l * beta / (math.Pi * alpha2) * math.Pow(1+r2/alpha2, -(beta+1))
}

// starRSS places fibres on a 15x15 grid with 1 arcsec spacing and fills
// them with a Moffat star of total flux flux(λ).
func starRSS(t *testing.T, wave []float64, flux func(w float64) float64) *RSS {
	t.Helper()
	var ra, dec []float64
	for j := -7; j <= 7; j++ {
		for i := -7; i <= 7; i++ {
			ra = append(ra, float64(i))
			dec = append(dec, float64(j))
		}
	}
	intensity := make([][]float64, len(ra))
	variance := make([][]float64, len(ra))
	for f := range ra {
		intensity[f] = make([]float64, len(wave))
		variance[f] = make([]float64, len(wave))
		for k, w := range wave {
			intensity[f][k] = moffatStar(ra[f], dec[f], 0.3, -0.2, flux(w))
			variance[f][k] = 1
		}
	}
	rss, err := NewRSS(wave, intensity, variance)
	require.NoError(t, err)
	rss.Info = Info{Name: "star", Airmass: 1.2, ExposureTime: 120, FibreRAOffset: ra, FibreDecOffset: dec}
	return rss
}

func writeTextFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}
