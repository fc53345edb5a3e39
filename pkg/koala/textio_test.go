package koala

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestReadSpectrumText(t *testing.T) {
	path := writeTextFile(t, t.TempDir(), "spec.dat",
		"# solar spectrum",
		"",
		"5000.0  1.5   extra",
		"5001.0\t1.25 # comment",
		"5002.0 1e-1",
	)
	wave, flux, err := ReadSpectrumText(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{5000, 5001, 5002}, wave)
	assert.Equal(t, []float64{1.5, 1.25, 0.1}, flux)

	wave, flux, err = ParseSpectrumText(strings.NewReader("6000 2\n6001 3\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{6000, 6001}, wave)
	assert.Equal(t, []float64{2, 3}, flux)
}

func TestReadSpectrumTextErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ReadSpectrumText(filepath.Join(dir, "missing.dat"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	bad := writeTextFile(t, dir, "bad.dat", "5000 1", "5001")
	_, _, err = ReadSpectrumText(bad)
	assert.ErrorContains(t, err, "line 2")

	nan := writeTextFile(t, dir, "nan.dat", "5000 abc")
	_, _, err = ReadSpectrumText(nan)
	assert.Error(t, err)
}

func TestSaveResponse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "response_star")
	require.NoError(t, SaveResponse(fname, []float64{5000, 5001}, []float64{2.5, 3}, 0))

	data, err := os.ReadFile(fname + "_transfer_function.dat")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "# Spectral Response curve ", lines[0])
	assert.Equal(t, "#  wavelength (AA), R (1e+16 counts / [erg/s/cm2/AA])", lines[1])
	assert.Equal(t, "5.000000000000000000e+03 2.500000000000000000e+00", lines[2])

	wave, response, err := ReadSpectrumText(fname + "_transfer_function.dat")
	require.NoError(t, err)
	assert.Equal(t, []float64{5000, 5001}, wave)
	assert.Equal(t, []float64{2.5, 3}, response)

	assert.ErrorIs(t, SaveResponse(fname, []float64{1}, nil, 0), ErrShapeMismatch)
}

func TestSaveSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.yaml")
	results := []*StarCalibration{{
		Name: "fhr7596",
		Extraction: &StellarFluxResult{
			MeanWave:  []float64{6000, 6050},
			Optimal:   [][]float64{{10, 4, 1.5}, {12, 4, 1.5}},
			Residuals: []float64{0.1, 0.2},
			Metrics:   &ExtractionMetrics{Chunks: 3, EmptyChunks: 1, MeanRSquare: 0.99},
		},
	}}
	require.NoError(t, SaveSummary(path, results))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded struct {
		Stars []struct {
			Name        string    `yaml:"name"`
			Chunks      int       `yaml:"chunks"`
			EmptyChunks int       `yaml:"empty_chunks"`
			Flux        []float64 `yaml:"flux"`
		} `yaml:"stars"`
	}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	require.Len(t, decoded.Stars, 1)
	assert.Equal(t, "fhr7596", decoded.Stars[0].Name)
	assert.Equal(t, 3, decoded.Stars[0].Chunks)
	assert.Equal(t, 1, decoded.Stars[0].EmptyChunks)
	assert.Equal(t, []float64{10, 12}, decoded.Stars[0].Flux)
}
