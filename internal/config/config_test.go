package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesLibraryDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Solar.LogSpace)
	assert.True(t, cfg.Solar.UseMean)
	assert.True(t, cfg.FluxCal.MaskAbsorption)

	params := cfg.Solar.Params()
	assert.Nil(t, params.ShiftGrid)
	assert.Equal(t, 0.1, params.KeepFeaturesFrac)
	assert.Equal(t, 100, params.EdgeMaskPixels)
	assert.Equal(t, 50, params.ParallelPartitionSize)

	fc := cfg.FluxCal.Params()
	assert.Equal(t, 30, fc.Extract.WaveWindow)
	assert.Equal(t, 5, fc.Response.PolDeg)
	assert.Equal(t, 4, fc.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "koala.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
solar:
  log_space: false
  keep_features_frac: 0.25
  wave_range: [6000, 7000]
  shift_grid: {start: -2, stop: 2, step: 0.5}
  inspect_fibres: [0, 10]
flux_calibration:
  library_dir: /data/stars
  wave_window: "10"
  pol_deg: 0
  mask_absorption: false
extinction:
  file: ext.dat
  airmass: 1.3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Solar.LogSpace)
	assert.True(t, cfg.Solar.UseMean)

	params := cfg.Solar.Params()
	assert.Equal(t, 0.25, params.KeepFeaturesFrac)
	assert.Equal(t, []float64{6000, 7000}, params.WaveRange)
	assert.Equal(t, []float64{-2, -1.5, -1, -0.5, 0, 0.5, 1, 1.5}, params.ShiftGrid)
	assert.Nil(t, params.SigmaGrid)
	assert.Equal(t, []int{0, 10}, params.InspectFibres)

	assert.Equal(t, "/data/stars", cfg.FluxCal.LibraryDir)
	assert.Equal(t, 10, cfg.FluxCal.WaveWindow)
	assert.Equal(t, 0, cfg.FluxCal.PolDeg, "explicit zero selects the linear response")
	assert.False(t, cfg.FluxCal.MaskAbsorption)
	assert.Equal(t, 1.3, cfg.Extinction.Airmass)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"log level", "log_level: loud"},
		{"features", "solar: {keep_features_frac: 2}"},
		{"range", "solar: {wave_range: [7000, 6000]}"},
		{"grid", "solar: {shift_grid: {start: 1, stop: 0, step: 0.1}}"},
		{"sigma", "solar: {sigma_grid: {start: 0, stop: 1, step: 0.1}}"},
		{"workers", "flux_calibration: {workers: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
