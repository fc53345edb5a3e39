package config

import "koala/pkg/koala"

// Config is the top-level configuration of the koala command.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Solar      SolarConfig      `mapstructure:"solar"`
	FluxCal    FluxCalConfig    `mapstructure:"flux_calibration"`
	Extinction ExtinctionConfig `mapstructure:"extinction"`
}

// GridConfig describes a half-open [start, stop) grid. A zero step selects
// the built-in grid.
type GridConfig struct {
	Start float64 `mapstructure:"start"`
	Stop  float64 `mapstructure:"stop"`
	Step  float64 `mapstructure:"step"`
}

func (g GridConfig) values() []float64 {
	if g.Step == 0 {
		return nil
	}
	return koala.Arange(g.Start, g.Stop, g.Step)
}

type SolarConfig struct {
	SunFile          string     `mapstructure:"sun_file"`
	SunExtension     int        `mapstructure:"sun_extension"`
	LogSpace         bool       `mapstructure:"log_space"`
	UseMean          bool       `mapstructure:"use_mean"`
	KeepFeaturesFrac float64    `mapstructure:"keep_features_frac"`
	SunWindowAA      float64    `mapstructure:"sun_window_aa"`
	ResponseWindowAA float64    `mapstructure:"response_window_aa"`
	EdgeMaskPixels   int        `mapstructure:"edge_mask_pixels"`
	WaveRange        []float64  `mapstructure:"wave_range"`
	ScaleChi2        bool       `mapstructure:"scale_chi2"`
	AutoCentre       bool       `mapstructure:"auto_centre"`
	MaxCoarseLag     int        `mapstructure:"max_coarse_lag"`
	ShiftGrid        GridConfig `mapstructure:"shift_grid"`
	SigmaGrid        GridConfig `mapstructure:"sigma_grid"`
	InspectFibres    []int      `mapstructure:"inspect_fibres"`
	PartitionSize    int        `mapstructure:"partition_size"`
}

// Params converts the section into solar cross-correlation parameters.
func (c SolarConfig) Params() *koala.SolarOffsetParams {
	return &koala.SolarOffsetParams{
		ShiftGrid:             c.ShiftGrid.values(),
		SigmaGrid:             c.SigmaGrid.values(),
		LogSpace:              c.LogSpace,
		UseMean:               c.UseMean,
		KeepFeaturesFrac:      c.KeepFeaturesFrac,
		SunWindowAA:           c.SunWindowAA,
		ResponseWindowAA:      c.ResponseWindowAA,
		EdgeMaskPixels:        c.EdgeMaskPixels,
		WaveRange:             c.WaveRange,
		ScaleChi2:             c.ScaleChi2,
		AutoCentre:            c.AutoCentre,
		MaxCoarseLag:          c.MaxCoarseLag,
		InspectFibres:         c.InspectFibres,
		ParallelPartitionSize: c.PartitionSize,
	}
}

type FluxCalConfig struct {
	LibraryDir       string    `mapstructure:"library_dir"`
	SaveDir          string    `mapstructure:"save_dir"`
	WaveRange        []float64 `mapstructure:"wave_range"`
	WaveWindow       int       `mapstructure:"wave_window"`
	SkipFailedFits   bool      `mapstructure:"skip_failed_fits"`
	PolDeg           int       `mapstructure:"pol_deg"`
	GaussSmoothSigma float64   `mapstructure:"gauss_smooth_sigma"`
	MaskAbsorption   bool      `mapstructure:"mask_absorption"`
	MaskWidth        float64   `mapstructure:"mask_width"`
	Workers          int       `mapstructure:"workers"`
}

// Params converts the section into flux calibration parameters.
func (c FluxCalConfig) Params() *koala.FluxCalibrationParams {
	params := koala.NewFluxCalibrationParams()
	params.LibraryDir = c.LibraryDir
	params.SaveDir = c.SaveDir
	params.Workers = c.Workers
	params.Extract.WaveRange = c.WaveRange
	params.Extract.WaveWindow = c.WaveWindow
	params.Extract.SkipFailedFits = c.SkipFailedFits
	params.Response.PolDeg = c.PolDeg
	params.Response.GaussSmoothSigma = c.GaussSmoothSigma
	params.Response.MaskAbsorption = c.MaskAbsorption
	params.Response.MaskWidth = c.MaskWidth
	return params
}

type ExtinctionConfig struct {
	File string `mapstructure:"file"`
	// Airmass overrides the value stored in the data when positive.
	Airmass float64 `mapstructure:"airmass"`
}
