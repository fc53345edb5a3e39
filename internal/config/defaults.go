package config

import "strings"

const (
	defaultLogLevel         = "info"
	defaultKeepFeaturesFrac = 0.1
	defaultSunWindowAA      = 20
	defaultResponseWindowAA = 200
	defaultEdgeMaskPixels   = 100
	defaultMaxCoarseLag     = 20
	defaultPartitionSize    = 50
	defaultWaveWindow       = 30
	defaultPolDeg           = 5
	defaultMaskWidth        = 30
	defaultWorkers          = 4
)

func (c *Config) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("log_level", &c.LogLevel, defaultLogLevel))
	c.Solar.applyDefaults(keys)
	c.FluxCal.applyDefaults(keys)
}

func (s *SolarConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("solar.log_space", &s.LogSpace, true),
		boolFieldDefault("solar.use_mean", &s.UseMean, true),
		boolFieldDefault("solar.scale_chi2", &s.ScaleChi2, true),
		floatFieldDefault("solar.keep_features_frac", &s.KeepFeaturesFrac, defaultKeepFeaturesFrac),
		floatFieldDefault("solar.sun_window_aa", &s.SunWindowAA, defaultSunWindowAA),
		floatFieldDefault("solar.response_window_aa", &s.ResponseWindowAA, defaultResponseWindowAA),
		intFieldDefault("solar.edge_mask_pixels", &s.EdgeMaskPixels, defaultEdgeMaskPixels),
		intFieldDefault("solar.max_coarse_lag", &s.MaxCoarseLag, defaultMaxCoarseLag),
		intFieldDefault("solar.partition_size", &s.PartitionSize, defaultPartitionSize),
	)
}

func (f *FluxCalConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("flux_calibration.mask_absorption", &f.MaskAbsorption, true),
		intFieldDefault("flux_calibration.wave_window", &f.WaveWindow, defaultWaveWindow),
		intFieldDefault("flux_calibration.pol_deg", &f.PolDeg, defaultPolDeg),
		floatFieldDefault("flux_calibration.mask_width", &f.MaskWidth, defaultMaskWidth),
		intFieldDefault("flux_calibration.workers", &f.Workers, defaultWorkers),
	)
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}
