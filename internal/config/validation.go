package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if err := c.Solar.validate(); err != nil {
		return err
	}
	if err := c.FluxCal.validate(); err != nil {
		return err
	}
	return nil
}

func (s *SolarConfig) validate() error {
	if s.KeepFeaturesFrac <= 0 || s.KeepFeaturesFrac > 1 {
		return fmt.Errorf("solar.keep_features_frac must be in (0, 1]")
	}
	if s.EdgeMaskPixels < 0 {
		return fmt.Errorf("solar.edge_mask_pixels must be >= 0")
	}
	if err := validateRange("solar.wave_range", s.WaveRange); err != nil {
		return err
	}
	for name, g := range map[string]GridConfig{"solar.shift_grid": s.ShiftGrid, "solar.sigma_grid": s.SigmaGrid} {
		if g.Step < 0 || (g.Step > 0 && g.Stop <= g.Start) {
			return fmt.Errorf("%s must have start < stop and a positive step", name)
		}
	}
	if s.SigmaGrid.Step > 0 && s.SigmaGrid.Start <= 0 {
		return fmt.Errorf("solar.sigma_grid must start above 0")
	}
	return nil
}

func (f *FluxCalConfig) validate() error {
	if f.WaveWindow < 1 {
		return fmt.Errorf("flux_calibration.wave_window must be >= 1")
	}
	if f.Workers < 0 {
		return fmt.Errorf("flux_calibration.workers must be >= 0")
	}
	return validateRange("flux_calibration.wave_range", f.WaveRange)
}

func validateRange(name string, r []float64) error {
	if len(r) == 0 {
		return nil
	}
	if len(r) != 2 || r[0] >= r[1] {
		return fmt.Errorf("%s must be [min, max] with min < max", name)
	}
	return nil
}
