package koala

import "errors"

var (
	ErrAlreadyCalibrated       = errors.New("koala: data already flux calibrated")
	ErrFitFailed               = errors.New("koala: fit did not converge")
	ErrCalibrationStarNotFound = errors.New("koala: calibration star not found")
	ErrFileNotFound            = errors.New("koala: file not found")
	ErrShapeMismatch           = errors.New("koala: array shape mismatch")
	ErrNoValidPixels           = errors.New("koala: no valid pixels")
	ErrMissingAirmass          = errors.New("koala: airmass not available")
	ErrNoOutputPath            = errors.New("koala: no output path provided")
)
