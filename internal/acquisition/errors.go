package acquisition

import (
	"errors"

	"megafield/internal/future"
)

// Error kinds returned by acquisitions. Match them with errors.Is.
var (
	// ErrConfiguration is returned synchronously for invalid input.
	ErrConfiguration = errors.New("invalid acquisition configuration")
	// ErrCalibration means the pre-calibrations failed on every attempt.
	ErrCalibration = errors.New("pre-calibration failed")
	// ErrTimeout means a tile was triggered but its data never arrived.
	ErrTimeout = errors.New("timeout while waiting for field image")
	// ErrCancelled is the cancellation error of the run future.
	ErrCancelled = future.ErrCancelled
	// ErrHardware wraps a failure reported by an instrument component.
	ErrHardware = errors.New("hardware error")
)
