package acquisition

import (
	"math"
	"time"

	"megafield/internal/config"
)

// Timing holds the tunable durations used for estimates and timeouts.
type Timing struct {
	// TileOverhead is spent per tile on top of the frame, mostly moving.
	TileOverhead time.Duration
	// TimeoutMultiplier and TimeoutMargin give the tile timeout as
	// multiplier * (frame + overhead) + margin. The first field is acquired
	// twice, so the multiplier must be at least 2.
	TimeoutMultiplier float64
	TimeoutMargin     time.Duration
	Calibrations      map[string]time.Duration
	// DefaultCalibration is used for calibrations missing from the map.
	DefaultCalibration time.Duration
	// OverviewTileOverhead is spent per overview tile on top of the scan.
	OverviewTileOverhead time.Duration
}

// DefaultTiming returns the timing of the built-in configuration.
func DefaultTiming() Timing {
	return TimingFromConfig(config.Default())
}

// TimingFromConfig converts the configuration into Timing.
func TimingFromConfig(cfg *config.Config) Timing {
	cals := make(map[string]time.Duration, len(cfg.Calibration.EstimatesSec))
	for name, sec := range cfg.Calibration.EstimatesSec {
		cals[name] = seconds(sec)
	}
	return Timing{
		TileOverhead:         seconds(cfg.Acquisition.TileOverheadSec),
		TimeoutMultiplier:    cfg.Acquisition.TimeoutMultiplier,
		TimeoutMargin:        seconds(cfg.Acquisition.TimeoutMarginSec),
		Calibrations:         cals,
		DefaultCalibration:   seconds(cfg.Calibration.DefaultEstimate),
		OverviewTileOverhead: seconds(cfg.Overview.TileOverheadSec),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PerTile is the expected duration of one tile.
func (t Timing) PerTile(frame time.Duration) time.Duration {
	return frame + t.TileOverhead
}

// TileTimeout is how long to wait for the data of one tile.
func (t Timing) TileTimeout(frame time.Duration) time.Duration {
	return time.Duration(t.TimeoutMultiplier*float64(t.PerTile(frame))) + t.TimeoutMargin
}

// EstimateCalibrationTime sums the expected duration of the calibrations.
func (t Timing) EstimateCalibrationTime(calibrations []string) time.Duration {
	var total time.Duration
	for _, c := range calibrations {
		if d, ok := t.Calibrations[c]; ok {
			total += d
			continue
		}
		total += t.DefaultCalibration
	}
	return total
}

// EstimateAcquisitionTime estimates a whole run over tiles fields. The first
// field is visited twice, once to settle the stage.
func (t Timing) EstimateAcquisitionTime(tiles int, frame time.Duration, calibrations []string) time.Duration {
	return EstimateRemaining(tiles+1, t.PerTile(frame), t.EstimateCalibrationTime(calibrations))
}

// EstimateAcquisitionTime estimates the run of region with default timing.
func EstimateAcquisitionTime(region *Region, frame time.Duration, calibrations []string) time.Duration {
	return DefaultTiming().EstimateAcquisitionTime(len(region.Indices()), frame, calibrations)
}

// EstimateRemaining is the time left for the remaining tiles plus any
// calibration still to run.
func EstimateRemaining(remaining int, perTile, calibration time.Duration) time.Duration {
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining)*perTile + calibration
}

// EstimateOverviewTime estimates an overview acquisition of area (xmin,
// ymin, xmax, ymax) with square-pixel tiles of the given resolution and
// horizontal field of view.
func (t Timing) EstimateOverviewTime(area [4]float64, res [2]int, hfw, dwell float64) time.Duration {
	if res[0] <= 0 || res[1] <= 0 || hfw <= 0 {
		return 0
	}
	fovY := hfw * float64(res[1]) / float64(res[0])
	nx := math.Ceil(math.Abs(area[2]-area[0]) / hfw)
	ny := math.Ceil(math.Abs(area[3]-area[1]) / fovY)
	perTile := seconds(float64(res[0])*float64(res[1])*dwell) + t.OverviewTileOverhead
	return time.Duration(nx*ny) * perTile
}
