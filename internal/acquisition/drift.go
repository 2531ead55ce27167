package acquisition

import (
	"context"
	"fmt"
	"log/slog"

	"megafield/internal/hardware"
	"megafield/internal/registration"
)

// DriftCorrector re-centres the beam pattern on the detector. Moving the
// stage creates a parasitic magnetic field that shifts all beams slightly,
// so the pattern is measured on the diagnostic camera before every tile and
// the beam shift is adjusted to bring it back to the calibrated position.
type DriftCorrector struct {
	camera    hardware.Camera
	shifter   hardware.BeamShifter
	lens      hardware.Lens
	gridSize  int
	threshold float64
	log       *slog.Logger
}

// Correction describes one applied correction.
type Correction struct {
	Reference [2]float64 // calibrated pattern centre, pixels
	Found     [2]float64 // measured pattern centre, pixels
	FitError  float64    // RMS grid fit residual, pixels
	Delta     [2]float64 // added to the beam shift, metres
}

// NewDriftCorrector returns a corrector looking for a gridSize x gridSize
// spot pattern brighter than threshold times the brightest pixel.
func NewDriftCorrector(camera hardware.Camera, shifter hardware.BeamShifter, lens hardware.Lens, gridSize int, threshold float64, log *slog.Logger) *DriftCorrector {
	return &DriftCorrector{
		camera:    camera,
		shifter:   shifter,
		lens:      lens,
		gridSize:  gridSize,
		threshold: threshold,
		log:       log,
	}
}

// Correct measures the pattern on a fresh camera frame and adjusts the beam
// shift.
func (d *DriftCorrector) Correct(ctx context.Context) (Correction, error) {
	var c Correction
	frame, err := d.camera.Capture(ctx, true)
	if err != nil {
		return c, fmt.Errorf("%w: capture camera frame: %v", ErrHardware, err)
	}
	fit, err := registration.FitGrid(frame, d.gridSize, d.threshold)
	if err != nil {
		return c, fmt.Errorf("locate spot grid: %w", err)
	}
	c.Found = [2]float64{fit.CenterX, fit.CenterY}
	c.FitError = fit.Error
	d.log.Debug("found spot grid", "center", c.Found, "error", fit.Error)

	c.Reference, err = d.reference(frame)
	if err != nil {
		return c, err
	}

	mag := d.lens.Magnification()
	if mag <= 0 {
		return c, fmt.Errorf("%w: invalid magnification %v", ErrHardware, mag)
	}
	px, py := d.camera.PixelSize()
	dx := c.Reference[0] - c.Found[0]
	dy := c.Reference[1] - c.Found[1]
	// Image rows grow downwards, physical y grows upwards. A positive beam
	// shift moves the pattern to the bottom left of the camera, hence the
	// inversion.
	c.Delta = [2]float64{
		-(dx * px) / mag,
		(dy * py) / mag,
	}

	cur := d.shifter.Shift()
	next := [2]float64{cur[0] + c.Delta[0], cur[1] + c.Delta[1]}
	if err := d.shifter.SetShift(next); err != nil {
		return c, fmt.Errorf("%w: set beam shift: %v", ErrHardware, err)
	}
	d.log.Debug("beam shift adjusted", "previous", cur, "delta", c.Delta, "new", next)
	return c, nil
}

// reference reads the calibrated pattern position from the camera
// metadata as (x, y) pixels. Older calibrations store x and y instead of
// i and j, with y counted from the other side of the image.
func (d *DriftCorrector) reference(frame hardware.Frame) ([2]float64, error) {
	raw, ok := d.camera.Metadata()[hardware.MDFavPosActive]
	if !ok {
		return [2]float64{}, fmt.Errorf("%w: camera has no calibrated pattern position", ErrConfiguration)
	}
	pos, ok := raw.(map[string]any)
	if !ok {
		return [2]float64{}, fmt.Errorf("%w: unexpected pattern position %T", ErrConfiguration, raw)
	}

	i, okI := number(pos["i"])
	if !okI {
		i, okI = number(pos["x"])
	}
	j, okJ := number(pos["j"])
	if !okJ {
		var y float64
		if y, okJ = number(pos["y"]); okJ {
			j = float64(frame.Width) - y
		}
	}
	if !okI || !okJ {
		return [2]float64{}, fmt.Errorf("%w: incomplete pattern position %v", ErrConfiguration, pos)
	}
	return [2]float64{j, i}, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
