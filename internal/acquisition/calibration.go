package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"megafield/internal/future"
	"megafield/internal/geometry"
	"megafield/internal/hardware"
)

// calibrationHost is the part of a run the calibration runner drives.
type calibrationHost interface {
	moveToField(ctx context.Context, col, row float64) error
	// setCalibration registers the running attempt so it can be cancelled.
	// It returns false if the run was already cancelled.
	setCalibration(f *future.Future[struct{}]) bool
	isCancelled() bool
}

// CalibrationRunner runs the pre-calibrations once before the tile loop, a
// full field to the left of the top left tile to limit beam damage inside
// the region. Failed attempts are retried slightly further up and right.
//
// Cancelling the run cancels the attempt in progress; whether the
// calibration stops mid-way is up to the Calibrator.
type CalibrationRunner struct {
	calibrator hardware.Calibrator
	retries    int
	jitter     float64 // fraction of a field moved per retry
	log        *slog.Logger
}

// NewCalibrationRunner returns a runner making up to retries attempts.
func NewCalibrationRunner(c hardware.Calibrator, retries int, jitter float64, log *slog.Logger) *CalibrationRunner {
	if retries < 1 {
		retries = 1
	}
	return &CalibrationRunner{calibrator: c, retries: retries, jitter: jitter, log: log}
}

// Run executes the calibrations. The region overlap is zero while it runs
// so that positions are a whole field apart, and is restored afterwards on
// every path.
func (c *CalibrationRunner) Run(ctx context.Context, region *Region, indices []geometry.Index, host calibrationHost, calibrations []string) (err error) {
	minCol, ok := leftmostTopColumn(indices)
	if !ok {
		return fmt.Errorf("%w: region %q has no fields to calibrate next to", ErrConfiguration, region.Name())
	}

	initial := region.Overlap()
	if err := region.SetOverlap(0); err != nil {
		return err
	}
	defer func() {
		if rerr := region.SetOverlap(initial); rerr != nil && err == nil {
			err = rerr
		}
	}()

	c.log.Debug("start pre-calibration", "region", region.Name(), "calibrations", calibrations)
	var lastErr error
	for i := 0; i < c.retries; i++ {
		if host.isCancelled() {
			return fmt.Errorf("%w: during pre-calibration", ErrCancelled)
		}
		col := float64(minCol) - 1 + c.jitter*float64(i)
		row := -c.jitter * float64(i)
		if err := host.moveToField(ctx, col, row); err != nil {
			return err
		}
		c.log.Debug("running pre-calibrations", "field", [2]float64{col, row}, "attempt", i+1)

		f := c.calibrator.Align(ctx, calibrations)
		if !host.setCalibration(f) {
			f.Cancel()
			return fmt.Errorf("%w: during pre-calibration", ErrCancelled)
		}
		_, err := f.Wait(ctx)
		host.setCalibration(nil)
		if err == nil {
			c.log.Debug("finished pre-calibration", "attempts", i+1)
			return nil
		}
		if errors.Is(err, future.ErrCancelled) || ctx.Err() != nil {
			return fmt.Errorf("%w: during pre-calibration", ErrCancelled)
		}
		lastErr = err
		if i < c.retries-1 {
			c.log.Warn("pre-calibration failed, will try again", "region", region.Name(), "attempt", i+1, "error", err)
		}
	}
	return fmt.Errorf("%w: failed %d times for region %q: %v", ErrCalibration, c.retries, region.Name(), lastErr)
}

// leftmostTopColumn returns the lowest column of row 0.
func leftmostTopColumn(indices []geometry.Index) (int, bool) {
	found := false
	minCol := 0
	for _, idx := range indices {
		if idx.Row != 0 {
			continue
		}
		if !found || idx.Col < minCol {
			minCol = idx.Col
			found = true
		}
	}
	return minCol, found
}
