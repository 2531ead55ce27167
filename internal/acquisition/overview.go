package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"megafield/internal/config"
	"megafield/internal/future"
	"megafield/internal/hardware"
	"megafield/internal/logging"
	"megafield/internal/pipeline"
)

// referenceTimeout bounds referencing the stage before an overview.
const referenceTimeout = 180 * time.Second

// OverviewStream is the single-beam imaging path used for overviews.
type OverviewStream struct {
	Scanner  hardware.Scanner
	Detector hardware.DataSource
	Tiler    hardware.Tiler
}

// OverviewTask acquires a rectangular area with the single beam, as one
// stitched image.
type OverviewTask struct {
	id     string
	log    *slog.Logger
	stream OverviewStream
	stage  hardware.Stage
	area   [4]float64
	cfg    config.Overview

	cancelled atomic.Bool
	mu        sync.Mutex
	sub       *future.Future[[]hardware.Frame]
	state     string
}

// validateOverview checks the request before anything is queued.
func validateOverview(stream OverviewStream, stage hardware.Stage, area [4]float64, log *slog.Logger) error {
	if stream.Scanner == nil || stream.Detector == nil || stream.Tiler == nil {
		return fmt.Errorf("%w: overview stream needs a scanner, a detector and a tiler", ErrConfiguration)
	}
	if stage == nil {
		return fmt.Errorf("%w: no stage", ErrConfiguration)
	}
	for _, v := range area {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: invalid area %v", ErrConfiguration, area)
		}
	}
	if area[0] == area[2] || area[1] == area[3] {
		return fmt.Errorf("%w: area %v has no size", ErrConfiguration, area)
	}

	axes := make(map[string]bool)
	for _, a := range stage.Axes() {
		axes[a] = true
	}
	if !axes["x"] || !axes["y"] {
		return fmt.Errorf("%w: stage needs axes x and y, but has %v", ErrConfiguration, stage.Axes())
	}
	refd := stage.Referenced()
	if refd == nil {
		log.Warn("stage does not report referencing, using it in absolute mode anyway")
		return nil
	}
	for _, a := range []string{"x", "y"} {
		ok, reported := refd[a]
		if !reported {
			log.Warn("stage does not report referencing of axis, using it in absolute mode anyway", "axis", a)
			continue
		}
		if !ok {
			return fmt.Errorf("%w: stage axis %q is not referenced, reference it first", ErrConfiguration, a)
		}
	}
	return nil
}

// Cancel forwards the cancellation to the tiled acquisition in progress.
func (t *OverviewTask) Cancel() bool {
	t.cancelled.Store(true)
	t.mu.Lock()
	sub := t.sub
	t.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	return true
}

func (t *OverviewTask) setState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns a short description of the current step.
func (t *OverviewTask) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateInit.String()
	}
	return t.state
}

// Run references the stage, configures the scanner for overview imaging
// and acquires the area. The immersion mode is restored and the beam
// blanked on every path.
func (t *OverviewTask) Run(ctx context.Context) (frame hardware.Frame, err error) {
	start := time.Now()
	logging.LogRunStart(t.log, "overview", t.id, fmt.Sprint(t.area), 0, 0)
	defer func() {
		info := map[string]any{"area": t.area}
		switch {
		case err == nil:
			t.setState(StateDone.String())
			logging.LogRunComplete(t.log, "overview", t.id, time.Since(start), info)
		case isCancelled(err):
			t.setState(StateCancelled.String())
			logging.LogRunError(t.log, "overview", t.id, time.Since(start), err, info)
		default:
			t.setState(StateFailed.String())
			logging.LogRunError(t.log, "overview", t.id, time.Since(start), err, info)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHardware, p)
		}
	}()

	if t.cancelled.Load() {
		return frame, fmt.Errorf("%w: before referencing", ErrCancelled)
	}
	t.setState("referencing")
	t.log.Debug("referencing stage axes x and y")
	rctx, cancel := context.WithTimeout(ctx, referenceTimeout)
	err = t.stage.Reference(rctx, []string{"x", "y"})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return frame, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return frame, fmt.Errorf("%w: reference stage: %v", ErrHardware, err)
	}

	scanner := t.stream.Scanner
	immersion := scanner.Immersion()
	defer func() {
		if rerr := scanner.SetImmersion(immersion); rerr != nil {
			t.log.Error("could not restore immersion mode", "error", rerr)
		}
		// The scanner does not blank reliably on its own after an overview.
		if berr := scanner.SetBlanked(true); berr != nil {
			t.log.Error("could not blank the beam", "error", berr)
		}
	}()

	t.setState(StateConfiguring.String())
	if err := scanner.Configure(hardware.ModeOverview); err != nil {
		return frame, fmt.Errorf("%w: configure scanner: %v", ErrHardware, err)
	}

	hfw := scanner.HorizontalFOV()
	if hfw <= 0 {
		return frame, fmt.Errorf("%w: invalid horizontal field of view %v", ErrHardware, hfw)
	}
	// Tiles only need to overlap by what the stage cannot position
	// precisely; the position reading is better than a pixel.
	overlap := t.cfg.StagePrecision / hfw
	t.log.Debug("overview overlap", "percent", overlap*100)

	t.setState(StateAcquiring.String())
	sub := t.stream.Tiler.AcquireTiledArea(ctx, scanner, t.stream.Detector, t.stage, t.area, overlap)
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	if t.cancelled.Load() {
		sub.Cancel()
	}

	frames, err := sub.Wait(ctx)
	if err != nil {
		if isCancelled(err) || ctx.Err() != nil {
			return frame, fmt.Errorf("%w: overview: %v", ErrCancelled, err)
		}
		return frame, fmt.Errorf("%w: tiled acquisition: %v", ErrHardware, err)
	}
	switch len(frames) {
	case 0:
		return frame, fmt.Errorf("%w: tiled acquisition returned no image", ErrHardware)
	case 1:
	default:
		t.log.Warn("expected one stitched image", "got", len(frames))
	}
	return frames[0], nil
}

func isCancelled(err error) bool {
	return err != nil && (errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled))
}

// OverviewRun is the handle of an overview acquisition.
type OverviewRun struct {
	*future.Future[hardware.Frame]
	id   string
	task *OverviewTask
}

// ID of the run.
func (r *OverviewRun) ID() string { return r.id }

// Status implements Handle.
func (r *OverviewRun) Status() Status {
	start, end := r.Progress()
	st := Status{ID: r.id, Kind: string(pipeline.JobOverview), Region: fmt.Sprint(r.task.area), Total: 1, Start: start, End: end}
	switch r.State() {
	case future.Pending:
		st.State = "queued"
		st.Remaining = 1
	case future.Running:
		st.State = r.task.State()
		st.Remaining = 1
	default:
		st.State = r.task.State()
		if _, err := r.Result(0); err != nil {
			if isCancelled(err) {
				st.State = StateCancelled.String()
			} else {
				st.Error = err.Error()
			}
		} else {
			st.Acquired = 1
		}
	}
	return st
}

// EstimateOverviewTime estimates the overview of area with the configured
// overview scan settings and the given dwell time.
func (a *Acquirer) EstimateOverviewTime(area [4]float64, dwell float64) time.Duration {
	ov := a.cfg.Overview
	if dwell <= 0 {
		dwell = ov.DwellTime
	}
	return a.currentTiming().EstimateOverviewTime(area, ov.Resolution, ov.HorizontalFOV, dwell)
}

// AcquireTiledArea queues the overview acquisition of area (xmin, ymin,
// xmax, ymax) in stage coordinates. The stage axes must be referenced.
func (a *Acquirer) AcquireTiledArea(ctx context.Context, stream OverviewStream, stage hardware.Stage, area [4]float64) (*OverviewRun, error) {
	if err := validateOverview(stream, stage, area, a.log); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	task := &OverviewTask{
		id:     id,
		log:    a.log.With("run", id),
		stream: stream,
		stage:  stage,
		area:   area,
		cfg:    a.cfg.Overview,
	}
	estimate := a.EstimateOverviewTime(area, stream.Scanner.DwellTime())
	f := future.NewWithEstimate[hardware.Frame](estimate)
	f.SetCanceller(task.Cancel)
	run := &OverviewRun{Future: f, id: id, task: task}

	job := pipeline.Job{
		ID:       id,
		Type:     pipeline.JobOverview,
		Region:   fmt.Sprint(area),
		Tiles:    1,
		Estimate: estimate,
		Options:  map[string]any{"area": area},
		Run: func(jctx context.Context) (meta map[string]any, err error) {
			if !f.SetRunning() {
				return map[string]any{"acquired": 0}, fmt.Errorf("%w: before start", ErrCancelled)
			}
			stop := context.AfterFunc(ctx, func() { f.Cancel() })
			defer stop()
			defer completeOnPanic(f, hardware.Frame{}, &meta, &err)

			frame, err := task.Run(jctx)
			f.Complete(frame, err)
			if err != nil {
				return map[string]any{"acquired": 0}, err
			}
			return map[string]any{"acquired": 1, "width": frame.Width, "height": frame.Height}, nil
		},
	}

	a.register(run)
	if err := a.pipe.Submit(job); err != nil {
		a.unregister(id)
		return nil, fmt.Errorf("queue overview: %w", err)
	}
	a.log.Info("overview queued", "id", id, "area", area, "estimate", estimate.Round(time.Second).String())
	return run, nil
}
