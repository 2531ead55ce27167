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

	"megafield/internal/fsutil"
	"megafield/internal/future"
	"megafield/internal/geometry"
	"megafield/internal/hardware"
	"megafield/internal/logging"
	"megafield/internal/storage"
)

// State of a megafield run.
type State int

const (
	StateInit State = iota
	StatePreCalibrating
	StateConfiguring
	StateAcquiring
	StateFinalizing
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePreCalibrating:
		return "pre-calibrating"
	case StateConfiguring:
		return "configuring"
	case StateAcquiring:
		return "acquiring"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Instrument bundles the components a megafield run drives.
type Instrument struct {
	Scanner   hardware.Scanner
	MultiBeam hardware.MultiBeam
	Detector  hardware.Detector
	ScanStage hardware.Movable
	Camera    hardware.Camera
	BeamShift hardware.BeamShifter
	Lens      hardware.Lens
	// Calibrator is only needed when pre-calibrations are requested.
	Calibrator hardware.Calibrator
	// Settings is optional; without it no settings snapshot is stored.
	Settings hardware.SettingsSource
}

func (in Instrument) validate(needCalibrator bool) error {
	missing := func(name string) error {
		return fmt.Errorf("%w: instrument has no %s", ErrConfiguration, name)
	}
	switch {
	case in.Scanner == nil:
		return missing("scanner")
	case in.MultiBeam == nil:
		return missing("multibeam scanner")
	case in.Detector == nil:
		return missing("detector")
	case in.ScanStage == nil:
		return missing("scan stage")
	case in.Camera == nil:
		return missing("diagnostic camera")
	case in.BeamShift == nil:
		return missing("beam shift controller")
	case in.Lens == nil:
		return missing("lens")
	case needCalibrator && in.Calibrator == nil:
		return missing("calibrator")
	}
	return nil
}

// TileSink stores the data of acquired tiles and returns where it went.
type TileSink interface {
	WriteTile(runID string, idx geometry.Index, f hardware.Frame) (string, error)
}

// Options tune a single megafield run.
type Options struct {
	// SubPath is inserted between the user and the region name in the
	// destination on storage.
	SubPath         string
	PreCalibrations []string
	// SaveFullCells stores the complete cell images instead of cropping
	// them to the effective cell size.
	SaveFullCells bool
	// SpotThreshold in (0, 1) is the minimum spot intensity on the
	// diagnostic camera, relative to the brightest pixel.
	SpotThreshold float64
	SpotGridSize  int
	DiagnosticDir string
	Sink          TileSink
}

func (o *Options) normalize() error {
	if o.SpotThreshold == 0 {
		o.SpotThreshold = 0.5
	}
	if o.SpotThreshold < 0 || o.SpotThreshold >= 1 {
		return fmt.Errorf("%w: spot threshold %v must be in (0, 1)", ErrConfiguration, o.SpotThreshold)
	}
	if o.SpotGridSize == 0 {
		o.SpotGridSize = 8
	}
	if o.SpotGridSize < 2 {
		return fmt.Errorf("%w: spot grid size %d", ErrConfiguration, o.SpotGridSize)
	}
	return nil
}

// Result of a megafield run. Err is set when the run failed after some
// tiles were already acquired.
type Result struct {
	Tiles map[geometry.Index]hardware.Frame
	Err   error
}

// Task acquires every field of a region, one at a time.
type Task struct {
	id       string
	log      *slog.Logger
	hw       Instrument
	region   *Region
	roc2     *CalibrationRegion
	roc3     *CalibrationRegion
	opts     Options
	timing   Timing
	store    *storage.Store
	drift    *DriftCorrector
	calib    *CalibrationRunner
	progress func(start, end time.Time)

	// Snapshot of the region at construction.
	indices []geometry.Index
	field   FieldGeometry
	overlap float64

	firstTile  hardware.Position
	received   *signal
	cancelled  atomic.Bool
	subscribed bool

	overridden bool
	oldRes     hardware.Resolution
	oldCT      hardware.CellTranslation
	oldCTMD    any

	mu          sync.Mutex
	state       State
	remaining   map[geometry.Index]struct{}
	tiles       map[geometry.Index]hardware.Frame
	current     geometry.Index
	waiting     bool
	calibFuture *future.Future[struct{}]
}

func newTask(id string, region *Region, hw Instrument, opts Options, timing Timing, store *storage.Store, log *slog.Logger) *Task {
	indices := region.Indices()
	remaining := make(map[geometry.Index]struct{}, len(indices))
	for _, idx := range indices {
		remaining[idx] = struct{}{}
	}
	roc2, roc3 := region.CalibrationRegions()
	t := &Task{
		id:        id,
		log:       log.With("run", id),
		hw:        hw,
		region:    region,
		roc2:      roc2,
		roc3:      roc3,
		opts:      opts,
		timing:    timing,
		store:     store,
		indices:   indices,
		field:     region.Field(),
		overlap:   region.Overlap(),
		received:  newSignal(),
		remaining: remaining,
		tiles:     make(map[geometry.Index]hardware.Frame, len(indices)),
	}
	t.drift = NewDriftCorrector(hw.Camera, hw.BeamShift, hw.Lens, opts.SpotGridSize, opts.SpotThreshold, t.log)
	return t
}

// ID of the run.
func (t *Task) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Remaining returns how many tiles are still to be acquired.
func (t *Task) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remaining)
}

// Total returns the number of tiles in the run.
func (t *Task) Total() int { return len(t.indices) }

// Tiles returns a copy of the tiles received so far.
func (t *Task) Tiles() map[geometry.Index]hardware.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[geometry.Index]hardware.Frame, len(t.tiles))
	for k, v := range t.tiles {
		out[k] = v
	}
	return out
}

// Cancel requests the run to stop after the tile in progress. A running
// pre-calibration is cancelled right away. It returns false, and leaves the
// run alone, when there is nothing left to cancel.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if len(t.remaining) == 0 {
		t.mu.Unlock()
		return false
	}
	t.cancelled.Store(true)
	cf := t.calibFuture
	t.calibFuture = nil
	t.mu.Unlock()

	if cf != nil && !cf.IsDone() {
		cf.Cancel()
	}
	return true
}

func (t *Task) isCancelled() bool { return t.cancelled.Load() }

func (t *Task) setCalibration(f *future.Future[struct{}]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f != nil && t.cancelled.Load() {
		return false
	}
	t.calibFuture = f
	return true
}

// FrameReceived is called by the detector, on its own goroutine, when the
// data of the triggered field arrived.
func (t *Task) FrameReceived(f hardware.Frame) {
	t.mu.Lock()
	if !t.waiting {
		t.mu.Unlock()
		t.log.Warn("dropping unexpected field image", "index", f.Index.String())
		return
	}
	t.tiles[t.current] = f
	t.waiting = false
	t.mu.Unlock()
	t.received.Set()
}

func (t *Task) publishProgress(left time.Duration) {
	if t.progress == nil {
		return
	}
	now := time.Now()
	t.progress(now, now.Add(left))
}

// Run acquires the region. See Result for how errors are reported.
func (t *Task) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	err := t.runAndFinalize(ctx)
	return t.conclude(err, time.Since(start))
}

// runAndFinalize reports a driver panic as ErrHardware. The instrument is
// finalized before the panic is recovered.
func (t *Task) runAndFinalize(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("run panicked", "panic", p)
			err = fmt.Errorf("%w: panic: %v", ErrHardware, p)
		}
	}()
	defer t.finalize()
	return t.run(ctx)
}

func (t *Task) run(ctx context.Context) error {
	det := t.hw.Detector
	det.UpdateMetadata(map[string]any{hardware.MDFieldSize: effectiveFieldSize(t.field.Resolution, t.overlap)})

	total := t.timing.EstimateAcquisitionTime(len(t.indices), det.FrameDuration(), t.opts.PreCalibrations)
	t.publishProgress(total)
	logging.LogRunStart(t.log, "megafield", t.id, t.region.Name(), len(t.indices), total)

	t.firstTile = t.firstTilePosition()

	if len(t.opts.PreCalibrations) > 0 {
		t.setState(StatePreCalibrating)
		if err := t.calib.Run(ctx, t.region, t.indices, t, t.opts.PreCalibrations); err != nil {
			return err
		}
	}

	det.UpdateMetadata(map[string]any{hardware.MDFilename: destination(det, t.opts.SubPath, t.region.Name())})

	// Visit the first tile before configuring, so the stored megafield
	// position is the right one.
	t.setCurrent(geometry.Index{}, false)
	if err := t.blank(true); err != nil {
		return err
	}
	if err := t.moveToField(ctx, 0, 0); err != nil {
		return err
	}

	if t.hw.Settings != nil {
		if _, err := snapshotSettings(t.hw.Settings, det, t.log); err != nil {
			t.log.Warn("could not store settings snapshot", "error", err)
		}
	}

	t.setState(StateConfiguring)
	if err := t.configure(); err != nil {
		return err
	}

	t.setState(StateAcquiring)
	return t.acquireTiles(ctx)
}

func (t *Task) configure() error {
	t.log.Debug("configure hardware for acquisition")
	if err := t.hw.Scanner.Configure(hardware.ModeMegafield); err != nil {
		return fmt.Errorf("%w: configure scanner: %v", ErrHardware, err)
	}
	det := t.hw.Detector
	det.UpdateMetadata(map[string]any{hardware.MDCalibration: map[string]*CalibrationRegion{"roc2": t.roc2, "roc3": t.roc3}})

	if t.opts.SaveFullCells {
		t.oldRes = t.hw.MultiBeam.Resolution()
		t.oldCT = det.CellTranslation()
		t.oldCTMD = det.Metadata()[hardware.MDCellTranslation]
		t.overridden = true

		shape := det.Shape()
		cell := det.CellCompleteResolution()
		full := hardware.Resolution{X: shape[0] * cell.X, Y: shape[1] * cell.Y}
		if err := t.hw.MultiBeam.SetResolution(full); err != nil {
			return fmt.Errorf("%w: set full cell resolution: %v", ErrHardware, err)
		}
		// No cropping at all.
		zero := make(hardware.CellTranslation, shape[1])
		for r := range zero {
			zero[r] = make([][2]int, shape[0])
		}
		det.UpdateMetadata(map[string]any{hardware.MDCellTranslation: zero})
		if err := det.SetCellTranslation(zero); err != nil {
			return fmt.Errorf("%w: reset cell translation: %v", ErrHardware, err)
		}
	}

	if err := det.Subscribe(t); err != nil {
		return fmt.Errorf("%w: subscribe to detector: %v", ErrHardware, err)
	}
	t.subscribed = true
	return nil
}

func (t *Task) acquireTiles(ctx context.Context) error {
	det := t.hw.Detector
	frame := det.FrameDuration()
	perTile := t.timing.PerTile(frame)
	timeout := t.timing.TileTimeout(frame)

	for _, idx := range t.indices {
		if t.cancelled.Load() {
			return fmt.Errorf("%w: before tile %s", ErrCancelled, idx)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		t.received.Clear()
		t.setCurrent(idx, false)
		logging.LogTileStep(t.log, t.id, idx.String(), "move", nil)
		if err := t.moveToField(ctx, float64(idx.Col), float64(idx.Row)); err != nil {
			return err
		}
		if err := t.blank(false); err != nil {
			return err
		}

		// A failed correction degrades the image but does not stop the run.
		if c, err := t.drift.Correct(ctx); err != nil {
			t.log.Error("correcting the beam shift failed, check the image quality", "tile", idx.String(), "error", err)
			t.saveDiagnostic(ctx, idx)
		} else {
			logging.LogTileStep(t.log, t.id, idx.String(), "drift", map[string]any{"found": c.Found, "delta": c.Delta})
		}

		t.setCurrent(idx, true)
		if err := det.Next(idx); err != nil {
			return fmt.Errorf("%w: trigger tile %s: %v", ErrHardware, idx, err)
		}
		if !t.received.Wait(timeout) {
			t.setCurrent(idx, false)
			t.recordTile(idx, "timeout", "")
			return fmt.Errorf("%w: tile %s after %s", ErrTimeout, idx, timeout)
		}

		if err := t.blank(true); err != nil {
			return err
		}
		t.markAcquired(idx)

		if t.cancelled.Load() {
			return fmt.Errorf("%w: after tile %s", ErrCancelled, idx)
		}
		t.publishProgress(EstimateRemaining(t.Remaining(), perTile, 0))
	}
	t.log.Debug("acquired all fields", "region", t.region.Name())
	return nil
}

func (t *Task) setCurrent(idx geometry.Index, waiting bool) {
	t.mu.Lock()
	t.current = idx
	t.waiting = waiting
	t.mu.Unlock()
}

func (t *Task) markAcquired(idx geometry.Index) {
	t.mu.Lock()
	delete(t.remaining, idx)
	f := t.tiles[idx]
	t.mu.Unlock()

	path := ""
	if t.opts.Sink != nil {
		p, err := t.opts.Sink.WriteTile(t.id, idx, f)
		if err != nil {
			t.log.Warn("could not store tile", "tile", idx.String(), "error", err)
		}
		path = p
	}
	t.recordTile(idx, "acquired", path)
}

func (t *Task) recordTile(idx geometry.Index, status, path string) {
	if err := t.store.RecordTile(storage.TileRecord{RunID: t.id, Col: idx.Col, Row: idx.Row, Status: status, Path: path}); err != nil {
		t.log.Warn("could not record tile", "tile", idx.String(), "error", err)
	}
}

func (t *Task) blank(on bool) error {
	if err := t.hw.Scanner.SetBlanked(on); err != nil {
		return fmt.Errorf("%w: set blanker to %t: %v", ErrHardware, on, err)
	}
	return nil
}

func (t *Task) saveDiagnostic(ctx context.Context, idx geometry.Index) {
	if t.opts.DiagnosticDir == "" {
		return
	}
	frame, err := t.hw.Camera.Capture(ctx, true)
	if err != nil {
		t.log.Warn("could not capture diagnostic frame", "error", err)
		return
	}
	name := fmt.Sprintf("%d_%d_after.tiff", idx.Col, idx.Row)
	p, err := fsutil.SaveDiagnostic(t.opts.DiagnosticDir, name, frame)
	if err != nil {
		t.log.Warn("could not save diagnostic frame", "error", err)
		return
	}
	t.log.Info("saved diagnostic frame", "path", p)
}

// firstTilePosition is the stage position of the centre of field (0, 0):
// the top left corner of the bounding box plus half a field right and down.
func (t *Task) firstTilePosition() hardware.Position {
	bbox := geometry.BoundingBox(t.region.Points())
	x, y := bbox.MinX, bbox.MaxY
	if rc, ok := t.hw.ScanStage.(hardware.RotationCorrector); ok {
		if rot := -rc.RotationCorrection(); rot != 0 {
			sin, cos := math.Sincos(rot)
			x, y = x*cos-y*sin, x*sin+y*cos
		}
	}
	w, h := t.field.Size()
	return hardware.Position{X: x + w/2, Y: y - h/2}
}

// fieldPosition returns the stage position of a (possibly fractional)
// field index. The pitch always uses the resolution the region was
// resolved with, also when full cells are saved.
func (t *Task) fieldPosition(col, row float64) hardware.Position {
	w, h := t.field.Size()
	overlap := t.region.Overlap()
	return hardware.Position{
		X: t.firstTile.X + col*w*(1-overlap),
		Y: t.firstTile.Y - row*h*(1-overlap),
	}
}

func (t *Task) moveToField(ctx context.Context, col, row float64) error {
	target := t.fieldPosition(col, row)
	started := time.Now()
	if err := t.hw.ScanStage.MoveAbs(ctx, target); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return fmt.Errorf("%w: move stage to %+v: %v", ErrHardware, target, err)
	}
	pos := t.hw.ScanStage.Position()
	t.log.Debug("moved scan stage",
		"target", target,
		"took", time.Since(started).String(),
		"error_x", pos.X-target.X,
		"error_y", pos.Y-target.Y,
	)
	return nil
}

// finalize runs on every exit path so the instrument is left safe and ready
// for the next run.
func (t *Task) finalize() {
	t.setState(StateFinalizing)
	t.mu.Lock()
	t.remaining = map[geometry.Index]struct{}{}
	t.waiting = false
	t.mu.Unlock()

	if err := t.hw.Scanner.SetBlanked(true); err != nil {
		t.log.Error("could not blank the beam", "error", err)
	}
	det := t.hw.Detector
	if t.subscribed {
		if err := det.Unsubscribe(t); err != nil {
			t.log.Warn("could not unsubscribe from detector", "error", err)
		}
		t.subscribed = false
	}
	if t.overridden {
		if err := t.hw.MultiBeam.SetResolution(t.oldRes); err != nil {
			t.log.Error("could not restore resolution", "error", err)
		}
		if err := det.SetCellTranslation(t.oldCT); err != nil {
			t.log.Error("could not restore cell translation", "error", err)
		}
		det.UpdateMetadata(map[string]any{hardware.MDCellTranslation: t.oldCTMD})
		t.overridden = false
	}
}

func (t *Task) conclude(err error, took time.Duration) (Result, error) {
	tiles := t.Tiles()
	info := map[string]any{"tiles": len(tiles), "total": len(t.indices)}
	switch {
	case err == nil:
		t.setState(StateDone)
		logging.LogRunComplete(t.log, "megafield", t.id, took, info)
		return Result{Tiles: tiles}, nil
	case errors.Is(err, ErrCancelled):
		t.setState(StateCancelled)
		logging.LogRunError(t.log, "megafield", t.id, took, err, info)
		return Result{Tiles: tiles}, err
	case len(tiles) == 0:
		t.setState(StateFailed)
		logging.LogRunError(t.log, "megafield", t.id, took, err, info)
		return Result{}, err
	default:
		t.setState(StateFailed)
		t.log.Warn("run stopped after some fields were acquired", "error", err, "tiles", len(tiles))
		logging.LogRunComplete(t.log, "megafield", t.id, took, info)
		return Result{Tiles: tiles, Err: err}, nil
	}
}
