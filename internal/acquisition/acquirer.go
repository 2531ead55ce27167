package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"megafield/internal/config"
	"megafield/internal/future"
	"megafield/internal/pipeline"
	"megafield/internal/storage"
)

// maxRuns bounds how many finished runs are kept for status queries.
const maxRuns = 64

// Status is a snapshot of a run for display.
type Status struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Region    string    `json:"region,omitempty"`
	State     string    `json:"state"`
	Total     int       `json:"total"`
	Remaining int       `json:"remaining"`
	Acquired  int       `json:"acquired"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Error     string    `json:"error,omitempty"`
}

// Handle is the common part of megafield and overview runs.
type Handle interface {
	ID() string
	Status() Status
	Cancel() bool
	Done() <-chan struct{}
}

// Run is the handle of a megafield acquisition. The embedded future
// completes with the Result once the run stopped.
type Run struct {
	*future.Future[Result]
	id   string
	task *Task
}

// ID of the run.
func (r *Run) ID() string { return r.id }

// Task exposes the running task, mostly for its tile state.
func (r *Run) Task() *Task { return r.task }

// Status implements Handle.
func (r *Run) Status() Status {
	start, end := r.Progress()
	st := Status{
		ID:        r.id,
		Kind:      string(pipeline.JobAcquisition),
		Region:    r.task.region.Name(),
		Total:     r.task.Total(),
		Remaining: r.task.Remaining(),
		Acquired:  len(r.task.Tiles()),
		Start:     start,
		End:       end,
	}
	switch r.State() {
	case future.Pending:
		st.State = "queued"
	case future.Running:
		st.State = r.task.State().String()
	default:
		res, err := r.Result(0)
		st.State = r.task.State().String()
		switch {
		case errors.Is(err, ErrCancelled):
			st.State = StateCancelled.String()
		case err != nil:
			st.Error = err.Error()
		case res.Err != nil:
			st.State = "partial"
			st.Error = res.Err.Error()
		}
		st.Remaining = 0
	}
	return st
}

// Acquirer submits runs to a single-worker pipeline, so at most one run
// drives the instrument at any time.
type Acquirer struct {
	log    *slog.Logger
	store  *storage.Store
	cfg    *config.Config
	timing Timing
	pipe   *pipeline.Pipeline

	mu    sync.Mutex
	runs  map[string]Handle
	order []string
}

// NewAcquirer starts the worker. It stops when ctx is done or on Close.
func NewAcquirer(ctx context.Context, log *slog.Logger, store *storage.Store, cfg *config.Config) *Acquirer {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Acquirer{
		log:    log,
		store:  store,
		cfg:    cfg,
		timing: TimingFromConfig(cfg),
		pipe:   pipeline.New(ctx, 1, log, store),
		runs:   make(map[string]Handle),
	}
}

// Timing returns the timing used for estimates and timeouts.
func (a *Acquirer) Timing() Timing { return a.timing }

// SetTiming replaces the timing for runs submitted afterwards.
func (a *Acquirer) SetTiming(t Timing) {
	a.mu.Lock()
	a.timing = t
	a.mu.Unlock()
}

func (a *Acquirer) currentTiming() Timing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timing
}

// Close cancels queued work and waits for the running job to stop.
func (a *Acquirer) Close() {
	a.mu.Lock()
	handles := make([]Handle, 0, len(a.runs))
	for _, h := range a.runs {
		handles = append(handles, h)
	}
	a.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	a.pipe.Stop()
}

// Subscribe forwards the pipeline results.
func (a *Acquirer) Subscribe() (<-chan pipeline.Result, func()) {
	return a.pipe.Subscribe()
}

// Get returns a known run.
func (a *Acquirer) Get(id string) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.runs[id]
	return h, ok
}

// List returns the status of the known runs, oldest first.
func (a *Acquirer) List() []Status {
	a.mu.Lock()
	handles := make([]Handle, 0, len(a.order))
	for _, id := range a.order {
		handles = append(handles, a.runs[id])
	}
	a.mu.Unlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

func (a *Acquirer) register(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[h.ID()] = h
	a.order = append(a.order, h.ID())
	for len(a.order) > maxRuns {
		oldest := a.runs[a.order[0]]
		select {
		case <-oldest.Done():
		default:
			return
		}
		delete(a.runs, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Acquirer) unregister(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, id)
	for i, o := range a.order {
		if o == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// EstimateAcquisitionTime estimates a run over region with the acquirer's
// timing.
func (a *Acquirer) EstimateAcquisitionTime(region *Region, frame time.Duration, calibrations []string) time.Duration {
	return a.currentTiming().EstimateAcquisitionTime(len(region.Indices()), frame, calibrations)
}

// Acquire validates the request and queues the acquisition of every field
// of region. Validation errors are returned right away and wrap
// ErrConfiguration. Cancelling ctx cancels the run.
func (a *Acquirer) Acquire(ctx context.Context, region *Region, hw Instrument, opts Options) (*Run, error) {
	if region == nil {
		return nil, fmt.Errorf("%w: no region", ErrConfiguration)
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if err := hw.validate(len(opts.PreCalibrations) > 0); err != nil {
		return nil, err
	}
	if len(region.Indices()) == 0 {
		return nil, fmt.Errorf("%w: region %q covers no field", ErrConfiguration, region.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timing := a.currentTiming()
	id := uuid.NewString()
	task := newTask(id, region, hw, opts, timing, a.store, a.log)
	if hw.Calibrator != nil {
		task.calib = NewCalibrationRunner(hw.Calibrator, a.cfg.Calibration.Retries, a.cfg.Calibration.Jitter, task.log)
	}

	estimate := timing.EstimateAcquisitionTime(task.Total(), hw.Detector.FrameDuration(), opts.PreCalibrations)
	f := future.NewWithEstimate[Result](estimate)
	f.SetCanceller(task.Cancel)
	task.progress = f.SetProgress
	run := &Run{Future: f, id: id, task: task}

	job := pipeline.Job{
		ID:       id,
		Type:     pipeline.JobAcquisition,
		Region:   region.Name(),
		Tiles:    task.Total(),
		Estimate: estimate,
		Options: map[string]any{
			"sub_path":         opts.SubPath,
			"pre_calibrations": opts.PreCalibrations,
			"save_full_cells":  opts.SaveFullCells,
		},
		Run: func(jctx context.Context) (meta map[string]any, err error) {
			if !f.SetRunning() {
				return map[string]any{"acquired": 0}, fmt.Errorf("%w: before start", ErrCancelled)
			}
			stop := context.AfterFunc(ctx, func() { f.Cancel() })
			defer stop()
			defer completeOnPanic(f, Result{}, &meta, &err)

			res, err := task.Run(jctx)
			f.Complete(res, err)

			meta = map[string]any{"acquired": len(res.Tiles), "total": task.Total()}
			if res.Err != nil {
				meta["error"] = res.Err.Error()
			}
			return meta, err
		},
	}

	a.register(run)
	if err := a.pipe.Submit(job); err != nil {
		a.unregister(id)
		return nil, fmt.Errorf("queue run: %w", err)
	}
	a.log.Info("megafield queued", "id", id, "region", region.Name(), "tiles", task.Total(), "estimate", estimate.Round(time.Second).String())
	return run, nil
}

// completeOnPanic finishes f with ErrHardware when a job panics, so callers
// waiting on the handle are released.
func completeOnPanic[T any](f *future.Future[T], zero T, meta *map[string]any, err *error) {
	p := recover()
	if p == nil {
		return
	}
	*err = fmt.Errorf("%w: panic: %v", ErrHardware, p)
	*meta = map[string]any{"acquired": 0}
	f.Complete(zero, *err)
}
