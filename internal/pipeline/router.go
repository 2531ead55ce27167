package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"megafield/internal/future"
)

// router implements Processor and dispatches jobs by type.
type router struct {
	log *slog.Logger
}

func newRouter(logger *slog.Logger) Processor {
	return &router{log: logger}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAcquisition, JobOverview:
		return r.handleRun(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleRun(ctx context.Context, job Job) (res Result) {
	res.Job = job
	if job.Run == nil {
		res.Error = fmt.Errorf("job %s has nothing to run", job.ID)
		return res
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", "id", job.ID, "panic", p)
			res.Error = fmt.Errorf("job %s panicked: %v", job.ID, p)
			res.Status = "failed"
		}
	}()

	meta, err := job.Run(ctx)
	res.Meta, res.Error = meta, err
	switch {
	case errors.Is(err, future.ErrCancelled):
		res.Status = "cancelled"
	case err != nil:
		res.Status = "failed"
	case meta["error"] != nil:
		res.Status = "partial"
	default:
		res.Status = "completed"
	}
	return res
}
