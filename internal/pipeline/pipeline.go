package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"megafield/internal/storage"
)

// JobType enumerates the kinds of runs the pipeline executes.
type JobType string

const (
	JobAcquisition JobType = "megafield"
	JobOverview    JobType = "overview"
)

// Job represents a single run request. Run does the actual work and returns
// metadata describing the outcome.
type Job struct {
	ID       string
	Type     JobType
	Region   string
	Tiles    int
	Estimate time.Duration
	Options  map[string]any
	Run      func(ctx context.Context) (map[string]any, error)
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Status string
	Error  error
	Meta   map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full")

// Pipeline executes jobs on a fixed number of workers. With concurrency 1
// jobs run strictly one after the other, in submission order.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency, routing jobs by type.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger))
}

// NewWithProcessor creates a Pipeline executing jobs with proc.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*16),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Kind:        string(job.Type),
			Region:      job.Region,
			Status:      "queued",
			TilesTotal:  job.Tiles,
			EstimateSec: job.Estimate.Seconds(),
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			p.log.Debug("job picked up", "worker", id, "type", job.Type, "id", job.ID)

			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			if res.Status == "" {
				res.Status = "completed"
				if res.Error != nil {
					res.Status = "failed"
				}
			}
			p.log.Debug("job finished", "worker", id, "type", job.Type, "id", job.ID, "status", res.Status, "duration", time.Since(start).String())

			if p.store != nil {
				acquired, _ := res.Meta["acquired"].(int)
				_ = p.store.RecordRunResult(job.ID, res.Status, acquired, res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
