// Package future provides a cancellable, progress-reporting handle for work
// running on another goroutine.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCancelled is returned by a future whose work observed a cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrWaitTimeout is returned by Result when the work did not finish in time.
	ErrWaitTimeout = errors.New("timed out waiting for result")
)

// State of a future.
type State int

const (
	Pending State = iota
	Running
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Canceller is asked to stop running work. It returns false when it is too
// late to cancel.
type Canceller func() bool

// Future is the caller side of an asynchronous task. All methods are safe
// for concurrent use.
type Future[T any] struct {
	mu              sync.Mutex
	state           State
	start           time.Time
	end             time.Time
	value           T
	err             error
	done            chan struct{}
	canceller       Canceller
	cancelRequested bool
	doneCallbacks   []func(*Future[T])
	progressSubs    []func(start, end time.Time)
}

// New returns a pending future.
func New[T any]() *Future[T] {
	now := time.Now()
	return &Future[T]{state: Pending, start: now, end: now, done: make(chan struct{})}
}

// NewWithEstimate returns a pending future whose progress window ends after
// the estimated duration.
func NewWithEstimate[T any](estimate time.Duration) *Future[T] {
	f := New[T]()
	f.end = f.start.Add(estimate)
	return f
}

// SetCanceller registers the function used to cancel the work once running.
func (f *Future[T]) SetCanceller(c Canceller) {
	f.mu.Lock()
	f.canceller = c
	f.mu.Unlock()
}

// SetRunning moves a pending future to running. It returns false if the
// future was cancelled before the work could start.
func (f *Future[T]) SetRunning() bool {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return false
	}
	f.state = Running
	// Keep the estimated duration but start counting from now.
	dur := f.end.Sub(f.start)
	f.start = time.Now()
	f.end = f.start.Add(dur)
	start, end := f.start, f.end
	subs := append([]func(time.Time, time.Time){}, f.progressSubs...)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(start, end)
	}
	return true
}

// SetProgress updates the expected time window of the work.
func (f *Future[T]) SetProgress(start, end time.Time) {
	f.mu.Lock()
	if f.state == Done || f.state == Cancelled {
		f.mu.Unlock()
		return
	}
	f.start, f.end = start, end
	subs := append([]func(time.Time, time.Time){}, f.progressSubs...)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(start, end)
	}
}

// Progress returns the current expected time window.
func (f *Future[T]) Progress() (start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.start, f.end
}

// Remaining returns how long the work is still expected to take.
func (f *Future[T]) Remaining() time.Duration {
	_, end := f.Progress()
	if d := time.Until(end); d > 0 {
		return d
	}
	return 0
}

// OnProgress registers fn to be called on every progress update.
func (f *Future[T]) OnProgress(fn func(start, end time.Time)) {
	f.mu.Lock()
	f.progressSubs = append(f.progressSubs, fn)
	f.mu.Unlock()
}

// AddDoneCallback registers fn to be called once the future completes. If
// it already completed, fn is called immediately.
func (f *Future[T]) AddDoneCallback(fn func(*Future[T])) {
	f.mu.Lock()
	if f.state == Done || f.state == Cancelled {
		f.mu.Unlock()
		fn(f)
		return
	}
	f.doneCallbacks = append(f.doneCallbacks, fn)
	f.mu.Unlock()
}

// Cancel requests cancellation. A pending future is cancelled at once. A
// running future delegates to its canceller; the future completes when the
// work actually stops. Cancel returns false if it is too late.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	switch f.state {
	case Done, Cancelled:
		f.mu.Unlock()
		return false
	case Pending:
		f.err = ErrCancelled
		f.mu.Unlock()
		f.finish(Cancelled)
		return true
	}
	c := f.canceller
	f.mu.Unlock()

	if c == nil || !c() {
		return false
	}
	f.mu.Lock()
	f.cancelRequested = true
	f.mu.Unlock()
	return true
}

// CancelRequested reports whether a cancellation was accepted.
func (f *Future[T]) CancelRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested || f.state == Cancelled
}

// Complete stores the outcome of the work. An error wrapping ErrCancelled
// puts the future in the Cancelled state; the value is kept either way so
// partial results stay reachable.
func (f *Future[T]) Complete(value T, err error) {
	f.mu.Lock()
	if f.state == Done || f.state == Cancelled {
		f.mu.Unlock()
		return
	}
	f.value, f.err = value, err
	f.mu.Unlock()

	if errors.Is(err, ErrCancelled) {
		f.finish(Cancelled)
		return
	}
	f.finish(Done)
}

func (f *Future[T]) finish(state State) {
	f.mu.Lock()
	f.state = state
	f.end = time.Now()
	callbacks := f.doneCallbacks
	f.doneCallbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(f)
	}
}

// State returns the lifecycle state.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future completed, successfully or not.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future completes or timeout elapses. A timeout of
// zero or less waits forever.
func (f *Future[T]) Result(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		<-f.done
		return f.outcome()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.outcome()
	case <-timer.C:
		var zero T
		return zero, ErrWaitTimeout
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) outcome() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
