package future

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompleteDeliversValue(t *testing.T) {
	f := NewWithEstimate[int](time.Second)
	if f.State() != Pending {
		t.Fatalf("expected pending, got %s", f.State())
	}
	if !f.SetRunning() {
		t.Fatalf("expected SetRunning to succeed")
	}

	var called atomic.Int32
	f.AddDoneCallback(func(*Future[int]) { called.Add(1) })

	go f.Complete(42, nil)
	v, err := f.Result(time.Second)
	if err != nil || v != 42 {
		t.Fatalf("unexpected result %d, %v", v, err)
	}
	if f.State() != Done {
		t.Fatalf("expected done, got %s", f.State())
	}
	if called.Load() != 1 {
		t.Fatalf("done callback called %d times", called.Load())
	}

	// Late callbacks run immediately.
	f.AddDoneCallback(func(*Future[int]) { called.Add(1) })
	if called.Load() != 2 {
		t.Fatalf("late callback not called")
	}
}

func TestCancelPending(t *testing.T) {
	f := New[string]()
	if !f.Cancel() {
		t.Fatalf("pending future must be cancellable")
	}
	if f.SetRunning() {
		t.Fatalf("cancelled future must not start")
	}
	if _, err := f.Result(time.Second); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if f.Cancel() {
		t.Fatalf("second cancel must return false")
	}
}

func TestCancelRunningDelegates(t *testing.T) {
	f := New[[]int]()
	f.SetRunning()

	refused := true
	f.SetCanceller(func() bool { return !refused })
	if f.Cancel() {
		t.Fatalf("cancel must fail when the canceller refuses")
	}

	refused = false
	if !f.Cancel() {
		t.Fatalf("cancel must succeed when the canceller accepts")
	}
	if f.IsDone() {
		t.Fatalf("running future completes only when the work stops")
	}
	if !f.CancelRequested() {
		t.Fatalf("expected cancel to be recorded")
	}

	f.Complete([]int{1, 2}, ErrCancelled)
	v, err := f.Result(0)
	if !errors.Is(err, ErrCancelled) || len(v) != 2 {
		t.Fatalf("expected partial value with ErrCancelled, got %v, %v", v, err)
	}
	if f.State() != Cancelled {
		t.Fatalf("expected cancelled, got %s", f.State())
	}
}

func TestResultTimeout(t *testing.T) {
	f := New[int]()
	f.SetRunning()
	if _, err := f.Result(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProgressUpdates(t *testing.T) {
	f := NewWithEstimate[int](time.Hour)
	var updates atomic.Int32
	f.OnProgress(func(start, end time.Time) {
		if !end.After(start) {
			t.Errorf("end %v not after start %v", end, start)
		}
		updates.Add(1)
	})

	f.SetRunning()
	if rem := f.Remaining(); rem < 59*time.Minute {
		t.Fatalf("remaining %v should keep the estimate", rem)
	}
	now := time.Now()
	f.SetProgress(now, now.Add(time.Minute))
	if updates.Load() != 2 {
		t.Fatalf("expected 2 progress updates, got %d", updates.Load())
	}

	f.Complete(1, nil)
	f.SetProgress(now, now.Add(time.Hour))
	if updates.Load() != 2 {
		t.Fatalf("progress must not be reported after completion")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := New[int]()
	f.SetRunning()
	f.Complete(1, nil)
	f.Complete(2, errors.New("late"))
	v, err := f.Result(0)
	if v != 1 || err != nil {
		t.Fatalf("second completion must be ignored, got %d, %v", v, err)
	}
}
