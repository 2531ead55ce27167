package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"megafield/internal/future"
	"megafield/internal/storage"
)

func TestRouterStatus(t *testing.T) {
	r := &router{log: slog.Default()}
	cases := []struct {
		name string
		run  func(context.Context) (map[string]any, error)
		want string
	}{
		{"completed", func(context.Context) (map[string]any, error) { return map[string]any{"acquired": 4}, nil }, "completed"},
		{"partial", func(context.Context) (map[string]any, error) {
			return map[string]any{"acquired": 4, "error": "timeout"}, nil
		}, "partial"},
		{"failed", func(context.Context) (map[string]any, error) { return nil, errors.New("boom") }, "failed"},
		{"cancelled", func(context.Context) (map[string]any, error) {
			return nil, fmt.Errorf("stopped: %w", future.ErrCancelled)
		}, "cancelled"},
		{"panic", func(context.Context) (map[string]any, error) { panic("stage fell off") }, "failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Process(context.Background(), Job{ID: tc.name, Type: JobAcquisition, Run: tc.run})
			if res.Status != tc.want {
				t.Fatalf("expected status %q, got %q (err %v)", tc.want, res.Status, res.Error)
			}
		})
	}
}

func TestRouterRejectsUnknownAndEmptyJobs(t *testing.T) {
	r := &router{log: slog.Default()}
	if res := r.Process(context.Background(), Job{ID: "x", Type: "stack"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
	if res := r.Process(context.Background(), Job{ID: "y", Type: JobOverview}); res.Error == nil {
		t.Fatalf("expected error for job without runner")
	}
}

func TestPipelineRunsJobsSequentially(t *testing.T) {
	p := New(context.Background(), 1, slog.Default(), nil)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var order []string
	job := func(id string) Job {
		return Job{ID: id, Type: JobAcquisition, Run: func(context.Context) (map[string]any, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			order = append(order, id)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}}
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Submit(job(id)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Fatalf("expected one job at a time, saw %d", maxRunning)
	}
	if fmt.Sprint(order) != "[a b c]" {
		t.Fatalf("expected submission order, got %v", order)
	}
}

func TestPipelineRecordsRuns(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := New(context.Background(), 1, slog.Default(), store)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	err = p.Submit(Job{ID: "run-1", Type: JobAcquisition, Region: "roa", Tiles: 9, Run: func(context.Context) (map[string]any, error) {
		return map[string]any{"acquired": 9}, nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-results:
		if res.Status != "completed" {
			t.Fatalf("expected completed, got %q", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	runs, err := store.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].TilesAcquired != 9 || runs[0].Region != "roa" {
		t.Fatalf("unexpected run records %+v", runs)
	}
}
