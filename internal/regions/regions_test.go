package regions

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/hardware"
)

func testField() acquisition.FieldGeometry {
	return acquisition.FieldGeometry{Resolution: hardware.Resolution{X: 100, Y: 100}, PixelSize: [2]float64{1e-6, 1e-6}}
}

const sample = `
name: slice-7
overlap: 0
points:
  - [0, 0]
  - [2.0e-4, 0]
  - [2.0e-4, 2.0e-4]
  - [0, 2.0e-4]
roc2:
  name: roc2
  left: 1.0e-3
  top: 2.0e-3
  right: 1.1e-3
  bottom: 1.9e-3
`

func TestParseAndBuild(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Name != "slice-7" || len(f.Points) != 4 || f.ROC2 == nil || f.ROC3 != nil {
		t.Fatalf("unexpected file %+v", f)
	}
	r, err := f.Build(testField(), 0.06)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if r.Overlap() != 0 {
		t.Fatalf("file overlap must win over the default, got %v", r.Overlap())
	}
	if n := len(r.Indices()); n != 4 {
		t.Fatalf("expected 4 fields, got %d", n)
	}
	roc2, _ := r.CalibrationRegions()
	if roc2 == nil || roc2.Right != 1.1e-3 {
		t.Fatalf("calibration region not applied: %+v", roc2)
	}
}

func TestParseRejectsIncompleteFiles(t *testing.T) {
	for name, data := range map[string]string{
		"empty":     "  \n",
		"no name":   "points: [[0, 0]]",
		"no points": "name: x",
		"not yaml":  "name: [",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f, _ := Parse([]byte(sample))
	r, err := f.Build(testField(), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "slice-7.yaml")
	if err := Save(path, FromRegion(r)); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.Name != "slice-7" || len(back.Points) != 4 || *back.Overlap != 0 {
		t.Fatalf("unexpected file after round trip %+v", back)
	}

	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	files, err := List(dir)
	if err != nil || len(files) != 1 || files[0] != path {
		t.Fatalf("expected only the region file, got %v, %v", files, err)
	}
}

func TestWatcherReloadsRegion(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	path := filepath.Join(dir, "roa.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, _ := Load(path)
	r, err := f.Build(testField(), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	w, err := NewWatcher(path, r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	f.Points = [][2]float64{{0, 0}, {4e-4, 0}, {4e-4, 2e-4}, {0, 2e-4}}
	if err := Save(path, f); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-w.Updates:
			// A write may show up as several events, some with a partial file.
			if u.Err == nil && u.Fields == 8 {
				if n := len(r.Indices()); n != 8 {
					t.Fatalf("region not updated, has %d fields", n)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no reload observed, region has %d fields", len(r.Indices()))
		}
	}
}
