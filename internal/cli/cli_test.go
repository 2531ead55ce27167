package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/fsutil"
	"megafield/internal/regions"
	"megafield/internal/server"
	"megafield/internal/storage"
)

const twoFieldRegion = `name: slice-7
overlap: 0
points:
  - [1.0e-7, 1.0e-7]
  - [1.999e-4, 1.0e-7]
  - [1.999e-4, 0.999e-4]
  - [1.0e-7, 0.999e-4]
`

const fourFieldRegion = `name: slice-7
overlap: 0
points:
  - [1.0e-7, 1.0e-7]
  - [3.999e-4, 1.0e-7]
  - [3.999e-4, 0.999e-4]
  - [1.0e-7, 0.999e-4]
`

func TestResolveAndEstimate(t *testing.T) {
	root, dir := newTestRoot(t, nil)
	path := writeRegion(t, dir, twoFieldRegion)

	out, err := execute(t, root, "resolve", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "2 fields") || !strings.Contains(out, "0,0 1,0") {
		t.Fatalf("unexpected resolve output %q", out)
	}

	out, err = execute(t, root, "estimate", path, "--calibrations", "dark_offset")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !strings.Contains(out, "Region slice-7: 2 fields, about") {
		t.Fatalf("unexpected estimate output %q", out)
	}

	if _, err := execute(t, root, "resolve", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing region file")
	}
}

func TestAcquireWritesTilesAndRecordsRun(t *testing.T) {
	root, dir := newTestRoot(t, nil)
	path := writeRegion(t, dir, twoFieldRegion)
	tiles := filepath.Join(dir, "tiles")

	out, err := execute(t, root, "acquire", path, "--output", tiles)
	if err != nil {
		t.Fatalf("acquire: %v (%s)", err, out)
	}
	if !strings.Contains(out, "done: 2 fields") {
		t.Fatalf("unexpected acquire output %q", out)
	}
	files, err := fsutil.ListTiles(tiles)
	if err != nil || len(files) != 2 {
		t.Fatalf("expected 2 tile files, got %v, %v", files, err)
	}

	// The pipeline records the result right after completing the future.
	deadline := time.Now().Add(2 * time.Second)
	for {
		out, err = execute(t, root, "runs")
		if err != nil {
			t.Fatalf("runs: %v", err)
		}
		if strings.Contains(out, "completed") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run not recorded: %q", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out, "slice-7") || !strings.Contains(out, "2/2") {
		t.Fatalf("unexpected runs output %q", out)
	}
}

func TestAcquireReportsPartialRun(t *testing.T) {
	root, dir := newTestRoot(t, func(cfg *config.Config) { cfg.Simulator.FailTile = "1,0" })
	path := writeRegion(t, dir, twoFieldRegion)

	out, err := execute(t, root, "acquire", path, "--no-save")
	if !errors.Is(err, acquisition.ErrTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if !strings.Contains(out, "1 of 2 fields acquired") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAcquireRejectsInvalidOverlap(t *testing.T) {
	root, dir := newTestRoot(t, nil)
	path := writeRegion(t, dir, strings.Replace(twoFieldRegion, "overlap: 0", "overlap: 1.2", 1))
	if _, err := execute(t, root, "acquire", path); !errors.Is(err, acquisition.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestOverviewCommand(t *testing.T) {
	root, dir := newTestRoot(t, nil)
	if _, err := execute(t, root, "overview", "--area", "0,0,1"); err == nil {
		t.Fatalf("expected an error for an incomplete area")
	}

	img := filepath.Join(dir, "overview.tiff")
	out, err := execute(t, root, "overview", "--area", "0,0,1e-3,1e-3", "-o", img)
	if err != nil {
		t.Fatalf("overview: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Saved "+img) {
		t.Fatalf("unexpected overview output %q", out)
	}
	if _, err := fsutil.ReadFrame(img); err != nil {
		t.Fatalf("overview image unreadable: %v", err)
	}
}

func TestWatchReportsChanges(t *testing.T) {
	root, dir := newTestRoot(t, nil)
	path := writeRegion(t, dir, twoFieldRegion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := newRootCmd(root)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"watch", path})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitFor(t, out, "2 fields")
	if err := os.WriteFile(path, []byte(fourFieldRegion), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, out, "4 fields")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestServeUsesConfiguredAddresses(t *testing.T) {
	root, _ := newTestRoot(t, nil)
	var gotHTTP, gotGRPC string
	root.serveFn = func(ctx context.Context, r *Root, b server.Backend, httpAddr, grpcAddr string) error {
		gotHTTP, gotGRPC = httpAddr, grpcAddr
		if b.Megafield.Detector == nil {
			t.Errorf("backend has no detector")
		}
		return nil
	}
	if _, err := execute(t, root, "serve", "--grpc-addr", ":9999"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if gotHTTP != ":8080" || gotGRPC != ":9999" {
		t.Fatalf("unexpected addresses %q %q", gotHTTP, gotGRPC)
	}
}

func TestRemoteCommands(t *testing.T) {
	root, _ := newTestRoot(t, nil)
	remote := &fakeRemote{statuses: map[string]acquisition.Status{
		"run-1": {ID: "run-1", Kind: "megafield", State: "acquiring", Total: 4, Acquired: 1},
	}}
	var target string
	root.dialFn = func(addr string) (remoteClient, error) {
		target = addr
		return remote, nil
	}

	out, err := execute(t, root, "remote", "list", "--server", "scope:9090")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if target != "scope:9090" || !strings.Contains(out, "run-1") || !strings.Contains(out, "1/4") {
		t.Fatalf("unexpected list output %q (target %q)", out, target)
	}

	out, err = execute(t, root, "remote", "cancel", "run-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "cancelled") || remote.cancelled != "run-1" {
		t.Fatalf("unexpected cancel output %q", out)
	}

	if _, err := execute(t, root, "remote", "status", "nope"); err == nil {
		t.Fatalf("expected an error for an unknown run")
	}
	if !remote.closed {
		t.Fatalf("client must be closed")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t, nil)

	out, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "Current configuration") || !strings.Contains(out, "optical_autofocus") {
		t.Fatalf("unexpected config output %q", out)
	}

	if out, err := execute(t, root, "config", "validate"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("config validate: %v (%q)", err, out)
	}
	root.cfg.Acquisition.TimeoutMultiplier = 1
	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected a validation error for a small timeout multiplier")
	}
	root.cfg.Acquisition.TimeoutMultiplier = 5
	root.cfg.Acquisition.SpotThreshold = 1
	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected a validation error for a spot threshold of 1")
	}

	out, err = execute(t, root, "version")
	if err != nil || !strings.Contains(out, "Megafield "+version) {
		t.Fatalf("unexpected version output %q (%v)", out, err)
	}
}

func TestRegionsDirectoryAndCalibrationRegions(t *testing.T) {
	var regionsDir string
	root, dir := newTestRoot(t, func(cfg *config.Config) {
		regionsDir = filepath.Join(filepath.Dir(cfg.Paths.DatabasePath), "regions")
		cfg.Paths.RegionsDir = regionsDir
	})

	out, err := execute(t, root, "regions")
	if err == nil {
		t.Fatalf("expected an error for a missing regions directory, got %q", out)
	}

	withBox := twoFieldRegion + `roc2:
  name: dark-1
  left: 1.0e-3
  top: 2.0e-3
  right: 1.1e-3
  bottom: 1.9e-3
`
	if err := os.MkdirAll(regionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(regionsDir, "slice-7.yaml"), []byte(withBox), 0o644); err != nil {
		t.Fatal(err)
	}
	byName := strings.Replace(fourFieldRegion, "name: slice-7", "name: slice-8", 1) + `roc2:
  name: dark-1
`
	if err := os.WriteFile(filepath.Join(regionsDir, "slice-8.yml"), []byte(byName), 0o644); err != nil {
		t.Fatal(err)
	}

	// slice-7 is loaded first and stores dark-1, slice-8 refers to it by name.
	out, err = execute(t, root, "regions")
	if err != nil {
		t.Fatalf("regions: %v", err)
	}
	if !strings.Contains(out, "slice-7.yaml") || !strings.Contains(out, "2 fields") || !strings.Contains(out, "4 fields") {
		t.Fatalf("unexpected regions output %q", out)
	}
	rec, err := root.store.CalibrationRegion("dark-1")
	if err != nil {
		t.Fatalf("calibration region not stored: %v", err)
	}
	if rec.Left != 1.0e-3 || rec.Bottom != 1.9e-3 {
		t.Fatalf("unexpected stored box %+v", rec)
	}

	region, err := root.loadRegion("slice-8")
	if err != nil {
		t.Fatalf("load by name: %v", err)
	}
	roc2, _ := region.CalibrationRegions()
	if roc2 == nil || roc2.Right != 1.1e-3 || roc2.Top != 2.0e-3 {
		t.Fatalf("calibration region not completed from the store: %+v", roc2)
	}

	export := filepath.Join(dir, "export", "slice-8.yaml")
	out, err = execute(t, root, "resolve", "slice-8", "--export", export)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "4 fields") || !strings.Contains(out, "Saved to") {
		t.Fatalf("unexpected resolve output %q", out)
	}
	f, err := regions.Load(export)
	if err != nil {
		t.Fatalf("load export: %v", err)
	}
	if f.Name != "slice-8" || f.Overlap == nil || *f.Overlap != 0 || f.ROC2 == nil || f.ROC2.Left != 1.0e-3 {
		t.Fatalf("unexpected exported region %+v", f)
	}
}

// Test helpers

func newTestRoot(t *testing.T, tweak func(*config.Config)) (*Root, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Simulator = config.Simulator{
		Resolution:    [2]int{100, 100},
		PixelSize:     1e-6,
		FrameMillis:   2,
		CameraSize:    128,
		Magnification: 40,
		Payload:       [2]int{8, 8},
	}
	cfg.Paths.OutputDir = filepath.Join(dir, "megafields")
	cfg.Paths.DiagnosticDir = filepath.Join(dir, "diagnostics")
	cfg.Paths.DatabasePath = filepath.Join(dir, "megafield.db")
	if tweak != nil {
		tweak(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	acq := acquisition.NewAcquirer(context.Background(), logger, store, cfg)
	acq.SetTiming(acquisition.Timing{
		TimeoutMultiplier:  1,
		TimeoutMargin:      100 * time.Millisecond,
		DefaultCalibration: time.Second,
	})
	t.Cleanup(acq.Close)

	root := NewRoot(acq, cfg, logger, store)
	root.serveFn = func(context.Context, *Root, server.Backend, string, string) error {
		t.Errorf("unexpected serve")
		return nil
	}
	return root, dir
}

func writeRegion(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "slice-7.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write region: %v", err)
	}
	return path
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd(root)
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, b *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(b.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q: %q", want, b.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeRemote struct {
	statuses  map[string]acquisition.Status
	cancelled string
	closed    bool
}

func (f *fakeRemote) Status(ctx context.Context, id string) (acquisition.Status, error) {
	st, ok := f.statuses[id]
	if !ok {
		return st, errors.New("not found")
	}
	return st, nil
}

func (f *fakeRemote) Cancel(ctx context.Context, id string) (acquisition.Status, error) {
	st, err := f.Status(ctx, id)
	if err != nil {
		return st, err
	}
	f.cancelled = id
	st.State = "cancelled"
	return st, nil
}

func (f *fakeRemote) List(ctx context.Context) ([]acquisition.Status, error) {
	var out []acquisition.Status
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}
