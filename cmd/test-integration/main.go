package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/fsutil"
	"megafield/internal/geometry"
	"megafield/internal/hardware"
	"megafield/internal/storage"
)

func main() {
	fmt.Println("🔍 Testing simulated megafield acquisition end to end")

	work, err := os.MkdirTemp("", "megafield-integration-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(work)

	// Setup storage
	store, err := storage.New(filepath.Join(work, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Simulator.Resolution = [2]int{400, 400}
	cfg.Simulator.PixelSize = 1e-7
	cfg.Simulator.FrameMillis = 20
	cfg.Simulator.Drift = [2]float64{2, -1}
	cfg.Paths.OutputDir = filepath.Join(work, "tiles")
	cfg.Paths.DiagnosticDir = filepath.Join(work, "diagnostics")

	sim, err := hardware.NewSimInstrument(cfg.Simulator)
	if err != nil {
		log.Fatal("Failed to create simulated instrument:", err)
	}
	sim.Calibrator.Duration = 50 * time.Millisecond
	hw, _ := acquisition.SimulatedInstrument(sim)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	acq := acquisition.NewAcquirer(context.Background(), logger, store, cfg)
	defer acq.Close()

	region, err := acquisition.NewRegion("integration", acquisition.FieldGeometryOf(sim.MultiBeam), cfg.Acquisition.Overlap)
	if err != nil {
		log.Fatal("Failed to create region:", err)
	}
	// Roughly 3 x 2 fields.
	if err := region.SetPoints([]geometry.Point{{X: 0, Y: 0}, {X: 1.1e-4, Y: 0}, {X: 1.1e-4, Y: 7e-5}, {X: 0, Y: 7e-5}}); err != nil {
		log.Fatal("Failed to set region points:", err)
	}
	fmt.Printf("📐 Region %s: %d fields\n", region.Name(), len(region.Indices()))

	cals := []string{"dark_offset", "digital_gain"}
	est := acq.EstimateAcquisitionTime(region, sim.Detector.FrameDuration(), cals)
	fmt.Printf("⏱️  Estimated duration: %s\n", est.Round(time.Second))

	opts := acquisition.OptionsFromConfig(cfg)
	opts.PreCalibrations = cals
	run, err := acq.Acquire(context.Background(), region, hw, opts)
	if err != nil {
		log.Fatal("Failed to start acquisition:", err)
	}
	run.OnProgress(func(start, end time.Time) {
		fmt.Printf("⏳ %d fields left, expected end %s\n", run.Task().Remaining(), end.Format("15:04:05"))
	})

	res, err := run.Result(2 * time.Minute)
	if err != nil {
		log.Fatal("Acquisition failed:", err)
	}
	if res.Err != nil {
		fmt.Printf("⚠️  Partial acquisition: %v\n", res.Err)
	}
	fmt.Printf("✅ Acquired %d fields, beam shift now %v\n", len(res.Tiles), sim.BeamShift.Shift())

	files, err := fsutil.ListTiles(cfg.Paths.OutputDir)
	if err != nil {
		log.Fatal("Failed to list tiles:", err)
	}
	fmt.Printf("📁 %d tile files written\n", len(files))

	// The run record lands just after the future completes.
	time.Sleep(100 * time.Millisecond)
	runs, err := store.RecentRuns(5)
	if err != nil {
		log.Fatal("Failed to read runs:", err)
	}
	for _, r := range runs {
		fmt.Printf("📊 Run %s: %s, %d/%d fields\n", r.ID, r.Status, r.TilesAcquired, r.TilesTotal)
	}
}
