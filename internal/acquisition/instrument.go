package acquisition

import (
	"megafield/internal/config"
	"megafield/internal/fsutil"
	"megafield/internal/hardware"
)

// SimulatedInstrument wires a simulated instrument for megafield runs and
// overviews.
func SimulatedInstrument(sim *hardware.SimInstrument) (Instrument, OverviewStream) {
	hw := Instrument{
		Scanner:    sim.Scanner,
		MultiBeam:  sim.MultiBeam,
		Detector:   sim.Detector,
		ScanStage:  sim.Stage,
		Camera:     sim.Camera,
		BeamShift:  sim.BeamShift,
		Lens:       sim.Lens,
		Calibrator: sim.Calibrator,
		Settings:   sim.Settings,
	}
	stream := OverviewStream{Scanner: sim.Scanner, Detector: sim.Detector, Tiler: sim.Tiler}
	return hw, stream
}

// OptionsFromConfig returns run options with the configured defaults. Tiles
// are written below the output directory when one is set.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		SubPath:       cfg.Acquisition.SubPath,
		SaveFullCells: cfg.Acquisition.SaveFullCells,
		SpotThreshold: cfg.Acquisition.SpotThreshold,
		SpotGridSize:  cfg.Acquisition.SpotGridSize,
		DiagnosticDir: cfg.Paths.DiagnosticDir,
	}
	if cfg.Paths.OutputDir != "" {
		opts.Sink = fsutil.TileWriter{Root: cfg.Paths.OutputDir}
	}
	return opts
}
