package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"megafield/internal/acquisition"
)

const version = "v0.4.0"

func (r *Root) configShow(w io.Writer) error {
	fmt.Fprintf(w, "Current configuration:\n")
	cfgPath := os.Getenv("MEGAFIELD_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/megafield/config.json"
	}
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)

	a := r.cfg.Acquisition
	fmt.Fprintf(w, "\nAcquisition:\n")
	fmt.Fprintf(w, "  Overlap: %.3g\n", a.Overlap)
	fmt.Fprintf(w, "  Tile overhead: %.3gs\n", a.TileOverheadSec)
	fmt.Fprintf(w, "  Tile timeout: %.3g x (frame + overhead) + %.3gs\n", a.TimeoutMultiplier, a.TimeoutMarginSec)
	fmt.Fprintf(w, "  Spot threshold: %.3g\n", a.SpotThreshold)
	fmt.Fprintf(w, "  User: %s\n", a.User)
	fmt.Fprintf(w, "  Save full cells: %t\n", a.SaveFullCells)

	fmt.Fprintf(w, "\nPre-calibrations (retries %d, jitter %.3g fields):\n", r.cfg.Calibration.Retries, r.cfg.Calibration.Jitter)
	names := make([]string, 0, len(r.cfg.Calibration.EstimatesSec))
	for name := range r.cfg.Calibration.EstimatesSec {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  - %s: %.0fs\n", name, r.cfg.Calibration.EstimatesSec[name])
	}

	fmt.Fprintf(w, "\nPaths:\n")
	fmt.Fprintf(w, "  Output: %s\n", r.cfg.Paths.OutputDir)
	fmt.Fprintf(w, "  Diagnostics: %s\n", r.cfg.Paths.DiagnosticDir)
	fmt.Fprintf(w, "  Regions: %s\n", r.cfg.Paths.RegionsDir)
	fmt.Fprintf(w, "  Database: %s (%s)\n", r.cfg.Paths.DatabasePath, r.cfg.Storage.Driver)

	fmt.Fprintf(w, "\nLogging: %s, %s\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	fmt.Fprintf(w, "Servers: http %s, grpc %s\n", r.cfg.Server.HTTPAddr, r.cfg.Server.GRPCAddr)
	return nil
}

// configValidate checks the values the acquisition relies on.
func (r *Root) configValidate() error {
	a := r.cfg.Acquisition
	if a.Overlap < 0 || a.Overlap >= 1 {
		return fmt.Errorf("acquisition.overlap %v must be in [0, 1)", a.Overlap)
	}
	if a.TimeoutMultiplier < 2 {
		return fmt.Errorf("acquisition.timeout_multiplier %v must be at least 2", a.TimeoutMultiplier)
	}
	if a.SpotThreshold <= 0 || a.SpotThreshold >= 1 {
		return fmt.Errorf("acquisition.spot_threshold %v must be in (0, 1)", a.SpotThreshold)
	}
	if r.cfg.Calibration.Retries < 1 {
		return fmt.Errorf("calibration.retries must be at least 1")
	}
	switch r.cfg.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q must be sqlite or sqlite3", r.cfg.Storage.Driver)
	}
	return nil
}

func (r *Root) cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "Megafield %s\n", version)
	fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
	t := acquisition.TimingFromConfig(r.cfg)
	fmt.Fprintf(w, "Tile timeout multiplier: %.3g\n", t.TimeoutMultiplier)
}
