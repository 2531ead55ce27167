package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("MEGAFIELD_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Acquisition.Overlap != defaultOverlap {
		t.Fatalf("expected default overlap, got %v", cfg.Acquisition.Overlap)
	}
	if cfg.Acquisition.TimeoutMultiplier != 5 || cfg.Calibration.Retries != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg.Acquisition)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"acquisition": {"overlap": 0.1, "user": "lab"}, "storage": {"driver": "sqlite3"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MEGAFIELD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Acquisition.Overlap != 0.1 || cfg.Acquisition.User != "lab" {
		t.Fatalf("file values not applied: %+v", cfg.Acquisition)
	}
	// Untouched keys keep their defaults.
	if cfg.Acquisition.TileOverheadSec != 1.5 {
		t.Fatalf("expected default overhead, got %v", cfg.Acquisition.TileOverheadSec)
	}
	if cfg.Storage.Driver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.Storage.Driver)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MEGAFIELD_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected decode error")
	}
}
