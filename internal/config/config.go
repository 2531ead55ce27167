package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/megafield/config.json"
	defaultOverlap    = 0.06
)

// Config holds user-editable settings for acquisitions and the services
// around them.
type Config struct {
	Acquisition Acquisition `json:"acquisition"`
	Calibration Calibration `json:"calibration"`
	Overview    Overview    `json:"overview"`
	Simulator   Simulator   `json:"simulator"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Storage     Storage     `json:"storage"`
	Server      Server      `json:"server"`
}

// Acquisition controls the megafield tile loop.
type Acquisition struct {
	Overlap           float64 `json:"overlap"`
	TileOverheadSec   float64 `json:"tile_overhead_sec"`  // stage move and bookkeeping per tile
	TimeoutMultiplier float64 `json:"timeout_multiplier"` // applied to frame + overhead
	TimeoutMarginSec  float64 `json:"timeout_margin_sec"`
	SpotThreshold     float64 `json:"spot_threshold"` // relative to the brightest pixel
	SpotGridSize      int     `json:"spot_grid_size"`
	SaveFullCells     bool    `json:"save_full_cells"`
	User              string  `json:"user"`
	SubPath           string  `json:"sub_path"`
	SettingsSnapshot  bool    `json:"settings_snapshot"`
}

// Calibration configures the pre-calibration step.
type Calibration struct {
	Retries         int                `json:"retries"`
	Jitter          float64            `json:"jitter"` // in fields, applied per retry
	EstimatesSec    map[string]float64 `json:"estimates_sec"`
	DefaultEstimate float64            `json:"default_estimate_sec"`
}

// Overview configures single-beam overview images.
type Overview struct {
	StagePrecision  float64 `json:"stage_precision"` // metres
	TileOverheadSec float64 `json:"tile_overhead_sec"`
	Resolution      [2]int  `json:"resolution"`
	DwellTime       float64 `json:"dwell_time"`
	HorizontalFOV   float64 `json:"horizontal_fov"`
}

// Simulator configures the simulated instrument used by the CLI and tests.
type Simulator struct {
	Resolution    [2]int     `json:"resolution"`
	PixelSize     float64    `json:"pixel_size"`
	FrameMillis   int        `json:"frame_ms"`
	MoveMillis    int        `json:"move_ms"`
	FailTile      string     `json:"fail_tile"` // "col,row" that never delivers data
	Drift         [2]float64 `json:"drift_px"`
	CameraSize    int        `json:"camera_size"`
	Magnification float64    `json:"magnification"`
	Payload       [2]int     `json:"payload"` // tile image size, zero for empty frames
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	OutputDir     string `json:"output_dir"`
	DiagnosticDir string `json:"diagnostic_dir"`
	RegionsDir    string `json:"regions_dir"`
	DatabasePath  string `json:"database_path"`
}

// Storage selects the database driver.
type Storage struct {
	Driver string `json:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// Server holds listen addresses.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("MEGAFIELD_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Acquisition: Acquisition{
			Overlap:           defaultOverlap,
			TileOverheadSec:   1.5,
			TimeoutMultiplier: 5,
			TimeoutMarginSec:  2,
			SpotThreshold:     0.5,
			SpotGridSize:      8,
			User:              "megafield-user",
			SettingsSnapshot:  true,
		},
		Calibration: Calibration{
			Retries: 3,
			Jitter:  0.1,
			EstimatesSec: map[string]float64{
				"optical_autofocus": 60,
				"image_translation": 30,
				"dark_offset":       20,
				"digital_gain":      20,
				"scan_rotation":     30,
				"descan_gain":       45,
				"image_rotation":    30,
				"scan_amplitude":    45,
			},
			DefaultEstimate: 30,
		},
		Overview: Overview{
			StagePrecision:  29e-6,
			TileOverheadSec: 1,
			Resolution:      [2]int{6400, 6400},
			DwellTime:       1e-6,
			HorizontalFOV:   1.5e-3,
		},
		Simulator: Simulator{
			Resolution:    [2]int{6400, 6400},
			PixelSize:     4e-9,
			FrameMillis:   40,
			MoveMillis:    5,
			CameraSize:    256,
			Magnification: 40,
			Payload:       [2]int{64, 64},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			OutputDir:     "./megafields",
			DiagnosticDir: filepath.Join(os.TempDir(), "megafield-diagnostics"),
			RegionsDir:    "./regions",
			DatabasePath:  filepath.Join(os.TempDir(), "megafield.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
