package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by New. "sqlite" is the pure Go driver, "sqlite3" needs cgo.
const (
	DriverPure = "sqlite"
	DriverCgo  = "sqlite3"
)

// Store wraps SQLite-backed persistence for acquisition runs and tiles.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverPure, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverPure
	case DriverPure, DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS acquisition_runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            region TEXT,
            status TEXT NOT NULL,
            tiles_total INTEGER DEFAULT 0,
            tiles_acquired INTEGER DEFAULT 0,
            estimate_sec REAL,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tile_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            col INTEGER NOT NULL,
            row INTEGER NOT NULL,
            status TEXT NOT NULL,
            path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS calibration_regions (
            name TEXT PRIMARY KEY,
            left_m REAL,
            top_m REAL,
            right_m REAL,
            bottom_m REAL,
            params_json TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tile_records_run_id ON tile_records(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID            string
	Kind          string
	Region        string
	Status        string
	TilesTotal    int
	TilesAcquired int
	EstimateSec   float64
	OptionsJSON   string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TileRecord captures the outcome of one tile.
type TileRecord struct {
	RunID  string
	Col    int
	Row    int
	Status string
	Path   string
}

// CalibrationRegionRecord stores a calibration region for reuse.
type CalibrationRegionRecord struct {
	Name   string
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
	Params map[string]any
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO acquisition_runs (id, kind, region, status, tiles_total, estimate_sec, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Region, rec.Status, rec.TilesTotal, rec.EstimateSec, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE acquisition_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, acquired int, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE acquisition_runs SET status=?, tiles_acquired=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, acquired, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordTile persists the outcome of a single tile.
func (s *Store) RecordTile(rec TileRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO tile_records (run_id, col, row, status, path) VALUES (?, ?, ?, ?, ?);`,
		rec.RunID, rec.Col, rec.Row, rec.Status, rec.Path)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, region, status, tiles_total, tiles_acquired, estimate_sec, options_json, created_at, started_at, completed_at, error_message FROM acquisition_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var region, opts, errorMsg sql.NullString
		var estimate sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.Kind, &region, &rec.Status, &rec.TilesTotal, &rec.TilesAcquired, &estimate, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.Region = region.String
		rec.OptionsJSON = opts.String
		rec.EstimateSec = estimate.Float64
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunTiles returns the tile records of a run in insertion order.
func (s *Store) RunTiles(runID string) ([]TileRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, col, row, status, path FROM tile_records WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TileRecord
	for rows.Next() {
		var rec TileRecord
		var path sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Col, &rec.Row, &rec.Status, &path); err != nil {
			return nil, err
		}
		rec.Path = path.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// SaveCalibrationRegion inserts or replaces a calibration region.
func (s *Store) SaveCalibrationRegion(rec CalibrationRegionRecord) error {
	if s == nil {
		return nil
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO calibration_regions (name, left_m, top_m, right_m, bottom_m, params_json, updated_at) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.Name, rec.Left, rec.Top, rec.Right, rec.Bottom, string(params))
	return err
}

// CalibrationRegion loads a calibration region by name.
func (s *Store) CalibrationRegion(name string) (CalibrationRegionRecord, error) {
	if s == nil {
		return CalibrationRegionRecord{}, errors.New("store not initialized")
	}
	rec := CalibrationRegionRecord{Name: name}
	var params string
	err := s.DB.QueryRow(`SELECT left_m, top_m, right_m, bottom_m, params_json FROM calibration_regions WHERE name=?;`, name).
		Scan(&rec.Left, &rec.Top, &rec.Right, &rec.Bottom, &params)
	if err != nil {
		return rec, err
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return rec, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return rec, nil
}
