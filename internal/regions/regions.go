// Package regions reads and writes regions of acquisition as YAML files and
// keeps a region in sync with its file.
package regions

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"megafield/internal/acquisition"
	"megafield/internal/geometry"
)

// File is the on-disk form of a region of acquisition. Points are x, y in
// metres with y pointing up.
type File struct {
	Name    string                         `yaml:"name"`
	Overlap *float64                       `yaml:"overlap,omitempty"`
	Points  [][2]float64                   `yaml:"points"`
	ROC2    *acquisition.CalibrationRegion `yaml:"roc2,omitempty"`
	ROC3    *acquisition.CalibrationRegion `yaml:"roc3,omitempty"`
}

// Parse decodes a region file.
func Parse(data []byte) (File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return File{}, fmt.Errorf("regions: file is empty")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("regions: decode: %w", err)
	}
	if f.Name == "" {
		return File{}, fmt.Errorf("regions: region has no name")
	}
	if len(f.Points) == 0 {
		return File{}, fmt.Errorf("regions: region %q has no points", f.Name)
	}
	return f, nil
}

// Load reads a region file from disk.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("regions: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Save writes f to path.
func Save(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("regions: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("regions: create directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// List returns the region files in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isRegionFile(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isRegionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// PointList converts the points.
func (f File) PointList() []geometry.Point {
	pts := make([]geometry.Point, len(f.Points))
	for i, p := range f.Points {
		pts[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	return pts
}

// Build creates a region with the given field geometry. defaultOverlap is
// used when the file does not set one.
func (f File) Build(field acquisition.FieldGeometry, defaultOverlap float64) (*acquisition.Region, error) {
	overlap := defaultOverlap
	if f.Overlap != nil {
		overlap = *f.Overlap
	}
	r, err := acquisition.NewRegion(f.Name, field, overlap)
	if err != nil {
		return nil, err
	}
	r.SetCalibrationRegions(f.ROC2, f.ROC3)
	if err := r.SetPoints(f.PointList()); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply updates an existing region from f. The name is not changed.
func (f File) Apply(r *acquisition.Region) error {
	if f.Overlap != nil && *f.Overlap != r.Overlap() {
		if err := r.SetOverlap(*f.Overlap); err != nil {
			return err
		}
	}
	r.SetCalibrationRegions(f.ROC2, f.ROC3)
	return r.SetPoints(f.PointList())
}

// FromRegion captures a region in file form.
func FromRegion(r *acquisition.Region) File {
	overlap := r.Overlap()
	roc2, roc3 := r.CalibrationRegions()
	f := File{Name: r.Name(), Overlap: &overlap, ROC2: roc2, ROC3: roc3}
	for _, p := range r.Points() {
		f.Points = append(f.Points, [2]float64{p.X, p.Y})
	}
	return f
}
