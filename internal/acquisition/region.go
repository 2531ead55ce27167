package acquisition

import (
	"fmt"
	"sort"
	"sync"

	"megafield/internal/geometry"
	"megafield/internal/hardware"
)

// FieldGeometry describes a single field image of the multibeam scanner.
type FieldGeometry struct {
	Resolution hardware.Resolution `json:"resolution" yaml:"resolution"`
	PixelSize  [2]float64          `json:"pixel_size" yaml:"pixel_size"`
}

// FieldGeometryOf reads the current field geometry of the scanner.
func FieldGeometryOf(mb hardware.MultiBeam) FieldGeometry {
	px, py := mb.PixelSize()
	return FieldGeometry{Resolution: mb.Resolution(), PixelSize: [2]float64{px, py}}
}

// Size returns the physical width and height of a field in metres.
func (g FieldGeometry) Size() (float64, float64) {
	return float64(g.Resolution.X) * g.PixelSize[0], float64(g.Resolution.Y) * g.PixelSize[1]
}

func (g FieldGeometry) valid() bool {
	return g.Resolution.X > 0 && g.Resolution.Y > 0 && g.PixelSize[0] > 0 && g.PixelSize[1] > 0
}

// CalibrationRegion is a region used to calibrate the detector. Its box is
// given as left, top, right, bottom in metres.
type CalibrationRegion struct {
	Name   string         `json:"name" yaml:"name"`
	Left   float64        `json:"left" yaml:"left"`
	Top    float64        `json:"top" yaml:"top"`
	Right  float64        `json:"right" yaml:"right"`
	Bottom float64        `json:"bottom" yaml:"bottom"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

func (c *CalibrationRegion) clone() *CalibrationRegion {
	if c == nil {
		return nil
	}
	out := *c
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return &out
}

// Region is a region of acquisition: a polygon that is acquired as a grid
// of overlapping fields. The field indices are recomputed whenever the
// points, the overlap or the field geometry change.
type Region struct {
	mu      sync.RWMutex
	name    string
	points  []geometry.Point
	overlap float64
	field   FieldGeometry
	indices []geometry.Index
	roc2    *CalibrationRegion // dark offset and digital gain
	roc3    *CalibrationRegion // field corrections

	subMu   sync.Mutex
	subs    map[int]func(*Region)
	nextSub int
}

// NewRegion returns an empty region.
func NewRegion(name string, field FieldGeometry, overlap float64) (*Region, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: region needs a name", ErrConfiguration)
	}
	if err := checkOverlap(overlap); err != nil {
		return nil, err
	}
	if !field.valid() {
		return nil, fmt.Errorf("%w: invalid field geometry %+v", ErrConfiguration, field)
	}
	return &Region{name: name, overlap: overlap, field: field, subs: make(map[int]func(*Region))}, nil
}

func checkOverlap(overlap float64) error {
	if overlap < 0 || overlap >= 1 {
		return fmt.Errorf("%w: overlap %v must be in [0, 1)", ErrConfiguration, overlap)
	}
	return nil
}

// Name of the region, also the name of the megafield on storage.
func (r *Region) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Points returns a copy of the polygon.
func (r *Region) Points() []geometry.Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]geometry.Point(nil), r.points...)
}

// Overlap returns the fractional overlap between neighbouring fields.
func (r *Region) Overlap() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overlap
}

// Field returns the field geometry used to compute the indices.
func (r *Region) Field() FieldGeometry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.field
}

// Pitch returns the distance between neighbouring field centres.
func (r *Region) Pitch() geometry.Pitch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pitch()
}

func (r *Region) pitch() geometry.Pitch {
	w, h := r.field.Size()
	return geometry.PitchFor(w, h, r.overlap)
}

// Indices returns a copy of the field indices covering the region.
func (r *Region) Indices() []geometry.Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]geometry.Index(nil), r.indices...)
}

// CalibrationRegions returns copies of the two calibration regions.
func (r *Region) CalibrationRegions() (roc2, roc3 *CalibrationRegion) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roc2.clone(), r.roc3.clone()
}

// SetCalibrationRegions assigns the calibration regions.
func (r *Region) SetCalibrationRegions(roc2, roc3 *CalibrationRegion) {
	r.mu.Lock()
	r.roc2, r.roc3 = roc2.clone(), roc3.clone()
	r.mu.Unlock()
}

// SetPoints replaces the polygon and recomputes the indices.
func (r *Region) SetPoints(points []geometry.Point) error {
	r.mu.Lock()
	r.points = append([]geometry.Point(nil), points...)
	err := r.recompute()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// SetOverlap changes the overlap and recomputes the indices.
func (r *Region) SetOverlap(overlap float64) error {
	if err := checkOverlap(overlap); err != nil {
		return err
	}
	r.mu.Lock()
	r.overlap = overlap
	err := r.recompute()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// SetField changes the field geometry and recomputes the indices.
func (r *Region) SetField(field FieldGeometry) error {
	if !field.valid() {
		return fmt.Errorf("%w: invalid field geometry %+v", ErrConfiguration, field)
	}
	r.mu.Lock()
	r.field = field
	err := r.recompute()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// recompute must be called with r.mu held.
func (r *Region) recompute() error {
	if len(r.points) == 0 {
		r.indices = nil
		return nil
	}
	indices, err := geometry.Resolve(r.points, r.pitch())
	if err != nil {
		r.indices = nil
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	r.indices = indices
	return nil
}

// Subscribe registers fn to be called after every change of the indices.
// The returned function removes the subscription.
func (r *Region) Subscribe(fn func(*Region)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Region) notify() {
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Region), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}
