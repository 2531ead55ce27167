// Package geometry converts a polygonal region into the set of grid cells
// (fields) needed to cover it.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Oversampling controls how densely polygon edges are sampled, as a fraction
// of the smaller pitch dimension. 4 was found empirically to avoid stepping
// over the corner of a field on near-axis-aligned edges.
var Oversampling = 4.0

// eps absorbs floating point noise when a coordinate lies on a grid line.
const eps = 1e-9

var (
	ErrEmptyPolygon = errors.New("polygon has no points")
	ErrInvalidPitch = errors.New("pitch must be positive on both axes")
)

// Point is a physical coordinate in metres. X points right, Y points up.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Index identifies a field in the grid. Row 0 is the top row.
type Index struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

func (i Index) String() string {
	return fmt.Sprintf("(%d,%d)", i.Col, i.Row)
}

// Pitch is the distance between the centres of two neighbouring fields,
// i.e. the field size minus the overlap, per axis.
type Pitch struct {
	X float64
	Y float64
}

// PitchFor returns the pitch of fields of the given physical size with the
// given fractional overlap.
func PitchFor(fieldWidth, fieldHeight, overlap float64) Pitch {
	return Pitch{X: fieldWidth * (1 - overlap), Y: fieldHeight * (1 - overlap)}
}

func (p Pitch) valid() bool {
	return p.X > 0 && p.Y > 0 && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Rect is an axis aligned bounding box.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width of the rectangle.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height of the rectangle.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// BoundingBox returns the bounding box of the points. The zero Rect is
// returned for an empty slice.
func BoundingBox(points []Point) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	r := Rect{MinX: points[0].X, MinY: points[0].Y, MaxX: points[0].X, MaxY: points[0].Y}
	for _, p := range points[1:] {
		r.MinX = math.Min(r.MinX, p.X)
		r.MinY = math.Min(r.MinY, p.Y)
		r.MaxX = math.Max(r.MaxX, p.X)
		r.MaxY = math.Max(r.MaxY, p.Y)
	}
	return r
}

// Resolve returns every field index needed to cover the polygon, including
// its interior. Indices are ordered top row first, left to right; callers
// must not rely on the order beyond completeness.
func Resolve(points []Point, pitch Pitch) ([]Index, error) {
	if len(points) == 0 {
		return nil, ErrEmptyPolygon
	}
	if !pitch.valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidPitch, pitch)
	}

	bbox := BoundingBox(points)
	shifted := make([]Point, len(points))
	for i, p := range points {
		shifted[i] = Point{X: p.X - bbox.MinX, Y: p.Y - bbox.MinY}
	}

	g := newGridder(bbox, pitch)
	cells := g.boundaryCells(shifted)

	if len(cells) == 1 {
		// A polygon inside a single field needs no filling.
		return []Index{{Col: cells[0].col, Row: cells[0].row}}, nil
	}

	filled := fillInterior(cells, g.maxRow+1, g.maxCol+1)

	// Rows were counted upwards from the bottom of the bounding box, the
	// acquisition grid counts them downwards from the top.
	rows := len(filled)
	var indices []Index
	for r := rows - 1; r >= 0; r-- {
		for c, v := range filled[r] {
			if v {
				indices = append(indices, Index{Col: c, Row: rows - 1 - r})
			}
		}
	}
	return indices, nil
}

type cell struct {
	row, col int
}

type gridder struct {
	pitch  Pitch
	maxRow int
	maxCol int
}

func newGridder(bbox Rect, pitch Pitch) *gridder {
	return &gridder{
		pitch:  pitch,
		maxRow: lastCell(bbox.Height(), pitch.Y),
		maxCol: lastCell(bbox.Width(), pitch.X),
	}
}

// lastCell is the highest index a point within [0, extent] can map to. A
// point exactly on the far edge of the bounding box belongs to the last
// field that the extent touches, not to a new one.
func lastCell(extent, pitch float64) int {
	n := int(math.Ceil(extent/pitch-eps)) - 1
	if n < 0 {
		return 0
	}
	return n
}

func (g *gridder) cellOf(p Point) cell {
	return cell{
		row: clamp(int(math.Floor(p.Y/g.pitch.Y+eps)), g.maxRow),
		col: clamp(int(math.Floor(p.X/g.pitch.X+eps)), g.maxCol),
	}
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// boundaryCells walks every edge of the polygon and returns the distinct
// cells it passes through, in discovery order.
func (g *gridder) boundaryCells(polygon []Point) []cell {
	seen := make(map[cell]struct{})
	var cells []cell
	add := func(c cell) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		cells = append(cells, c)
	}

	step := math.Min(g.pitch.X, g.pitch.Y) / Oversampling
	for i := range polygon {
		p1 := polygon[i]
		p2 := polygon[(i+len(polygon)-1)%len(polygon)]

		dx := p2.X - p1.X
		dy := p2.Y - p1.Y
		largest := math.Max(math.Abs(dx), math.Abs(dy))
		if largest == 0 {
			add(g.cellOf(p1))
			continue
		}

		nsteps := int(math.Ceil(largest / step))
		sx := step * dx / largest
		sy := step * dy / largest
		for n := 0; n < nsteps; n++ {
			add(g.cellOf(Point{X: p1.X + float64(n)*sx, Y: p1.Y + float64(n)*sy}))
		}

		// Stepping can still cut a corner that the edge only grazes. Every
		// stretch between two grid line crossings lies in a single field,
		// so sampling their midpoints catches those.
		ts := crossings(p1, p2, g.pitch)
		for k := 1; k < len(ts); k++ {
			t := (ts[k-1] + ts[k]) / 2
			add(g.cellOf(Point{X: p1.X + t*dx, Y: p1.Y + t*dy}))
		}
	}
	return cells
}

// crossings returns the sorted edge parameters in [0, 1] at which the edge
// p1->p2 crosses a vertical or horizontal grid line, including both ends.
func crossings(p1, p2 Point, pitch Pitch) []float64 {
	ts := []float64{0, 1}
	lines := func(a, b, size float64) {
		if a == b {
			return
		}
		lo, hi := math.Min(a, b), math.Max(a, b)
		for k := math.Ceil(lo / size); k*size < hi; k++ {
			if t := (k*size - a) / (b - a); t > 0 && t < 1 {
				ts = append(ts, t)
			}
		}
	}
	lines(p1.X, p2.X, pitch.X)
	lines(p1.Y, p2.Y, pitch.Y)
	sort.Float64s(ts)
	return ts
}

// fillInterior marks the boundary cells on a rows x cols grid and fills
// everything they enclose.
func fillInterior(boundary []cell, rows, cols int) [][]bool {
	const pad = 1
	grid := newGrid(rows+2*pad, cols+2*pad)
	for _, c := range boundary {
		grid[c.row+pad][c.col+pad] = true
	}

	// The padded corner is always outside the polygon, so whatever the fill
	// cannot reach from there is enclosed.
	outside := FloodFill(grid, 0, 0)

	out := newGrid(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r][c] = grid[r+pad][c+pad] || !outside[r+pad][c+pad]
		}
	}
	return out
}

func newGrid(rows, cols int) [][]bool {
	g := make([][]bool, rows)
	for r := range g {
		g[r] = make([]bool, cols)
	}
	return g
}

// FloodFill returns a mask of the false cells 4-connected to the seed cell.
// The seed itself must be false, otherwise the mask is empty.
func FloodFill(grid [][]bool, seedRow, seedCol int) [][]bool {
	rows := len(grid)
	if rows == 0 {
		return nil
	}
	cols := len(grid[0])
	reached := newGrid(rows, cols)
	if seedRow < 0 || seedRow >= rows || seedCol < 0 || seedCol >= cols || grid[seedRow][seedCol] {
		return reached
	}

	stack := []cell{{row: seedRow, col: seedCol}}
	reached[seedRow][seedCol] = true
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range [4]cell{{c.row - 1, c.col}, {c.row + 1, c.col}, {c.row, c.col - 1}, {c.row, c.col + 1}} {
			if n.row < 0 || n.row >= rows || n.col < 0 || n.col >= cols {
				continue
			}
			if grid[n.row][n.col] || reached[n.row][n.col] {
				continue
			}
			reached[n.row][n.col] = true
			stack = append(stack, n)
		}
	}
	return reached
}
