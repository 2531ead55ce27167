// Package registration locates a regular grid of bright spots in a camera
// image.
package registration

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"megafield/internal/hardware"
)

var (
	ErrNoSignal       = errors.New("image has no signal")
	ErrTooFewSpots    = errors.New("not enough spots found for the grid")
	ErrDegenerateGrid = errors.New("spot grid could not be fitted")
	ErrBadFrame       = errors.New("frame size does not match its pixels")
)

// Spot is a connected bright region.
type Spot struct {
	X, Y   float64 // intensity weighted centroid, pixels
	Weight float64 // summed intensity above the threshold
	Pixels int
}

// GridFit is a similarity transform mapping grid coordinates, centred on
// the middle of the grid, to image pixels.
type GridFit struct {
	CenterX  float64
	CenterY  float64
	Pitch    float64 // pixels between neighbouring spots
	Rotation float64 // radians
	// Error is the RMS distance in pixels between the spots and the fitted
	// grid positions.
	Error float64
}

// FitGrid finds an n x n grid of spots whose intensity exceeds
// thresholdRel times the brightest pixel.
func FitGrid(f hardware.Frame, n int, thresholdRel float64) (GridFit, error) {
	if n < 2 {
		return GridFit{}, fmt.Errorf("grid size must be at least 2, got %d", n)
	}
	if thresholdRel <= 0 || thresholdRel >= 1 {
		return GridFit{}, fmt.Errorf("relative threshold must be in (0, 1), got %v", thresholdRel)
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height {
		return GridFit{}, fmt.Errorf("%w: %dx%d with %d pixels", ErrBadFrame, f.Width, f.Height, len(f.Pix))
	}
	maxV := f.Max()
	if maxV == 0 {
		return GridFit{}, ErrNoSignal
	}
	threshold := thresholdRel * float64(maxV)

	spots := FindSpots(f, threshold)
	if len(spots) < n*n {
		return GridFit{}, fmt.Errorf("%w: found %d, need %d", ErrTooFewSpots, len(spots), n*n)
	}
	if len(spots) > n*n {
		sort.SliceStable(spots, func(i, j int) bool { return spots[i].Weight > spots[j].Weight })
		spots = spots[:n*n]
	}
	ordered := orderGrid(spots, n)
	return fitSimilarity(ordered, n)
}

// FindSpots labels 8-connected regions of pixels strictly above threshold.
func FindSpots(f hardware.Frame, threshold float64) []Spot {
	labels := make([]int32, len(f.Pix))
	var spots []Spot
	var stack []int
	for start, v := range f.Pix {
		if float64(v) <= threshold || labels[start] != 0 {
			continue
		}
		label := int32(len(spots) + 1)
		var sx, sy, sw float64
		count := 0
		labels[start] = label
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%f.Width, p/f.Width
			w := float64(f.Pix[p]) - threshold
			sx += w * float64(x)
			sy += w * float64(y)
			sw += w
			count++
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= f.Width || ny >= f.Height {
						continue
					}
					q := ny*f.Width + nx
					if labels[q] != 0 || float64(f.Pix[q]) <= threshold {
						continue
					}
					labels[q] = label
					stack = append(stack, q)
				}
			}
		}
		spots = append(spots, Spot{X: sx / sw, Y: sy / sw, Weight: sw, Pixels: count})
	}
	return spots
}

// orderGrid sorts n*n spots into rows top to bottom, each left to right.
// It assumes the grid rotation is well below the angle between rows.
func orderGrid(spots []Spot, n int) []Spot {
	out := append([]Spot(nil), spots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Y < out[j].Y })
	for r := 0; r < n; r++ {
		row := out[r*n : (r+1)*n]
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
	}
	return out
}

// fitSimilarity solves, in the least squares sense,
//
//	x = a*u - b*v + tx
//	y = b*u + a*v + ty
//
// for grid coordinates (u, v) centred on the grid middle.
func fitSimilarity(spots []Spot, n int) (GridFit, error) {
	m := len(spots)
	A := mat.NewDense(2*m, 4, nil)
	obs := mat.NewVecDense(2*m, nil)
	half := float64(n-1) / 2
	for k, s := range spots {
		u := float64(k%n) - half
		v := float64(k/n) - half
		A.SetRow(2*k, []float64{u, -v, 1, 0})
		A.SetRow(2*k+1, []float64{v, u, 0, 1})
		obs.SetVec(2*k, s.X)
		obs.SetVec(2*k+1, s.Y)
	}

	var qr mat.QR
	qr.Factorize(A)
	params := mat.NewDense(4, 1, nil)
	if err := qr.SolveTo(params, false, obs); err != nil {
		return GridFit{}, fmt.Errorf("%w: %v", ErrDegenerateGrid, err)
	}
	a, b := params.At(0, 0), params.At(1, 0)
	fit := GridFit{
		CenterX:  params.At(2, 0),
		CenterY:  params.At(3, 0),
		Pitch:    math.Hypot(a, b),
		Rotation: math.Atan2(b, a),
	}
	if fit.Pitch == 0 || math.IsNaN(fit.Pitch) {
		return GridFit{}, ErrDegenerateGrid
	}

	var pred mat.VecDense
	pred.MulVec(A, params.ColView(0))
	var sq float64
	for k := 0; k < m; k++ {
		dx := pred.AtVec(2*k) - obs.AtVec(2*k)
		dy := pred.AtVec(2*k+1) - obs.AtVec(2*k+1)
		sq += dx*dx + dy*dy
	}
	fit.Error = math.Sqrt(sq / float64(m))
	return fit, nil
}
