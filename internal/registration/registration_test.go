package registration

import (
	"context"
	"errors"
	"math"
	"testing"

	"megafield/internal/hardware"
)

func spotFrame(t *testing.T, size, grid int, dx, dy float64) hardware.Frame {
	t.Helper()
	cam := hardware.NewSimCamera(size, grid, nil, nil)
	cam.SetDrift(dx, dy)
	f, err := cam.Capture(context.Background(), true)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	return f
}

func TestFitGridRecoversCenter(t *testing.T) {
	cases := []struct {
		name   string
		dx, dy float64
	}{
		{"centred", 0, 0},
		{"shifted", 4.3, -2.6},
		{"far", -11.2, 7.9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := spotFrame(t, 256, 8, tc.dx, tc.dy)
			fit, err := FitGrid(f, 8, 0.5)
			if err != nil {
				t.Fatalf("fit failed: %v", err)
			}
			wantX, wantY := 128+tc.dx, 128+tc.dy
			if math.Abs(fit.CenterX-wantX) > 0.2 || math.Abs(fit.CenterY-wantY) > 0.2 {
				t.Fatalf("centre (%.2f, %.2f), want (%.2f, %.2f)", fit.CenterX, fit.CenterY, wantX, wantY)
			}
			if math.Abs(fit.Pitch-25.6) > 0.2 {
				t.Fatalf("pitch %.2f, want 25.6", fit.Pitch)
			}
			if math.Abs(fit.Rotation) > 0.01 {
				t.Fatalf("rotation %.4f, want 0", fit.Rotation)
			}
			if fit.Error > 0.5 {
				t.Fatalf("fit error %.3f too large", fit.Error)
			}
		})
	}
}

func TestFitGridKeepsBrightestSpots(t *testing.T) {
	f := spotFrame(t, 256, 4, 0, 0)
	// A faint speck away from the grid.
	f.Set(5, 5, f.Max()*6/10)
	fit, err := FitGrid(f, 4, 0.5)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if math.Abs(fit.CenterX-128) > 0.2 || math.Abs(fit.CenterY-128) > 0.2 {
		t.Fatalf("speck pulled the centre to (%.2f, %.2f)", fit.CenterX, fit.CenterY)
	}
}

func TestFitGridFailures(t *testing.T) {
	if _, err := FitGrid(hardware.NewFrame(32, 32), 8, 0.5); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}

	for _, bad := range []hardware.Frame{
		{},
		{Width: 32, Height: 32, Pix: make([]uint16, 100)},
		{Width: 0, Height: 4, Pix: make([]uint16, 4)},
	} {
		if _, err := FitGrid(bad, 8, 0.5); !errors.Is(err, ErrBadFrame) {
			t.Fatalf("expected ErrBadFrame for %dx%d/%d, got %v", bad.Width, bad.Height, len(bad.Pix), err)
		}
	}
	if _, err := FitGrid(spotFrame(t, 256, 8, 0, 0), 8, 1); err == nil {
		t.Fatalf("expected error for a threshold of 1")
	}

	f := spotFrame(t, 256, 2, 0, 0)
	if _, err := FitGrid(f, 8, 0.5); !errors.Is(err, ErrTooFewSpots) {
		t.Fatalf("expected ErrTooFewSpots, got %v", err)
	}

	if _, err := FitGrid(f, 1, 0.5); err == nil {
		t.Fatalf("expected error for a 1x1 grid")
	}
	if _, err := FitGrid(f, 2, 1.5); err == nil {
		t.Fatalf("expected error for threshold above 1")
	}
}

func TestFindSpotsLabelsConnectedRegions(t *testing.T) {
	f := hardware.NewFrame(10, 10)
	f.Set(1, 1, 100)
	f.Set(2, 2, 100) // diagonal neighbour, same spot
	f.Set(7, 7, 50)
	spots := FindSpots(f, 10)
	if len(spots) != 2 {
		t.Fatalf("expected 2 spots, got %d: %+v", len(spots), spots)
	}
	if spots[0].Pixels != 2 || spots[0].X != 1.5 || spots[0].Y != 1.5 {
		t.Fatalf("unexpected first spot %+v", spots[0])
	}
}
