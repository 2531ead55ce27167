package acquisition

import (
	"context"
	"errors"
	"math"
	"testing"

	"megafield/internal/hardware"
	"megafield/internal/registration"
)

func TestDriftCorrectionConverges(t *testing.T) {
	shift := &hardware.SimBeamShift{}
	lens := &hardware.SimLens{Mag: 40}
	cam := hardware.NewSimCamera(128, 8, shift, lens)
	cam.SetDrift(3, -2)
	d := NewDriftCorrector(cam, shift, lens, 8, 0.5, quietLogger())

	c, err := d.Correct(context.Background())
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if math.Abs(c.Found[0]-67) > 0.5 || math.Abs(c.Found[1]-62) > 0.5 {
		t.Fatalf("expected pattern near (67, 62), found %v", c.Found)
	}
	if c.Delta[0] <= 0 || c.Delta[1] <= 0 {
		t.Fatalf("unexpected correction direction %v", c.Delta)
	}

	x, y := cam.PatternCenter()
	if math.Abs(x-64) > 0.5 || math.Abs(y-64) > 0.5 {
		t.Fatalf("pattern not re-centred: (%v, %v)", x, y)
	}

	again, err := d.Correct(context.Background())
	if err != nil {
		t.Fatalf("second correct: %v", err)
	}
	px, _ := cam.PixelSize()
	limit := 0.5 * px / lens.Mag
	if math.Abs(again.Delta[0]) > limit || math.Abs(again.Delta[1]) > limit {
		t.Fatalf("second correction should be negligible, got %v", again.Delta)
	}
}

func TestDriftCorrectionWithoutPattern(t *testing.T) {
	shift := &hardware.SimBeamShift{}
	lens := &hardware.SimLens{Mag: 40}
	cam := hardware.NewSimCamera(128, 8, shift, lens)
	cam.SetDark(true)
	d := NewDriftCorrector(cam, shift, lens, 8, 0.5, quietLogger())

	if _, err := d.Correct(context.Background()); !errors.Is(err, registration.ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}
	if shift.Sets() != 0 {
		t.Fatalf("beam shift must not change")
	}
}

func TestDriftReferenceFormats(t *testing.T) {
	frame := hardware.NewFrame(100, 80)
	cases := []struct {
		name string
		pos  any
		want [2]float64
		err  bool
	}{
		{"ij", map[string]any{"i": 30.0, "j": 40.0}, [2]float64{40, 30}, false},
		{"xy", map[string]any{"x": 30.0, "y": 25}, [2]float64{75, 30}, false},
		{"incomplete", map[string]any{"i": 30.0}, [2]float64{}, true},
		{"wrong type", []float64{1, 2}, [2]float64{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cam := hardware.NewSimCamera(16, 2, nil, nil)
			cam.UpdateMetadata(map[string]any{hardware.MDFavPosActive: tc.pos})
			d := NewDriftCorrector(cam, nil, nil, 2, 0.5, quietLogger())
			got, err := d.reference(frame)
			if tc.err {
				if !errors.Is(err, ErrConfiguration) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("reference: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
