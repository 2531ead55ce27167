package acquisition

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"megafield/internal/future"
	"megafield/internal/hardware"
)

func overviewStream(sim *hardware.SimInstrument) OverviewStream {
	return OverviewStream{Scanner: sim.Scanner, Detector: sim.Detector, Tiler: sim.Tiler}
}

func TestAcquireTiledAreaValidation(t *testing.T) {
	a := newTestAcquirer(t, nil)
	r := newRig(t, 1, 1, 0)
	area := [4]float64{0, 0, 3e-3, 3e-3}

	unreferenced := hardware.NewSimStage(false)
	oneAxis := hardware.NewSimStage(true)
	oneAxis.SetAxes("x")
	cases := []struct {
		name   string
		stream OverviewStream
		stage  hardware.Stage
		area   [4]float64
	}{
		{"unreferenced", overviewStream(r.sim), unreferenced, area},
		{"missing axis", overviewStream(r.sim), oneAxis, area},
		{"zero width", overviewStream(r.sim), r.sim.Stage, [4]float64{1, 0, 1, 2}},
		{"nan", overviewStream(r.sim), r.sim.Stage, [4]float64{0, 0, math.NaN(), 1}},
		{"no tiler", OverviewStream{Scanner: r.sim.Scanner, Detector: r.sim.Detector}, r.sim.Stage, area},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.AcquireTiledArea(context.Background(), tc.stream, tc.stage, tc.area); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestAcquireTiledArea(t *testing.T) {
	a := newTestAcquirer(t, nil)
	r := newRig(t, 1, 1, 0)
	r.sim.Tiler.TileDelay = time.Millisecond
	_ = r.sim.Scanner.SetImmersion(false)
	_ = r.sim.Scanner.SetBlanked(false)

	run, err := a.AcquireTiledArea(context.Background(), overviewStream(r.sim), r.sim.Stage, [4]float64{0, 0, 3e-3, 1.4e-3})
	if err != nil {
		t.Fatalf("acquire tiled area: %v", err)
	}
	frame, err := run.Result(5 * time.Second)
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}
	if frame.Empty() {
		t.Fatalf("expected a stitched image")
	}
	if r.sim.Scanner.Immersion() {
		t.Fatalf("immersion mode must be restored")
	}
	if !r.sim.Scanner.Blanked() {
		t.Fatalf("beam must be blanked after an overview")
	}
	if r.sim.Scanner.Mode() != hardware.ModeOverview {
		t.Fatalf("scanner not configured for overview")
	}
	if got, want := r.sim.Tiler.Overlap(), 29e-6/1.5e-3; math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected overlap %v, got %v", want, got)
	}
	if st := run.Status(); st.State != "done" || st.Acquired != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestAcquireTiledAreaCancel(t *testing.T) {
	a := newTestAcquirer(t, nil)
	r := newRig(t, 1, 1, 0)
	r.sim.Tiler.TileDelay = 20 * time.Millisecond

	run, err := a.AcquireTiledArea(context.Background(), overviewStream(r.sim), r.sim.Stage, [4]float64{0, 0, 1e-2, 1e-2})
	if err != nil {
		t.Fatalf("acquire tiled area: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.sim.Tiler.Tiles() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("overview did not start")
		}
		time.Sleep(time.Millisecond)
	}
	if !run.Cancel() {
		t.Fatalf("cancel must succeed")
	}
	if _, err := run.Result(5 * time.Second); !errors.Is(err, future.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.State() != future.Cancelled {
		t.Fatalf("expected cancelled future, got %s", run.State())
	}
	if n := r.sim.Tiler.Tiles(); n >= 49 {
		t.Fatalf("the tiler kept going after cancel: %d tiles", n)
	}
	if !r.sim.Scanner.Blanked() {
		t.Fatalf("beam must be blanked after a cancelled overview")
	}
}

func TestOverviewWarnsWhenReferencingUnknown(t *testing.T) {
	stage := &noReferenceStage{SimStage: hardware.NewSimStage(true)}
	err := validateOverview(OverviewStream{Scanner: hardware.NewSimScanner(), Detector: hardware.NewSimDetector(0), Tiler: &hardware.SimTiler{}},
		stage, [4]float64{0, 0, 1, 1}, quietLogger())
	if err != nil {
		t.Fatalf("stages without referencing info are accepted, got %v", err)
	}
}

type noReferenceStage struct {
	*hardware.SimStage
}

func (s *noReferenceStage) Referenced() map[string]bool { return nil }
