package acquisition

import (
	"testing"
	"time"

	"megafield/internal/config"
)

func TestEstimateAcquisitionTime(t *testing.T) {
	timing := DefaultTiming()
	cases := []struct {
		name  string
		tiles int
		frame time.Duration
		cals  []string
		want  time.Duration
	}{
		{"first tile twice", 9, time.Second, nil, 25 * time.Second},
		{"with calibrations", 1, 500 * time.Millisecond, []string{"dark_offset", "image_translation"}, 4*time.Second + 50*time.Second},
		{"unknown calibration", 0, 0, []string{"mystery"}, 1500*time.Millisecond + 30*time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := timing.EstimateAcquisitionTime(tc.tiles, tc.frame, tc.cals); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestEstimateForRegion(t *testing.T) {
	r := newRig(t, 2, 2, 0)
	got := EstimateAcquisitionTime(r.region, time.Second, nil)
	if want := 5 * 2500 * time.Millisecond; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEstimateRemaining(t *testing.T) {
	if got := EstimateRemaining(4, 2*time.Second, 10*time.Second); got != 18*time.Second {
		t.Fatalf("unexpected estimate %s", got)
	}
	if got := EstimateRemaining(-1, time.Second, 0); got != 0 {
		t.Fatalf("negative remaining must count as zero, got %s", got)
	}
}

func TestTileTimeout(t *testing.T) {
	timing := DefaultTiming()
	// 5 x (1 s + 1.5 s) + 2 s
	if got := timing.TileTimeout(time.Second); got != 14500*time.Millisecond {
		t.Fatalf("unexpected timeout %s", got)
	}
}

func TestEstimateOverviewTime(t *testing.T) {
	cfg := config.Default()
	cfg.Overview.TileOverheadSec = 1
	timing := TimingFromConfig(cfg)
	// 3 x 2 tiles of 1000x1000 px at 1 µs dwell: 6 x (1 s + 1 s).
	got := timing.EstimateOverviewTime([4]float64{0, 0, 2.5e-3, 1.5e-3}, [2]int{1000, 1000}, 1e-3, 1e-6)
	if got != 12*time.Second {
		t.Fatalf("expected 12s, got %s", got)
	}
	if timing.EstimateOverviewTime([4]float64{0, 0, 1, 1}, [2]int{0, 0}, 1e-3, 1e-6) != 0 {
		t.Fatalf("invalid resolution must estimate zero")
	}
}
