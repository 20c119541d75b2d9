package curves

import (
	"math"
	"testing"

	"github.com/amplistack/qpcr-engine/internal/models"
)

func TestStoreValidationIsolatesBadWells(t *testing.T) {
	wells := []models.WellCurve{
		{
			WellID:  "A1",
			Channel: "FAM",
			Cycles:  []float64{1, 2, 3},
			Signal:  []float64{10, 20, 30},
		},
		{
			WellID:  "A2",
			Channel: "FAM",
			Cycles:  []float64{1, 2, 3},
			Signal:  []float64{10, 20}, // mismatched lengths
		},
		{
			WellID:  "A3",
			Channel: "HEX",
			Cycles:  []float64{1, 3, 2}, // non-monotonic
			Signal:  []float64{10, 20, 30},
		},
	}

	store := NewStore(wells, nil)

	if got := len(store.Wells()); got != 1 {
		t.Fatalf("expected 1 valid well, got %d", got)
	}
	if _, ok := store.Get("A1"); !ok {
		t.Fatalf("expected A1 to be valid")
	}
	if _, ok := store.Get("A2"); ok {
		t.Fatalf("expected A2 to be rejected")
	}

	invalid := store.InvalidWells()
	if len(invalid) != 2 {
		t.Fatalf("expected 2 invalid wells, got %d", len(invalid))
	}
	if _, bad := store.InvalidReason("A3"); !bad {
		t.Fatalf("expected A3 to carry an invalid reason")
	}

	// Channels include those whose only wells were invalid, so their thresholds
	// still appear (unresolved) in snapshots.
	channels := store.Channels()
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %v", channels)
	}
}

func TestStoreDerivesScalarMetrics(t *testing.T) {
	store := NewStore([]models.WellCurve{{
		WellID:  "B1",
		Channel: "FAM",
		Cycles:  []float64{1, 2, 3, 4, 5, 6},
		Signal:  []float64{10, 10, 10, 10, 10, 110},
	}}, nil)

	w, ok := store.Get("B1")
	if !ok {
		t.Fatalf("expected B1 to be valid")
	}
	if w.Amplitude == nil || *w.Amplitude != 100 {
		t.Fatalf("expected derived amplitude 100, got %v", w.Amplitude)
	}
	if w.Baseline == nil || *w.Baseline != 10 {
		t.Fatalf("expected derived baseline 10, got %v", w.Baseline)
	}
}

func TestStoreDoesNotOverrideFittedParameters(t *testing.T) {
	amp, base := 250.0, 12.0
	store := NewStore([]models.WellCurve{{
		WellID:    "B2",
		Channel:   "FAM",
		Cycles:    []float64{1, 2, 3},
		Signal:    []float64{10, 20, 30},
		Amplitude: &amp,
		Baseline:  &base,
	}}, nil)

	w, _ := store.Get("B2")
	if *w.Amplitude != 250 || *w.Baseline != 12 {
		t.Fatalf("fitted parameters were overridden: amp=%v base=%v", *w.Amplitude, *w.Baseline)
	}
}

func TestSignalForScaleLeavesRawDataUntouched(t *testing.T) {
	signal := []float64{1, 10, 100, 1000}
	w := models.WellCurve{
		WellID:  "C1",
		Channel: "FAM",
		Cycles:  []float64{1, 2, 3, 4},
		Signal:  signal,
	}

	view := SignalForScale(w, models.ScaleLog)
	want := []float64{0, 1, 2, 3}
	for i := range want {
		if math.Abs(view[i]-want[i]) > 1e-12 {
			t.Fatalf("log view[%d] = %v, want %v", i, view[i], want[i])
		}
	}

	for i, v := range []float64{1, 10, 100, 1000} {
		if signal[i] != v {
			t.Fatalf("raw signal mutated at %d: %v", i, signal[i])
		}
	}
}

func TestSignalForScaleFloorsNonPositiveSamples(t *testing.T) {
	w := models.WellCurve{
		WellID:  "C2",
		Channel: "FAM",
		Cycles:  []float64{1, 2},
		Signal:  []float64{-5, 100},
	}

	view := SignalForScale(w, models.ScaleLog)
	if math.IsInf(view[0], 0) || math.IsNaN(view[0]) {
		t.Fatalf("expected floored log value, got %v", view[0])
	}
}
