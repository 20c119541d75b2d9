package engine

import (
	"math"
	"testing"

	"github.com/amplistack/qpcr-engine/internal/models"
)

func ladderControls() []models.ControlGroup {
	return []models.ControlGroup{
		{Channel: "FAM", Role: models.RoleHigh, Wells: []models.WellCurve{{WellID: "hc", Channel: "FAM"}}},
		{Channel: "FAM", Role: models.RoleMedium, Wells: []models.WellCurve{{WellID: "mc", Channel: "FAM"}}},
		{Channel: "FAM", Role: models.RoleLow, Wells: []models.WellCurve{{WellID: "lc", Channel: "FAM"}}},
	}
}

func TestComputeCalcJLadderFit(t *testing.T) {
	// Collinear ladder: cq 10/20/30 against log quantities 7/5/3 gives slope -0.2
	// and intercept 9.
	cqjByWell := map[string]*float64{
		"hc": models.Float(10),
		"mc": models.Float(20),
		"lc": models.Float(30),
	}
	well := models.WellCurve{WellID: "p1", Channel: "FAM"}

	got := ComputeCalcJ(well, models.Float(15), models.Float(100), ladderControls(), cqjByWell, DefaultLadderConfig())
	if got.Method != models.MethodControlLadder {
		t.Fatalf("method = %q, want control ladder", got.Method)
	}
	if got.Value == nil || math.Abs(*got.Value-6) > 1e-9 {
		t.Fatalf("CalcJ = %v, want 6 (1e6 copies)", got.Value)
	}
}

func TestComputeCalcJEndpointsFit(t *testing.T) {
	// Non-collinear middle point: endpoints mode ignores it.
	cqjByWell := map[string]*float64{
		"hc": models.Float(10),
		"mc": models.Float(22),
		"lc": models.Float(30),
	}
	cfg := DefaultLadderConfig()
	cfg.FitMode = FitEndpoints
	well := models.WellCurve{WellID: "p1", Channel: "FAM"}

	got := ComputeCalcJ(well, models.Float(20), models.Float(100), ladderControls(), cqjByWell, cfg)
	if got.Method != models.MethodControlLadder {
		t.Fatalf("method = %q, want control ladder", got.Method)
	}
	// Line through (10, 7) and (30, 3): value at cq 20 is 5.
	if got.Value == nil || math.Abs(*got.Value-5) > 1e-12 {
		t.Fatalf("CalcJ = %v, want 5", got.Value)
	}
}

func TestComputeCalcJTwoPointLadder(t *testing.T) {
	// The low control failed to cross; two points still make a ladder.
	cqjByWell := map[string]*float64{
		"hc": models.Float(10),
		"mc": models.Float(20),
		"lc": nil,
	}
	well := models.WellCurve{WellID: "p1", Channel: "FAM"}

	got := ComputeCalcJ(well, models.Float(15), models.Float(100), ladderControls(), cqjByWell, DefaultLadderConfig())
	if got.Method != models.MethodControlLadder {
		t.Fatalf("method = %q, want control ladder", got.Method)
	}
	if got.Value == nil || math.Abs(*got.Value-6) > 1e-9 {
		t.Fatalf("CalcJ = %v, want 6", got.Value)
	}
}

func TestComputeCalcJAmplitudeFallback(t *testing.T) {
	// One usable ladder point is not enough; the amplitude path takes over.
	cqjByWell := map[string]*float64{"hc": models.Float(10)}
	well := models.WellCurve{WellID: "p1", Channel: "FAM", Amplitude: models.Float(1000)}

	got := ComputeCalcJ(well, models.Float(15), models.Float(100), ladderControls(), cqjByWell, DefaultLadderConfig())
	if got.Method != models.MethodAmplitudeFallback {
		t.Fatalf("method = %q, want amplitude fallback", got.Method)
	}
	if got.Value == nil || math.Abs(*got.Value-1) > 1e-12 {
		t.Fatalf("CalcJ = %v, want log10(1000/100) = 1", got.Value)
	}
}

func TestComputeCalcJFallbackClampsAtZero(t *testing.T) {
	well := models.WellCurve{WellID: "p1", Channel: "FAM", Amplitude: models.Float(50)}

	got := ComputeCalcJ(well, models.Float(15), models.Float(100), nil, nil, DefaultLadderConfig())
	if got.Method != models.MethodAmplitudeFallback {
		t.Fatalf("method = %q, want amplitude fallback", got.Method)
	}
	if got.Value == nil || *got.Value != 0 {
		t.Fatalf("CalcJ = %v, want clamp at 0 for sub-threshold amplitude", got.Value)
	}
}

func TestComputeCalcJUnavailable(t *testing.T) {
	// No CQJ at all.
	well := models.WellCurve{WellID: "p1", Channel: "FAM", Amplitude: models.Float(1000)}
	got := ComputeCalcJ(well, nil, models.Float(100), ladderControls(), nil, DefaultLadderConfig())
	if got.Method != models.MethodUnavailable || got.Value != nil {
		t.Fatalf("expected unavailable without CQJ, got %+v", got)
	}

	// CQJ present but no ladder, no amplitude, no threshold.
	bare := models.WellCurve{WellID: "p2", Channel: "FAM"}
	got = ComputeCalcJ(bare, models.Float(15), nil, nil, nil, DefaultLadderConfig())
	if got.Method != models.MethodUnavailable || got.Value != nil {
		t.Fatalf("expected unavailable without ladder or amplitude, got %+v", got)
	}
}

func TestComputeCalcJSingleConcentrationLadder(t *testing.T) {
	// Two HIGH replicates give two points at one concentration; no standard
	// curve exists, in either fit mode.
	controls := []models.ControlGroup{
		{Channel: "FAM", Role: models.RoleHigh, Wells: []models.WellCurve{
			{WellID: "hc1", Channel: "FAM"},
			{WellID: "hc2", Channel: "FAM"},
		}},
	}
	cqjByWell := map[string]*float64{
		"hc1": models.Float(10),
		"hc2": models.Float(10.4),
	}
	well := models.WellCurve{WellID: "p1", Channel: "FAM", Amplitude: models.Float(1000)}

	for _, mode := range []LadderFitMode{FitLeastSquares, FitEndpoints} {
		cfg := DefaultLadderConfig()
		cfg.FitMode = mode
		got := ComputeCalcJ(well, models.Float(15), models.Float(100), controls, cqjByWell, cfg)
		if got.Method != models.MethodAmplitudeFallback {
			t.Fatalf("mode %s: method = %q, want amplitude fallback", mode, got.Method)
		}
		if got.Value == nil || *got.Value != 1 {
			t.Fatalf("mode %s: CalcJ = %v, want fallback log10(1000/100) = 1", mode, got.Value)
		}
	}
}

func TestComputeCalcJDegenerateLadder(t *testing.T) {
	// All ladder points share one crossing cycle: the fit is undefined and the
	// fallback applies.
	cqjByWell := map[string]*float64{
		"hc": models.Float(12),
		"mc": models.Float(12),
		"lc": models.Float(12),
	}
	well := models.WellCurve{WellID: "p1", Channel: "FAM", Amplitude: models.Float(1000)}

	got := ComputeCalcJ(well, models.Float(15), models.Float(10), ladderControls(), cqjByWell, DefaultLadderConfig())
	if got.Method != models.MethodAmplitudeFallback {
		t.Fatalf("method = %q, want amplitude fallback for a degenerate ladder", got.Method)
	}
	if got.Value == nil || math.Abs(*got.Value-2) > 1e-12 {
		t.Fatalf("CalcJ = %v, want 2", got.Value)
	}
}
