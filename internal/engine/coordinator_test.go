package engine

import (
	"math"
	"testing"
	"time"

	"github.com/amplistack/qpcr-engine/internal/controls"
	"github.com/amplistack/qpcr-engine/internal/curves"
	"github.com/amplistack/qpcr-engine/internal/models"
)

func sessionWells() []models.WellCurve {
	cyc := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	return []models.WellCurve{
		{WellID: "f-ntc", Channel: "FAM", SampleName: "NTC-1", Cycles: cyc,
			Signal: []float64{1, 1.5, 1, 1.5, 1, 1.5, 1, 1.5, 1, 1.5}},
		{WellID: "f-h", Channel: "FAM", SampleName: "H-Control", Cycles: cyc,
			Signal: []float64{1, 2, 4, 8, 16, 32, 64, 128, 200, 250}},
		{WellID: "f-m", Channel: "FAM", SampleName: "M-Control", Cycles: cyc,
			Signal: []float64{1, 1.5, 2, 4, 8, 16, 32, 64, 128, 200}},
		{WellID: "f-l", Channel: "FAM", SampleName: "L-Control", Cycles: cyc,
			Signal: []float64{1, 1.2, 1.5, 2, 4, 8, 16, 32, 64, 128}},
		{WellID: "f-p", Channel: "FAM", SampleName: "Patient A", Cycles: cyc,
			Signal: []float64{1, 1.3, 1.8, 2.5, 5, 12, 30, 80, 150, 200}},
		{WellID: "x-ntc", Channel: "HEX", SampleName: "NTC-2", Cycles: cyc,
			Signal: []float64{2, 2.5, 2, 2.5, 2, 2.5, 2, 2.5, 2, 2.5}},
		{WellID: "x-p", Channel: "HEX", SampleName: "Patient B", Cycles: cyc,
			Signal: []float64{1, 2, 4, 8, 16, 32, 64, 128, 200, 250}},
	}
}

func newTestCoordinator(t *testing.T, wells []models.WellCurve) *Coordinator {
	t.Helper()
	cat, err := controls.NewCategorizer("", nil)
	if err != nil {
		t.Fatalf("NewCategorizer: %v", err)
	}
	store := curves.NewStore(wells, nil)
	strategy := models.ThresholdStrategy{Kind: models.StrategyBaselineStdev, Multiplier: 10}
	return NewCoordinator(nil, store, cat, NewResolver(5, nil), DefaultLadderConfig(), strategy, models.ScaleLinear, nil)
}

func findThreshold(t *testing.T, snap []models.ChannelThreshold, channel string, scale models.Scale) models.ChannelThreshold {
	t.Helper()
	for _, e := range snap {
		if e.Channel == channel && e.Scale == scale {
			return e
		}
	}
	t.Fatalf("no threshold entry for (%s, %s) in %+v", channel, scale, snap)
	return models.ChannelThreshold{}
}

func findCQJ(t *testing.T, results []models.CQJResult, wellID string) *float64 {
	t.Helper()
	for _, r := range results {
		if r.WellID == wellID {
			return r.Value
		}
	}
	t.Fatalf("no CQJ result for %s", wellID)
	return nil
}

func findCalcJ(t *testing.T, results []models.CalcJResult, wellID string) models.CalcJResult {
	t.Helper()
	for _, r := range results {
		if r.WellID == wellID {
			return r
		}
	}
	t.Fatalf("no CalcJ result for %s", wellID)
	return models.CalcJResult{}
}

func TestCoordinatorInitialize(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())

	res, err := c.Initialize()
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !res.Complete || res.Generation != 1 || res.Trigger != models.TriggerInitial {
		t.Fatalf("unexpected result envelope: %+v", res)
	}

	// FAM threshold: 10 x sample stddev of the pooled NTC early window
	// [1, 1.5, 1, 1.5, 1] = 2.7386...
	fam := findThreshold(t, res.Thresholds, "FAM", models.ScaleLinear)
	if fam.Value == nil || math.Abs(*fam.Value-2.7386) > 0.001 {
		t.Fatalf("FAM threshold = %v, want ~2.739", fam.Value)
	}
	if fam.IsManual {
		t.Fatalf("automatic threshold flagged manual")
	}

	// High control crosses between cycles 2 and 3.
	hc := findCQJ(t, res.CQJ, "f-h")
	if hc == nil || math.Abs(*hc-2.369) > 0.01 {
		t.Fatalf("f-h CQJ = %v, want ~2.369", hc)
	}

	// The NTC never crosses.
	if v := findCQJ(t, res.CQJ, "x-ntc"); v != nil {
		t.Fatalf("x-ntc CQJ = %v, want nil", *v)
	}

	// The patient well quantifies off the H/M/L ladder. The ladder points are one
	// cycle apart at log quantities 7/5/3, so the fit has slope -2 through the
	// high point.
	pCQ := findCQJ(t, res.CQJ, "f-p")
	if pCQ == nil {
		t.Fatalf("expected patient CQJ")
	}
	pCalc := findCalcJ(t, res.CalcJ, "f-p")
	if pCalc.Method != models.MethodControlLadder {
		t.Fatalf("f-p method = %q, want control ladder", pCalc.Method)
	}
	want := 7 - 2*(*pCQ-*hc)
	if pCalc.Value == nil || math.Abs(*pCalc.Value-want) > 0.01 {
		t.Fatalf("f-p CalcJ = %v, want ~%v", pCalc.Value, want)
	}
}

func TestCoordinatorManualThresholdTouchesOnlyItsChannel(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, before, _ := c.Results()
	hexBefore := findCQJ(t, before, "x-p")

	res, err := c.OnManualThresholdSet("FAM", models.ScaleLinear, 100)
	if err != nil {
		t.Fatalf("OnManualThresholdSet: %v", err)
	}
	if !res.Complete || res.Trigger != models.TriggerManualSet {
		t.Fatalf("unexpected result envelope: %+v", res)
	}

	fam := findThreshold(t, res.Thresholds, "FAM", models.ScaleLinear)
	if fam.Value == nil || *fam.Value != 100 || !fam.IsManual {
		t.Fatalf("manual entry not stored: %+v", fam)
	}

	// f-h against threshold 100: bracket 64 -> 128, cq = 7 + 36/64 = 7.5625.
	_, cqj, _ := c.Results()
	hc := findCQJ(t, cqj, "f-h")
	if hc == nil || math.Abs(*hc-7.5625) > 1e-9 {
		t.Fatalf("f-h CQJ = %v, want 7.5625 under the manual threshold", hc)
	}

	hexAfter := findCQJ(t, cqj, "x-p")
	if hexBefore == nil || hexAfter == nil || *hexBefore != *hexAfter {
		t.Fatalf("HEX results changed by a FAM-only manual threshold: %v -> %v", hexBefore, hexAfter)
	}
}

func TestCoordinatorManualAtInactiveScaleLeavesDerivedValues(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, before, _ := c.Results()
	famBefore := findCQJ(t, before, "f-h")

	// Active scale is linear; pinning the log pair must not disturb linear CQJ.
	res, err := c.OnManualThresholdSet("FAM", models.ScaleLog, 0.5)
	if err != nil {
		t.Fatalf("OnManualThresholdSet: %v", err)
	}
	logEntry := findThreshold(t, res.Thresholds, "FAM", models.ScaleLog)
	if logEntry.Value == nil || *logEntry.Value != 0.5 || !logEntry.IsManual {
		t.Fatalf("log pair not pinned: %+v", logEntry)
	}

	_, after, _ := c.Results()
	famAfter := findCQJ(t, after, "f-h")
	if famBefore == nil || famAfter == nil || *famBefore != *famAfter {
		t.Fatalf("linear CQJ changed by a log-scale manual threshold: %v -> %v", famBefore, famAfter)
	}
}

func TestCoordinatorStrategyChangePreservesManual(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := c.OnManualThresholdSet("FAM", models.ScaleLinear, 100); err != nil {
		t.Fatalf("OnManualThresholdSet: %v", err)
	}

	table := models.FixedThresholdTable{
		{TestCode: "T1", Channel: "FAM"}: 50,
		{TestCode: "T1", Channel: "HEX"}: 40,
	}
	c.UpdateTable(table)
	res, err := c.OnStrategyChange(models.ThresholdStrategy{Kind: models.StrategyFixedPathogen, TestCode: "T1"})
	if err != nil {
		t.Fatalf("OnStrategyChange: %v", err)
	}

	// Manual FAM pair survives the invalidation untouched.
	fam := findThreshold(t, res.Thresholds, "FAM", models.ScaleLinear)
	if fam.Value == nil || *fam.Value != 100 || !fam.IsManual {
		t.Fatalf("manual FAM threshold lost on strategy change: %+v", fam)
	}

	// HEX re-resolves from the table.
	hex := findThreshold(t, res.Thresholds, "HEX", models.ScaleLinear)
	if hex.Value == nil || *hex.Value != 40 || hex.IsManual {
		t.Fatalf("HEX threshold = %+v, want table value 40", hex)
	}

	// x-p against 40: bracket 32 -> 64, cq = 6 + 8/32 = 6.25.
	xp := findCQJ(t, res.CQJ, "x-p")
	if xp == nil || math.Abs(*xp-6.25) > 1e-9 {
		t.Fatalf("x-p CQJ = %v, want 6.25", xp)
	}
}

func TestCoordinatorManualClearReresolves(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := c.OnManualThresholdSet("FAM", models.ScaleLinear, 100); err != nil {
		t.Fatalf("OnManualThresholdSet: %v", err)
	}

	res, err := c.OnManualThresholdCleared("FAM", models.ScaleLinear)
	if err != nil {
		t.Fatalf("OnManualThresholdCleared: %v", err)
	}

	fam := findThreshold(t, res.Thresholds, "FAM", models.ScaleLinear)
	if fam.IsManual {
		t.Fatalf("entry still manual after clear")
	}
	if fam.Value == nil || math.Abs(*fam.Value-2.7386) > 0.001 {
		t.Fatalf("FAM threshold = %v, want the re-resolved ~2.739", fam.Value)
	}
}

func TestCoordinatorScaleChangeKeepsCurvesLinear(t *testing.T) {
	wells := sessionWells()
	c := newTestCoordinator(t, wells)
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := c.OnScaleChange(models.ScaleLog)
	if err != nil {
		t.Fatalf("OnScaleChange: %v", err)
	}
	if c.Scale() != models.ScaleLog {
		t.Fatalf("active scale = %q, want log", c.Scale())
	}

	fam := findThreshold(t, res.Thresholds, "FAM", models.ScaleLog)
	if fam.Value == nil || math.Abs(*fam.Value-math.Log10(2.7386)) > 0.001 {
		t.Fatalf("log FAM threshold = %v, want log10(~2.739)", fam.Value)
	}

	// The crossing exists in the log view too, inside the same cycle band.
	hc := findCQJ(t, res.CQJ, "f-h")
	if hc == nil || *hc < 2 || *hc > 3 {
		t.Fatalf("f-h log-scale CQJ = %v, want inside cycles 2..3", hc)
	}

	// Stored curves stay in linear units.
	w, ok := c.store.Get("f-h")
	if !ok {
		t.Fatalf("f-h missing from store")
	}
	if w.Signal[0] != 1 || w.Signal[9] != 250 {
		t.Fatalf("stored signal mutated by scale change: %v", w.Signal)
	}
}

func TestCoordinatorGenerationAdvancesPerTrigger(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())

	r1, _ := c.Initialize()
	r2, _ := c.OnScaleChange(models.ScaleLog)
	r3, _ := c.OnManualThresholdSet("FAM", models.ScaleLog, 0.5)

	if r1.Generation != 1 || r2.Generation != 2 || r3.Generation != 3 {
		t.Fatalf("generations = %d, %d, %d, want 1, 2, 3", r1.Generation, r2.Generation, r3.Generation)
	}
	if !r1.Complete || !r2.Complete || !r3.Complete {
		t.Fatalf("expected all sequential passes to publish")
	}
}

func TestCoordinatorSupersededPassDoesNotPublish(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, before, _ := c.Results()
	orig := findCQJ(t, before, "f-h")
	if orig == nil {
		t.Fatalf("expected an initial CQJ for f-h")
	}

	// A deferred callback from an older trigger fires after a newer trigger has
	// bumped the generation: its pass must be discarded, not published.
	stale := c.nextGeneration()
	c.nextGeneration()
	c.thresholds.Set("FAM", models.ScaleLinear, models.Float(100), true)
	res := c.recomputeChannel(stale, models.TriggerManualSet, "FAM", models.ScaleLinear, time.Now())
	if res.Complete {
		t.Fatalf("stale pass reported Complete: %+v", res)
	}

	_, after, _ := c.Results()
	got := findCQJ(t, after, "f-h")
	if got == nil || *got != *orig {
		t.Fatalf("superseded pass leaked into published state: f-h CQJ %v -> %v", *orig, got)
	}
}

func TestCoordinatorRejectsInvalidTriggers(t *testing.T) {
	c := newTestCoordinator(t, sessionWells())
	if _, err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := c.OnStrategyChange(models.ThresholdStrategy{Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown strategy kind")
	}
	if _, err := c.OnScaleChange("cubic"); err == nil {
		t.Fatalf("expected error for unknown scale")
	}
	if _, err := c.OnManualThresholdSet("FAM", models.ScaleLinear, math.NaN()); err == nil {
		t.Fatalf("expected error for NaN manual threshold")
	}
	if _, err := c.OnManualThresholdSet("FAM", models.ScaleLinear, -5); err == nil {
		t.Fatalf("expected error for non-positive linear manual threshold")
	}
	// Negative values are legal in log units.
	if _, err := c.OnManualThresholdSet("FAM", models.ScaleLog, -0.5); err != nil {
		t.Fatalf("negative log manual threshold should be accepted: %v", err)
	}
}

func TestCoordinatorPublishesInvalidWellsAsUnavailable(t *testing.T) {
	wells := append(sessionWells(), models.WellCurve{
		WellID:  "bad",
		Channel: "FAM",
		Cycles:  []float64{1, 2, 3},
		Signal:  []float64{1, 2}, // mismatched lengths
	})
	c := newTestCoordinator(t, wells)

	res, err := c.Initialize()
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if v := findCQJ(t, res.CQJ, "bad"); v != nil {
		t.Fatalf("invalid well CQJ = %v, want nil", *v)
	}
	bad := findCalcJ(t, res.CalcJ, "bad")
	if bad.Method != models.MethodUnavailable || bad.Value != nil {
		t.Fatalf("invalid well CalcJ = %+v, want unavailable", bad)
	}

	// The rest of the batch is unaffected.
	if v := findCQJ(t, res.CQJ, "f-h"); v == nil {
		t.Fatalf("valid well lost its CQJ because of an invalid sibling")
	}
}
