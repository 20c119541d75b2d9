package models

// WellInput is the wire shape of one uploaded well curve.
type WellInput struct {
	WellID     string    `json:"well_id"`
	Channel    string    `json:"channel"`
	SampleName string    `json:"sample_name"`
	TestCode   string    `json:"test_code"`
	Cycles     []float64 `json:"cycles"`
	Signal     []float64 `json:"signal"`
	Amplitude  *float64  `json:"amplitude,omitempty"`
	Baseline   *float64  `json:"baseline,omitempty"`
}

// StrategyInput selects a threshold strategy over the wire.
type StrategyInput struct {
	Kind       string   `json:"kind"`
	Multiplier float64  `json:"multiplier,omitempty"`
	TestCode   string   `json:"test_code,omitempty"`
	Value      *float64 `json:"value,omitempty"`
}

// CreateSessionRequest starts an analysis session from uploaded curves.
type CreateSessionRequest struct {
	Wells    []WellInput    `json:"wells"`
	Strategy *StrategyInput `json:"strategy,omitempty"`
	Scale    string         `json:"scale,omitempty"`
}

// SetStrategyRequest switches the active strategy for a session.
type SetStrategyRequest struct {
	Strategy StrategyInput `json:"strategy"`
}

// SetScaleRequest switches the active display scale for a session.
type SetScaleRequest struct {
	Scale string `json:"scale"`
}

// ManualThresholdRequest sets or clears a manual threshold for one (channel, scale)
// pair. Value is interpreted in the units of the named scale.
type ManualThresholdRequest struct {
	Channel string   `json:"channel"`
	Scale   string   `json:"scale"`
	Value   *float64 `json:"value,omitempty"`
}

// ToWellCurve converts a wire well into the domain record.
func (w WellInput) ToWellCurve() WellCurve {
	return WellCurve{
		WellID:     w.WellID,
		Channel:    w.Channel,
		SampleName: w.SampleName,
		TestCode:   w.TestCode,
		Cycles:     w.Cycles,
		Signal:     w.Signal,
		Amplitude:  w.Amplitude,
		Baseline:   w.Baseline,
	}
}

// ToStrategy converts a wire strategy into the domain tagged variant.
func (s StrategyInput) ToStrategy() (ThresholdStrategy, error) {
	kind, err := ParseStrategyKind(s.Kind)
	if err != nil {
		return ThresholdStrategy{}, err
	}
	return ThresholdStrategy{
		Kind:       kind,
		Multiplier: s.Multiplier,
		TestCode:   s.TestCode,
		Value:      s.Value,
	}, nil
}
