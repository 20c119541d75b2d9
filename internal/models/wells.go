package models

// WellCurve is one well's raw amplification curve for a single channel. Cycles and
// Signal are parallel arrays; Cycles is strictly increasing. Curves are supplied by
// the external curve source and treated as immutable for one analysis session.
type WellCurve struct {
	WellID     string
	Channel    string
	SampleName string
	TestCode   string
	Cycles     []float64
	Signal     []float64

	// Fitted sigmoid parameters when the upstream curve fitter produced them.
	Amplitude *float64
	Baseline  *float64
}

// Scale is the display/calculation domain for thresholds.
type Scale string

const (
	ScaleLinear Scale = "linear"
	ScaleLog    Scale = "log"
)

// ControlRole classifies a control well within a channel.
type ControlRole string

const (
	RoleNTC    ControlRole = "ntc"
	RoleHigh   ControlRole = "high"
	RoleMedium ControlRole = "medium"
	RoleLow    ControlRole = "low"
	RoleOther  ControlRole = "other"
)

// ControlGroup collects the wells of one channel holding the same control role.
type ControlGroup struct {
	Channel string
	Role    ControlRole
	Wells   []WellCurve
}

// ChannelThreshold is the cached threshold for one (channel, scale) pair. A nil Value
// means the pair is unresolved. Manual entries survive invalidation until explicitly
// reverted to automatic mode.
type ChannelThreshold struct {
	Channel  string
	Scale    Scale
	Value    *float64
	IsManual bool
}

// CQJResult is the interpolated crossing cycle for one well. A nil Value means the
// curve never reached the threshold (negative) or the inputs were invalid.
type CQJResult struct {
	WellID  string
	Channel string
	Value   *float64
}

// CalcJMethod names the quantification path used for a well.
type CalcJMethod string

const (
	MethodControlLadder     CalcJMethod = "control_ladder"
	MethodAmplitudeFallback CalcJMethod = "amplitude_fallback"
	MethodUnavailable       CalcJMethod = "unavailable"
)

// CalcJResult is the estimated quantity for one well. Value is a base-10 log
// quantity; presentation layers exponentiate it for display.
type CalcJResult struct {
	WellID  string
	Channel string
	Value   *float64
	Method  CalcJMethod
}

// RecalcTrigger names the event that started a recalculation pass.
type RecalcTrigger string

const (
	TriggerInitial        RecalcTrigger = "initial"
	TriggerStrategyChange RecalcTrigger = "strategy_change"
	TriggerScaleChange    RecalcTrigger = "scale_change"
	TriggerManualSet      RecalcTrigger = "manual_set"
	TriggerManualClear    RecalcTrigger = "manual_clear"
)

// RecalculationResult is the published output of one coordinator pass. Complete is
// false when the pass was superseded by a newer trigger before publication.
type RecalculationResult struct {
	Generation uint64
	Trigger    RecalcTrigger
	Thresholds []ChannelThreshold
	CQJ        []CQJResult
	CalcJ      []CalcJResult
	Complete   bool
}

// Float returns a pointer to v. Results carry *float64 so "no value" stays distinct
// from zero.
func Float(v float64) *float64 { return &v }
