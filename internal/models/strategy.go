package models

import "fmt"

// StrategyKind enumerates threshold resolution strategies.
type StrategyKind string

const (
	StrategyFixedPathogen  StrategyKind = "fixed_pathogen"
	StrategyBaselineStdev  StrategyKind = "baseline_stdev_multiple"
	StrategyControlDerived StrategyKind = "control_derived"
	StrategyManual         StrategyKind = "manual"
)

// ThresholdStrategy is a tagged variant: Kind selects the algorithm and the remaining
// fields carry its parameters. Unknown kinds are rejected at parse time so there is no
// silent fallthrough.
type ThresholdStrategy struct {
	Kind StrategyKind

	// Multiplier scales the pooled NTC baseline standard deviation
	// (BASELINE_STDEV_MULTIPLE only).
	Multiplier float64

	// TestCode keys the fixed-pathogen lookup table (FIXED_PATHOGEN only).
	TestCode string

	// Value is an explicit threshold (MANUAL only).
	Value *float64
}

// DefaultStdevMultiplier is used when a baseline-stdev strategy carries no multiplier.
const DefaultStdevMultiplier = 10

// ParseStrategyKind validates a strategy identifier string.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyFixedPathogen, StrategyBaselineStdev, StrategyControlDerived, StrategyManual:
		return StrategyKind(s), nil
	default:
		return "", fmt.Errorf("unknown threshold strategy %q", s)
	}
}

// ParseScale validates a scale identifier string.
func ParseScale(s string) (Scale, error) {
	switch Scale(s) {
	case ScaleLinear, ScaleLog:
		return Scale(s), nil
	default:
		return "", fmt.Errorf("unknown scale %q", s)
	}
}

// TableKey addresses one fixed-pathogen threshold entry.
type TableKey struct {
	TestCode string
	Channel  string
}

// FixedThresholdTable maps (testCode, channel) to a linear-domain threshold.
type FixedThresholdTable map[TableKey]float64

// Lookup returns the threshold for the given key when present.
func (t FixedThresholdTable) Lookup(testCode, channel string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t[TableKey{TestCode: testCode, Channel: channel}]
	return v, ok
}
