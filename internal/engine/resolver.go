package engine

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/amplistack/qpcr-engine/internal/models"
)

// Resolver maps (strategy, channel, scale, control groups) to a numeric threshold.
// Resolution is pure and deterministic: identical inputs always produce the same
// value. An unusable result (nil, NaN, or non-positive in linear units) is reported
// as unresolved (nil) rather than substituted with a guessed default; callers must
// treat the pair as "no CQJ/CalcJ computable".
type Resolver struct {
	baselineWindow int
	logger         *slog.Logger
}

// NewResolver builds a resolver. baselineWindow is the number of early cycles pooled
// for the NTC baseline statistics; values below 1 fall back to 5.
func NewResolver(baselineWindow int, logger *slog.Logger) *Resolver {
	if baselineWindow < 1 {
		baselineWindow = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{baselineWindow: baselineWindow, logger: logger}
}

// Resolve computes the threshold for one (channel, scale) pair. prior carries the
// pair's current store entry so MANUAL strategies can return the stored value without
// recomputation. An unknown strategy kind is a hard error.
func (r *Resolver) Resolve(
	strategy models.ThresholdStrategy,
	channel string,
	scale models.Scale,
	controls []models.ControlGroup,
	table models.FixedThresholdTable,
	prior *models.ChannelThreshold,
) (*float64, error) {
	switch strategy.Kind {
	case models.StrategyManual:
		// Bypasses recomputation entirely.
		if prior != nil && prior.IsManual && prior.Value != nil {
			v := *prior.Value
			return &v, nil
		}
		if strategy.Value == nil {
			return nil, nil
		}
		v := *strategy.Value
		return &v, nil

	case models.StrategyFixedPathogen:
		v, ok := table.Lookup(strategy.TestCode, channel)
		if !ok {
			return nil, nil
		}
		return r.finish(v, scale), nil

	case models.StrategyBaselineStdev:
		return r.finish(r.baselineStdev(strategy, controls), scale), nil

	case models.StrategyControlDerived:
		return r.finish(r.controlDerived(controls), scale), nil

	default:
		return nil, fmt.Errorf("unknown threshold strategy %q", strategy.Kind)
	}
}

// baselineStdev pools the early-cycle signal of every NTC well of the channel and
// returns multiplier x sample standard deviation, in linear units. NaN when fewer
// than two samples exist.
func (r *Resolver) baselineStdev(strategy models.ThresholdStrategy, controls []models.ControlGroup) float64 {
	multiplier := strategy.Multiplier
	if multiplier <= 0 {
		multiplier = models.DefaultStdevMultiplier
	}

	var pooled []float64
	for _, g := range controls {
		if g.Role != models.RoleNTC {
			continue
		}
		for _, w := range g.Wells {
			window := r.baselineWindow
			if len(w.Signal) < window {
				window = len(w.Signal)
			}
			pooled = append(pooled, w.Signal[:window]...)
		}
	}
	if len(pooled) < 2 {
		return math.NaN()
	}
	return multiplier * stat.StdDev(pooled, nil)
}

// controlDerived estimates each control well's inflection point as L/2 + B from its
// fitted sigmoid amplitude and baseline, and returns the median across the channel's
// control wells. NaN when no control well carries valid parameters.
func (r *Resolver) controlDerived(controls []models.ControlGroup) float64 {
	var estimates []float64
	for _, g := range controls {
		for _, w := range g.Wells {
			if w.Amplitude == nil || w.Baseline == nil {
				continue
			}
			est := *w.Amplitude/2 + *w.Baseline
			if math.IsNaN(est) || math.IsInf(est, 0) {
				continue
			}
			estimates = append(estimates, est)
		}
	}
	if len(estimates) == 0 {
		return math.NaN()
	}
	sort.Float64s(estimates)
	return stat.Quantile(0.5, stat.LinInterp, estimates, nil)
}

// finish applies the unresolved policy in linear units, then converts the value into
// the consumer's scale. The statistics themselves are scale-invariant; only the
// reported units change.
func (r *Resolver) finish(linear float64, scale models.Scale) *float64 {
	if math.IsNaN(linear) || math.IsInf(linear, 0) || linear <= 0 {
		return nil
	}
	v := linear
	if scale == models.ScaleLog {
		v = math.Log10(linear)
	}
	return &v
}
