package engine

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/amplistack/qpcr-engine/internal/models"
)

// LadderFitMode selects how the control ladder is turned into a standard curve.
type LadderFitMode string

const (
	// FitLeastSquares fits log10(quantity) against CQJ over every available ladder
	// point by ordinary least squares.
	FitLeastSquares LadderFitMode = "least_squares"
	// FitEndpoints interpolates between the highest and lowest concentration points
	// only, matching instruments that calibrate on two standards.
	FitEndpoints LadderFitMode = "endpoints"
)

// LadderConfig carries the known log10 concentrations of the ladder roles and the
// fit mode.
type LadderConfig struct {
	Concentrations map[models.ControlRole]float64
	FitMode        LadderFitMode
}

// DefaultLadderConfig returns the stock H/M/L ladder at 1e7/1e5/1e3 copies.
func DefaultLadderConfig() LadderConfig {
	return LadderConfig{
		Concentrations: map[models.ControlRole]float64{
			models.RoleHigh:   7,
			models.RoleMedium: 5,
			models.RoleLow:    3,
		},
		FitMode: FitLeastSquares,
	}
}

type ladderPoint struct {
	cq     float64
	logQty float64
}

// ComputeCalcJ estimates a well's quantity from its crossing cycle. The preferred
// path fits the channel's control ladder; when the ladder cannot be built, an
// amplitude-based fallback applies; otherwise the result is unavailable. The value
// stays in the base-10 log domain — converting to copies and back on every pass
// would accumulate rounding, so only presentation layers exponentiate.
func ComputeCalcJ(
	well models.WellCurve,
	cqj *float64,
	linearThreshold *float64,
	controls []models.ControlGroup,
	cqjByWell map[string]*float64,
	cfg LadderConfig,
) models.CalcJResult {
	out := models.CalcJResult{WellID: well.WellID, Channel: well.Channel, Method: models.MethodUnavailable}
	if cqj == nil || math.IsNaN(*cqj) {
		return out
	}

	points := ladderPoints(controls, cqjByWell, cfg)
	if len(points) >= 2 {
		if v, ok := evaluateLadder(points, *cqj, cfg.FitMode); ok {
			out.Value = &v
			out.Method = models.MethodControlLadder
			return out
		}
	}

	if v, ok := amplitudeFallback(well, linearThreshold); ok {
		out.Value = &v
		out.Method = models.MethodAmplitudeFallback
	}
	return out
}

// ladderPoints collects (CQJ, log10 quantity) pairs from ladder-role control wells
// whose own crossing was computable.
func ladderPoints(controls []models.ControlGroup, cqjByWell map[string]*float64, cfg LadderConfig) []ladderPoint {
	var points []ladderPoint
	for _, g := range controls {
		logQty, ok := cfg.Concentrations[g.Role]
		if !ok {
			continue
		}
		for _, w := range g.Wells {
			cq, found := cqjByWell[w.WellID]
			if !found || cq == nil || math.IsNaN(*cq) {
				continue
			}
			points = append(points, ladderPoint{cq: *cq, logQty: logQty})
		}
	}
	return points
}

func evaluateLadder(points []ladderPoint, cq float64, mode LadderFitMode) (float64, bool) {
	// Replicates of a single concentration give the fit no slope; the ladder
	// needs at least two distinct concentrations regardless of fit mode.
	spread := false
	for _, p := range points[1:] {
		if p.logQty != points[0].logQty {
			spread = true
			break
		}
	}
	if !spread {
		return 0, false
	}

	var alpha, beta float64

	switch mode {
	case FitEndpoints:
		hi, lo := points[0], points[0]
		for _, p := range points[1:] {
			if p.logQty > hi.logQty {
				hi = p
			}
			if p.logQty < lo.logQty {
				lo = p
			}
		}
		if hi.cq == lo.cq || hi.logQty == lo.logQty {
			return 0, false
		}
		beta = (hi.logQty - lo.logQty) / (hi.cq - lo.cq)
		alpha = hi.logQty - beta*hi.cq
	default:
		xs := make([]float64, len(points))
		ys := make([]float64, len(points))
		for i, p := range points {
			xs[i] = p.cq
			ys[i] = p.logQty
		}
		alpha, beta = stat.LinearRegression(xs, ys, nil, false)
	}

	v := alpha + beta*cq
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// amplitudeFallback derives an approximate log quantity from the well's amplitude
// relative to the linear threshold, clamped at zero so sub-threshold amplitudes do
// not report negative quantities.
func amplitudeFallback(well models.WellCurve, linearThreshold *float64) (float64, bool) {
	if well.Amplitude == nil || linearThreshold == nil {
		return 0, false
	}
	amp, th := *well.Amplitude, *linearThreshold
	if amp <= 0 || th <= 0 || math.IsNaN(amp) || math.IsNaN(th) {
		return 0, false
	}
	v := math.Log10(amp / th)
	if v < 0 {
		v = 0
	}
	return v, true
}
