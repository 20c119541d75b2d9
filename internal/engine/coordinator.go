package engine

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/amplistack/qpcr-engine/internal/controls"
	"github.com/amplistack/qpcr-engine/internal/curves"
	"github.com/amplistack/qpcr-engine/internal/metrics"
	"github.com/amplistack/qpcr-engine/internal/models"
)

// Coordinator orchestrates invalidation and recomputation when the strategy, scale,
// or a manual threshold changes. It is the sole owner and writer of the channel
// threshold store; consumers only ever see snapshots.
//
// Every trigger bumps a generation counter. A pass captures its generation at the
// start and publishes only if it is still current, so a newer trigger logically
// cancels an in-flight pass and no stale partial results leak into the published
// state. Threshold writes always complete before any dependent CQJ/CalcJ read.
type Coordinator struct {
	logger     *slog.Logger
	store      *curves.Store
	resolver   *Resolver
	thresholds *ThresholdStore
	ladder     LadderConfig

	strategy models.ThresholdStrategy
	scale    models.Scale
	table    models.FixedThresholdTable
	groups   map[string][]models.ControlGroup

	generation uint64
	cqj        map[string]*float64
	calcj      map[string]models.CalcJResult
}

// NewCoordinator wires a coordinator for one analysis session. Control groups are
// categorized once: well curves are immutable for the session, so the grouping never
// changes.
func NewCoordinator(
	logger *slog.Logger,
	store *curves.Store,
	categorizer *controls.Categorizer,
	resolver *Resolver,
	ladder LadderConfig,
	strategy models.ThresholdStrategy,
	scale models.Scale,
	table models.FixedThresholdTable,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewResolver(0, logger)
	}
	if len(ladder.Concentrations) == 0 {
		ladder = DefaultLadderConfig()
	}
	if scale == "" {
		scale = models.ScaleLinear
	}

	var groups map[string][]models.ControlGroup
	if categorizer != nil {
		groups = categorizer.Categorize(store.Wells())
	}

	return &Coordinator{
		logger:     logger,
		store:      store,
		resolver:   resolver,
		thresholds: NewThresholdStore(),
		ladder:     ladder,
		strategy:   strategy,
		scale:      scale,
		table:      table,
		groups:     groups,
		cqj:        make(map[string]*float64),
		calcj:      make(map[string]models.CalcJResult),
	}
}

// Scale reports the currently active display scale.
func (c *Coordinator) Scale() models.Scale { return c.scale }

// Strategy reports the currently active strategy.
func (c *Coordinator) Strategy() models.ThresholdStrategy { return c.strategy }

// UpdateTable swaps the fixed-pathogen lookup table. Tables are fetched and cached
// before a pass begins; no I/O happens inside the recompute loop.
func (c *Coordinator) UpdateTable(table models.FixedThresholdTable) {
	if table != nil {
		c.table = table
	}
}

// Initialize runs the first full pass over the session's wells.
func (c *Coordinator) Initialize() (models.RecalculationResult, error) {
	return c.recalcAll(models.TriggerInitial)
}

// OnStrategyChange switches the active strategy and recomputes every channel's
// threshold and every well's CQJ/CalcJ. Manual thresholds are left untouched.
func (c *Coordinator) OnStrategyChange(strategy models.ThresholdStrategy) (models.RecalculationResult, error) {
	if _, err := models.ParseStrategyKind(string(strategy.Kind)); err != nil {
		return models.RecalculationResult{}, err
	}
	c.strategy = strategy
	return c.recalcAll(models.TriggerStrategyChange)
}

// OnScaleChange switches the active display scale and recomputes derived values.
// The stored curves are never mutated: only thresholds, CQJ, and CalcJ change.
func (c *Coordinator) OnScaleChange(scale models.Scale) (models.RecalculationResult, error) {
	if _, err := models.ParseScale(string(scale)); err != nil {
		return models.RecalculationResult{}, err
	}
	c.scale = scale
	return c.recalcAll(models.TriggerScaleChange)
}

// OnManualThresholdSet pins a manual threshold for one (channel, scale) pair and
// recomputes only that channel's wells, and only when the pair is at the active
// scale. Other channels are untouched.
func (c *Coordinator) OnManualThresholdSet(channel string, scale models.Scale, value float64) (models.RecalculationResult, error) {
	if _, err := models.ParseScale(string(scale)); err != nil {
		return models.RecalculationResult{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.RecalculationResult{}, fmt.Errorf("manual threshold must be finite")
	}
	if scale == models.ScaleLinear && value <= 0 {
		return models.RecalculationResult{}, fmt.Errorf("manual linear threshold must be positive")
	}

	gen := c.nextGeneration()
	start := time.Now()

	c.thresholds.Set(channel, scale, &value, true)
	result := c.recomputeChannel(gen, models.TriggerManualSet, channel, scale, start)
	return result, nil
}

// OnManualThresholdCleared reverts a (channel, scale) pair to automatic mode,
// re-resolves it under the active strategy, and recomputes that channel's wells.
func (c *Coordinator) OnManualThresholdCleared(channel string, scale models.Scale) (models.RecalculationResult, error) {
	if _, err := models.ParseScale(string(scale)); err != nil {
		return models.RecalculationResult{}, err
	}

	gen := c.nextGeneration()
	start := time.Now()

	c.thresholds.ClearManual(channel, scale)
	prior := c.thresholds.Get(channel, scale)
	v, err := c.resolver.Resolve(c.strategy, channel, scale, c.groups[channel], c.table, &prior)
	if err != nil {
		metrics.ObserveRecalculation(string(models.TriggerManualClear), time.Since(start), metrics.OutcomeError, 0)
		return models.RecalculationResult{}, err
	}
	c.thresholds.Set(channel, scale, v, false)

	result := c.recomputeChannel(gen, models.TriggerManualClear, channel, scale, start)
	return result, nil
}

// Results returns the latest published state: the full threshold snapshot plus
// per-well CQJ and CalcJ for every well of the session, invalid wells included.
func (c *Coordinator) Results() ([]models.ChannelThreshold, []models.CQJResult, []models.CalcJResult) {
	wells := append(c.store.Wells(), c.store.InvalidWells()...)
	cqj := make([]models.CQJResult, 0, len(wells))
	calcj := make([]models.CalcJResult, 0, len(wells))
	for _, w := range wells {
		cqj = append(cqj, models.CQJResult{WellID: w.WellID, Channel: w.Channel, Value: copyValue(c.cqj[w.WellID])})
		if r, ok := c.calcj[w.WellID]; ok {
			r.Value = copyValue(r.Value)
			calcj = append(calcj, r)
		} else {
			calcj = append(calcj, models.CalcJResult{WellID: w.WellID, Channel: w.Channel, Method: models.MethodUnavailable})
		}
	}
	return c.thresholds.Snapshot(), cqj, calcj
}

// recalcAll invalidates every non-manual threshold, re-resolves each channel at the
// active scale, then recomputes CQJ and CalcJ for every well.
func (c *Coordinator) recalcAll(trigger models.RecalcTrigger) (models.RecalculationResult, error) {
	gen := c.nextGeneration()
	start := time.Now()

	c.thresholds.InvalidateAllExceptManual()

	for _, ch := range c.store.Channels() {
		prior := c.thresholds.Get(ch, c.scale)
		if prior.IsManual {
			// Manual pairs ignore strategy and scale switches entirely.
			continue
		}
		v, err := c.resolver.Resolve(c.strategy, ch, c.scale, c.groups[ch], c.table, &prior)
		if err != nil {
			metrics.ObserveRecalculation(string(trigger), time.Since(start), metrics.OutcomeError, 0)
			return models.RecalculationResult{}, err
		}
		c.thresholds.Set(ch, c.scale, v, false)
		if v == nil {
			c.logger.Debug("threshold unresolved",
				slog.String("channel", ch),
				slog.String("scale", string(c.scale)),
				slog.String("strategy", string(c.strategy.Kind)))
		}
	}

	wells := c.store.Wells()

	// Thresholds are fully written before the first CQJ read.
	cqjByWell := make(map[string]*float64, len(wells))
	for _, w := range wells {
		th := c.thresholds.Get(w.Channel, c.scale)
		cqjByWell[w.WellID] = c.wellCQJ(w, th)
	}

	calcjByWell := make(map[string]models.CalcJResult, len(wells))
	for _, w := range wells {
		th := c.thresholds.Get(w.Channel, c.scale)
		calcjByWell[w.WellID] = ComputeCalcJ(w, cqjByWell[w.WellID], c.linearThreshold(th), c.groups[w.Channel], cqjByWell, c.ladder)
	}

	for _, w := range c.store.InvalidWells() {
		cqjByWell[w.WellID] = nil
		calcjByWell[w.WellID] = models.CalcJResult{WellID: w.WellID, Channel: w.Channel, Method: models.MethodUnavailable}
	}

	if !c.current(gen) {
		metrics.ObserveRecalculation(string(trigger), time.Since(start), metrics.OutcomeSuperseded, 0)
		return models.RecalculationResult{Generation: gen, Trigger: trigger, Complete: false}, nil
	}

	c.cqj = cqjByWell
	c.calcj = calcjByWell

	metrics.ObserveRecalculation(string(trigger), time.Since(start), metrics.OutcomeSuccess, len(wells))
	return c.publish(gen, trigger), nil
}

// recomputeChannel refreshes CQJ/CalcJ for one channel after a manual threshold
// change. Pairs at a non-active scale only update the stored threshold; derived
// values stay as computed for the active scale.
func (c *Coordinator) recomputeChannel(gen uint64, trigger models.RecalcTrigger, channel string, scale models.Scale, start time.Time) models.RecalculationResult {
	wells := c.store.WellsForChannel(channel)

	// Compute into fresh maps; the published state is only touched once the
	// generation check passes, never by a superseded pass.
	cqjByWell := make(map[string]*float64, len(wells))
	calcjByWell := make(map[string]models.CalcJResult, len(wells))
	if scale == c.scale {
		th := c.thresholds.Get(channel, c.scale)
		for _, w := range wells {
			cqjByWell[w.WellID] = c.wellCQJ(w, th)
		}
		// The channel's ladder controls are all in cqjByWell.
		for _, w := range wells {
			calcjByWell[w.WellID] = ComputeCalcJ(w, cqjByWell[w.WellID], c.linearThreshold(th), c.groups[channel], cqjByWell, c.ladder)
		}
	}

	if !c.current(gen) {
		metrics.ObserveRecalculation(string(trigger), time.Since(start), metrics.OutcomeSuperseded, 0)
		return models.RecalculationResult{Generation: gen, Trigger: trigger, Complete: false}
	}

	for id, v := range cqjByWell {
		c.cqj[id] = v
	}
	for id, r := range calcjByWell {
		c.calcj[id] = r
	}

	metrics.ObserveRecalculation(string(trigger), time.Since(start), metrics.OutcomeSuccess, len(wells))

	result := models.RecalculationResult{
		Generation: gen,
		Trigger:    trigger,
		Thresholds: c.thresholds.Snapshot(),
		Complete:   true,
	}
	for _, w := range wells {
		result.CQJ = append(result.CQJ, models.CQJResult{WellID: w.WellID, Channel: w.Channel, Value: copyValue(c.cqj[w.WellID])})
		if r, ok := c.calcj[w.WellID]; ok {
			r.Value = copyValue(r.Value)
			result.CalcJ = append(result.CalcJ, r)
		}
	}
	return result
}

// wellCQJ computes a well's crossing against its channel threshold in the units of
// the active scale.
func (c *Coordinator) wellCQJ(w models.WellCurve, th models.ChannelThreshold) *float64 {
	if th.Value == nil {
		return nil
	}
	if c.scale == models.ScaleLog {
		// Log-domain thresholds always map to a positive linear value, so the
		// linear-domain guard is satisfied by construction.
		return crossing(w.Cycles, curves.SignalForScale(w, models.ScaleLog), *th.Value)
	}
	return ComputeCQJ(w.Cycles, w.Signal, *th.Value)
}

// linearThreshold converts a threshold entry back to linear units for the
// amplitude fallback.
func (c *Coordinator) linearThreshold(th models.ChannelThreshold) *float64 {
	if th.Value == nil {
		return nil
	}
	v := *th.Value
	if th.Scale == models.ScaleLog {
		v = math.Pow(10, v)
	}
	return &v
}

func (c *Coordinator) publish(gen uint64, trigger models.RecalcTrigger) models.RecalculationResult {
	thresholds, cqj, calcj := c.Results()
	return models.RecalculationResult{
		Generation: gen,
		Trigger:    trigger,
		Thresholds: thresholds,
		CQJ:        cqj,
		CalcJ:      calcj,
		Complete:   true,
	}
}

func (c *Coordinator) nextGeneration() uint64 {
	c.generation++
	return c.generation
}

// current reports whether gen is still the newest trigger. Within the cooperative
// single-threaded model this only goes false when a deferred callback from a
// superseded pass fires after a newer trigger.
func (c *Coordinator) current(gen uint64) bool {
	return c.generation == gen
}
