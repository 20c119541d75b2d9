package curves

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/amplistack/qpcr-engine/internal/models"
)

// ErrInvalidCurve marks a malformed well curve. The failure is local to the well: the
// store keeps the well ID so downstream results can report it as unavailable, but the
// rest of the batch is unaffected.
var ErrInvalidCurve = errors.New("invalid well curve")

// baselineWindow is the number of early cycles used to derive a baseline estimate
// when the upstream fitter supplied none.
const baselineWindow = 5

// logFloor replaces non-positive signal samples in the log10 view so the view stays
// finite without mutating the stored linear data.
const logFloor = 1e-10

// Store holds the normalized, validated well curves of one analysis session. Curves
// are immutable once stored; all accessors return copies.
type Store struct {
	wells     map[string]models.WellCurve
	order     []string
	byChannel map[string][]string
	invalid   map[string]error
}

// NewStore validates and indexes the supplied curves. Malformed wells are recorded as
// invalid and excluded from computation, never aborting the batch.
func NewStore(wells []models.WellCurve, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		wells:     make(map[string]models.WellCurve, len(wells)),
		byChannel: make(map[string][]string),
		invalid:   make(map[string]error),
	}

	for _, w := range wells {
		if err := validate(w); err != nil {
			logger.Warn("rejecting malformed well curve",
				slog.String("well_id", w.WellID),
				slog.String("channel", w.Channel),
				slog.Any("error", err))
			s.invalid[w.WellID] = err
			s.order = append(s.order, w.WellID)
			s.byChannel[w.Channel] = append(s.byChannel[w.Channel], w.WellID)
			// Keep the record so invalid wells still appear in published results.
			s.wells[w.WellID] = copyWell(w)
			continue
		}
		s.wells[w.WellID] = derive(copyWell(w))
		s.order = append(s.order, w.WellID)
		s.byChannel[w.Channel] = append(s.byChannel[w.Channel], w.WellID)
	}

	return s
}

func validate(w models.WellCurve) error {
	if w.WellID == "" {
		return fmt.Errorf("%w: empty well id", ErrInvalidCurve)
	}
	if w.Channel == "" {
		return fmt.Errorf("%w: well %s has no channel", ErrInvalidCurve, w.WellID)
	}
	if len(w.Cycles) != len(w.Signal) {
		return fmt.Errorf("%w: well %s has %d cycles but %d signal samples",
			ErrInvalidCurve, w.WellID, len(w.Cycles), len(w.Signal))
	}
	if len(w.Cycles) < 2 {
		return fmt.Errorf("%w: well %s has %d points, need at least 2", ErrInvalidCurve, w.WellID, len(w.Cycles))
	}
	for i := 1; i < len(w.Cycles); i++ {
		if !(w.Cycles[i] > w.Cycles[i-1]) {
			return fmt.Errorf("%w: well %s cycles not strictly increasing at index %d", ErrInvalidCurve, w.WellID, i)
		}
	}
	for i, v := range w.Signal {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: well %s signal sample %d is not finite", ErrInvalidCurve, w.WellID, i)
		}
	}
	return nil
}

// derive fills missing scalar metrics from the raw curve: amplitude as the signal
// span, baseline as the mean over the early-cycle window.
func derive(w models.WellCurve) models.WellCurve {
	if w.Amplitude == nil {
		amp := floats.Max(w.Signal) - floats.Min(w.Signal)
		w.Amplitude = &amp
	}
	if w.Baseline == nil {
		window := baselineWindow
		if len(w.Signal) < window {
			window = len(w.Signal)
		}
		base := stat.Mean(w.Signal[:window], nil)
		w.Baseline = &base
	}
	return w
}

func copyWell(w models.WellCurve) models.WellCurve {
	out := w
	out.Cycles = append([]float64(nil), w.Cycles...)
	out.Signal = append([]float64(nil), w.Signal...)
	if w.Amplitude != nil {
		amp := *w.Amplitude
		out.Amplitude = &amp
	}
	if w.Baseline != nil {
		base := *w.Baseline
		out.Baseline = &base
	}
	return out
}

// Get returns the well by ID. The second result reports whether the well exists and
// is valid.
func (s *Store) Get(wellID string) (models.WellCurve, bool) {
	w, ok := s.wells[wellID]
	if !ok {
		return models.WellCurve{}, false
	}
	if _, bad := s.invalid[wellID]; bad {
		return models.WellCurve{}, false
	}
	return copyWell(w), true
}

// Wells returns all valid wells in upload order.
func (s *Store) Wells() []models.WellCurve {
	out := make([]models.WellCurve, 0, len(s.order))
	for _, id := range s.order {
		if _, bad := s.invalid[id]; bad {
			continue
		}
		out = append(out, copyWell(s.wells[id]))
	}
	return out
}

// WellsForChannel returns the valid wells of one channel in upload order.
func (s *Store) WellsForChannel(channel string) []models.WellCurve {
	ids := s.byChannel[channel]
	out := make([]models.WellCurve, 0, len(ids))
	for _, id := range ids {
		if _, bad := s.invalid[id]; bad {
			continue
		}
		out = append(out, copyWell(s.wells[id]))
	}
	return out
}

// Channels returns the sorted set of channels present in the session, including
// channels whose only wells were invalid.
func (s *Store) Channels() []string {
	out := make([]string, 0, len(s.byChannel))
	for ch := range s.byChannel {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// InvalidWells returns the IDs and channels of wells rejected at validation, in
// upload order. Their results are published as null/unavailable.
func (s *Store) InvalidWells() []models.WellCurve {
	out := make([]models.WellCurve, 0, len(s.invalid))
	for _, id := range s.order {
		if _, bad := s.invalid[id]; bad {
			w := s.wells[id]
			out = append(out, models.WellCurve{WellID: w.WellID, Channel: w.Channel})
		}
	}
	return out
}

// InvalidReason reports why a well was rejected, if it was.
func (s *Store) InvalidReason(wellID string) (error, bool) {
	err, ok := s.invalid[wellID]
	return err, ok
}

// SignalForScale returns the well's signal in the units of the given scale. The
// stored arrays are never mutated; the log view is derived on the fly with
// non-positive samples floored so the result stays finite.
func SignalForScale(w models.WellCurve, scale models.Scale) []float64 {
	out := append([]float64(nil), w.Signal...)
	if scale != models.ScaleLog {
		return out
	}
	for i, v := range out {
		if v < logFloor {
			v = logFloor
		}
		out[i] = math.Log10(v)
	}
	return out
}
