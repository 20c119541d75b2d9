package engine

import (
	"sort"

	"github.com/amplistack/qpcr-engine/internal/models"
)

type thresholdKey struct {
	channel string
	scale   models.Scale
}

// ThresholdStore caches resolved thresholds per (channel, scale) pair. Entries are
// created lazily on first access and move EMPTY -> RESOLVED -> EMPTY on invalidation,
// except manual entries, which survive invalidation until explicitly cleared.
//
// The store is owned exclusively by the Coordinator; everything else sees read-only
// snapshots. The engine's scheduling model is single-threaded, so the store carries
// no locking of its own.
type ThresholdStore struct {
	entries map[thresholdKey]*models.ChannelThreshold
}

// NewThresholdStore creates an empty store.
func NewThresholdStore() *ThresholdStore {
	return &ThresholdStore{entries: make(map[thresholdKey]*models.ChannelThreshold)}
}

// Get returns the entry for (channel, scale), creating an empty one on first use.
// The returned value is a copy.
func (s *ThresholdStore) Get(channel string, scale models.Scale) models.ChannelThreshold {
	e := s.entry(channel, scale)
	return copyThreshold(*e)
}

// Set stores a threshold value. A nil value records the pair as unresolved.
func (s *ThresholdStore) Set(channel string, scale models.Scale, value *float64, isManual bool) {
	e := s.entry(channel, scale)
	e.Value = copyValue(value)
	e.IsManual = isManual
}

// ClearManual reverts a pair to automatic mode, emptying its value so the next pass
// re-resolves it.
func (s *ThresholdStore) ClearManual(channel string, scale models.Scale) {
	e := s.entry(channel, scale)
	e.IsManual = false
	e.Value = nil
}

// InvalidateAllExceptManual empties every non-manual entry. Manual entries are never
// silently cleared.
func (s *ThresholdStore) InvalidateAllExceptManual() {
	for _, e := range s.entries {
		if e.IsManual {
			continue
		}
		e.Value = nil
	}
}

// Snapshot returns all entries ordered by channel then scale.
func (s *ThresholdStore) Snapshot() []models.ChannelThreshold {
	out := make([]models.ChannelThreshold, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyThreshold(*e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Scale < out[j].Scale
	})
	return out
}

func (s *ThresholdStore) entry(channel string, scale models.Scale) *models.ChannelThreshold {
	k := thresholdKey{channel: channel, scale: scale}
	e, ok := s.entries[k]
	if !ok {
		e = &models.ChannelThreshold{Channel: channel, Scale: scale}
		s.entries[k] = e
	}
	return e
}

func copyThreshold(t models.ChannelThreshold) models.ChannelThreshold {
	t.Value = copyValue(t.Value)
	return t
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
