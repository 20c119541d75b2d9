package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels passes that published a complete result.
	OutcomeSuccess = "success"
	// OutcomeError labels passes that failed on configuration errors.
	OutcomeError = "error"
	// OutcomeSuperseded labels passes discarded because a newer trigger arrived.
	OutcomeSuperseded = "superseded"
)

var (
	recalculationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qpcr_engine",
			Name:      "recalculations_total",
			Help:      "Total recalculation passes, partitioned by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	recalculationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "qpcr_engine",
			Name:      "recalculation_seconds",
			Help:      "Recalculation pass latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	wellsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qpcr_engine",
			Name:      "wells_processed_total",
			Help:      "Total well curves processed across recalculation passes.",
		},
	)

	thresholdTableFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qpcr_engine",
			Name:      "threshold_table_fetches_total",
			Help:      "Fixed-pathogen threshold table fetches, partitioned by source.",
		},
		[]string{"source"},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		recalculationsTotal,
		recalculationSeconds,
		wellsProcessed,
		thresholdTableFetches,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRecalculation records one pass with its trigger, duration, and outcome.
func ObserveRecalculation(trigger string, duration time.Duration, outcome string, wells int) {
	recalculationsTotal.WithLabelValues(trigger, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	recalculationSeconds.Observe(duration.Seconds())
	if wells > 0 {
		wellsProcessed.Add(float64(wells))
	}
}

// ObserveTableFetch records where a threshold table came from ("cache", "remote",
// "file").
func ObserveTableFetch(source string) {
	thresholdTableFetches.WithLabelValues(source).Inc()
}
