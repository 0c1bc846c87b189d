// Package metrics exposes Prometheus metrics for restore sagas.
//
// Metrics are registered once through Init. Every Record function is a no-op
// before Init, so packages and tests that never initialise metrics can still
// call them.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backup_manager"

const (
	LabelApplication = "application"
	LabelResult      = "result"
	LabelPhase       = "phase"
	LabelOutcome     = "outcome"
	LabelTimedOut    = "timed_out"
)

var (
	restoresTriggered *prometheus.CounterVec
	sagaOutcomes      *prometheus.CounterVec
	phaseTransitions  *prometheus.CounterVec
	drainDuration     *prometheus.HistogramVec
	inFlight          prometheus.Gauge

	initOnce sync.Once
	initErr  error
)

// Init registers all metrics with registry. Only the first call has effect.
func Init(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		restoresTriggered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restores_triggered_total",
				Help:      "Restore requests received, by application and result",
			},
			[]string{LabelApplication, LabelResult},
		)
		sagaOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_outcomes_total",
				Help:      "Sagas that reached a terminal phase, by application, phase and outcome",
			},
			[]string{LabelApplication, LabelPhase, LabelOutcome},
		)
		phaseTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_phase_transitions_total",
				Help:      "Phases entered by restore sagas",
			},
			[]string{LabelPhase},
		)
		drainDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Time spent waiting for pods to terminate before a restore",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
			},
			[]string{LabelApplication, LabelTimedOut},
		)
		inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sagas_in_flight",
			Help:      "Restore sagas currently held in the registry",
		})

		for name, c := range map[string]prometheus.Collector{
			"restoresTriggered": restoresTriggered,
			"sagaOutcomes":      sagaOutcomes,
			"phaseTransitions":  phaseTransitions,
			"drainDuration":     drainDuration,
			"inFlight":          inFlight,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})
	return initErr
}

// RecordTrigger counts a restore request and its synchronous result.
func RecordTrigger(applicationID, result string) {
	if restoresTriggered == nil {
		return
	}
	restoresTriggered.WithLabelValues(applicationID, result).Inc()
}

// RecordPhase counts a phase entered by any saga.
func RecordPhase(phase string) {
	if phaseTransitions == nil {
		return
	}
	phaseTransitions.WithLabelValues(phase).Inc()
}

// RecordOutcome counts a saga reaching a terminal phase.
func RecordOutcome(applicationID, phase, outcome string) {
	if sagaOutcomes == nil {
		return
	}
	if outcome == "" {
		outcome = "none"
	}
	sagaOutcomes.WithLabelValues(applicationID, phase, outcome).Inc()
}

// ObserveDrain records how long a drain waited.
func ObserveDrain(applicationID string, seconds float64, timedOut bool) {
	if drainDuration == nil {
		return
	}
	drainDuration.WithLabelValues(applicationID, fmt.Sprint(timedOut)).Observe(seconds)
}

// SetInFlight publishes the number of sagas held in the registry.
func SetInFlight(n int) {
	if inFlight == nil {
		return
	}
	inFlight.Set(float64(n))
}
