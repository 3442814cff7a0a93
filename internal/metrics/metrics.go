// Package metrics exposes the calibration observations from spec.md §4.10
// step 16 as Prometheus collectors for operator monitoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agensys/reviewbot/internal/model"
)

// Registry bundles the pipeline's Prometheus collectors.
type Registry struct {
	calibrationRatio *prometheus.HistogramVec
	outcomes         *prometheus.CounterVec
}

// NewRegistry constructs and registers the collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		calibrationRatio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reviewbot",
			Name:      "token_estimate_ratio",
			Help:      "Ratio of estimated to actual input tokens per LLM phase.",
			Buckets:   []float64{0.5, 0.7, 0.85, 0.95, 1.0, 1.05, 1.15, 1.3, 1.5, 2.0},
		}, []string{"phase", "model"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewbot",
			Name:      "review_outcomes_total",
			Help:      "Count of per-item review outcomes by disposition.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(r.calibrationRatio, r.outcomes)
	return r
}

// ObserveCalibration records one calibration observation.
func (r *Registry) ObserveCalibration(obs model.CalibrationObservation) {
	r.calibrationRatio.WithLabelValues(obs.Phase, obs.Model).Observe(obs.Ratio)
}

// IncOutcome increments the outcome counter for one of
// "posted"/"skipped"/"error".
func (r *Registry) IncOutcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

// CalibrationObservationFor builds the observation struct from raw counts,
// guarding against divide-by-zero.
func CalibrationObservationFor(phase string, actual, estimated int, modelName string) model.CalibrationObservation {
	ratio := 0.0
	if actual > 0 {
		ratio = float64(estimated) / float64(actual)
	}
	return model.CalibrationObservation{
		Phase:             phase,
		ActualInputTokens: actual,
		EstimatedTokens:   estimated,
		Ratio:             ratio,
		Model:             modelName,
	}
}
