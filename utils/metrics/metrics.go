// Package metrics records install outcomes in a Prometheus registry that can
// be exported to a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baker-street/bakerst-install/phases"
)

const namespace = "bakerst_install"

// Pull attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeLocalConfig = "local_config"
)

// Metrics holds the installer collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	pullAttempts   *prometheus.CounterVec
	pullDuration   prometheus.Histogram
	deploySteps    *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	currentPhase   prometheus.Gauge
	healthOutcomes *prometheus.CounterVec
}

// New registers the installer collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		pullAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pull_attempts_total",
				Help:      "Image pull attempts by outcome",
			},
			[]string{"outcome"},
		),
		pullDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pull_duration_seconds",
				Help:      "Duration of successful image pulls",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		deploySteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_steps_total",
				Help:      "Deploy steps by name and result",
			},
			[]string{"step", "result"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_recoveries_total",
				Help:      "Crash-loop recovery attempts by workload",
			},
			[]string{"workload"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_transitions_total",
				Help:      "Phase transitions by destination phase",
			},
			[]string{"phase"},
		),
		currentPhase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_phase",
				Help:      "Zero-based index of the current phase",
			},
		),
		healthOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_outcomes_total",
				Help:      "Terminal health monitor outcomes",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(
		m.pullAttempts,
		m.pullDuration,
		m.deploySteps,
		m.recoveries,
		m.transitions,
		m.currentPhase,
		m.healthOutcomes,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PullAttempt counts one pull attempt.
func (m *Metrics) PullAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pullAttempts.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.pullDuration.Observe(elapsed.Seconds())
	}
}

// DeployStep counts a finished deploy step.
func (m *Metrics) DeployStep(step string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.deploySteps.WithLabelValues(step, result).Inc()
}

// Recovery counts a crash-loop recovery attempt.
func (m *Metrics) Recovery(workload string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(workload).Inc()
}

// HealthOutcome counts a terminal health result ("healthy" or "timeout").
func (m *Metrics) HealthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.healthOutcomes.WithLabelValues(outcome).Inc()
}

// PhaseChanged implements phases.Observer.
func (m *Metrics) PhaseChanged(_, to phases.Phase) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	m.currentPhase.Set(float64(to.Index()))
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
