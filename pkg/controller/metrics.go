package controller

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeEmpty    = "empty"
	OutcomeConflict = "conflict"
	OutcomeStale    = "stale"

	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

// Metrics counts controller activity. A nil *Metrics records nothing, so one
// instance can be shared by every controller of a process.
type Metrics struct {
	schemaFetches *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	submissions   *prometheus.CounterVec
}

// NewMetrics registers the onboarding counters with reg, reusing collectors
// that are already registered. A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fetches, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "onboarding_schema_fetch_total",
		Help: "Onboarding schema fetches by outcome.",
	}, "outcome")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "onboarding_step_transitions_total",
		Help: "Onboarding step transitions by direction and outcome.",
	}, "direction", "outcome")
	if err != nil {
		return nil, err
	}
	submissions, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "onboarding_submissions_total",
		Help: "Onboarding submissions by outcome.",
	}, "outcome")
	if err != nil {
		return nil, err
	}
	return &Metrics{
		schemaFetches: fetches,
		transitions:   transitions,
		submissions:   submissions,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("controller: register %s: %w", opts.Name, err)
	}
	return vec, nil
}

func (m *Metrics) schemaFetch(outcome string) {
	if m == nil {
		return
	}
	m.schemaFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) transition(direction, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}
