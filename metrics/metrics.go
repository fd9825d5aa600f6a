// Package metrics exposes the Prometheus collectors of complete navigations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cchrome"

// Navigation holds the navigation collectors. A nil *Navigation is valid
// and records nothing.
type Navigation struct {
	Attempts       *prometheus.CounterVec
	Navigations    *prometheus.CounterVec
	ReadinessPolls prometheus.Counter
	Duration       prometheus.Histogram
}

// NewNavigation creates the navigation collectors and registers them with
// reg, if reg isn't nil.
func NewNavigation(reg prometheus.Registerer) *Navigation {
	m := &Navigation{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_attempts_total",
			Help:      "Navigation attempts by outcome.",
		}, []string{"outcome"}),
		Navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Complete navigations by result.",
		}, []string{"result"}),
		ReadinessPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_polls_total",
			Help:      "Document readiness evaluations.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_duration_seconds",
			Help:      "Wall time of complete navigations, from the first attempt to the result.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Navigations, m.ReadinessPolls, m.Duration)
	}

	return m
}

// ObserveAttempt counts a navigation attempt that ended with outcome.
func (m *Navigation) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

// ObservePolls adds n readiness evaluations.
func (m *Navigation) ObservePolls(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReadinessPolls.Add(float64(n))
}

// ObserveNavigation records a finished navigation.
func (m *Navigation) ObserveNavigation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(result).Inc()
	m.Duration.Observe(d.Seconds())
}
