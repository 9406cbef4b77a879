// Package metrics exposes prometheus collectors for the update resolution
// hot path and the release lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	CheckDuration    *prometheus.HistogramVec
	CheckResolutions *prometheus.CounterVec
	LifecycleEvents  *prometheus.CounterVec
	FailureReports   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundlenudge_check_duration_seconds",
			Help:    "Latency of update resolution requests.",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2.5},
		}, []string{"outcome"}),
		CheckResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlenudge_check_resolutions_total",
			Help: "Update resolution outcomes, tagged with the release resolved (or none).",
		}, []string{"outcome", "release"}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlenudge_release_transitions_total",
			Help: "Release lifecycle transitions.",
		}, []string{"to"}),
		FailureReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundlenudge_health_failure_reports_total",
			Help: "Device failure reports accepted.",
		}),
	}
	m.registry.MustRegister(m.CheckDuration, m.CheckResolutions, m.LifecycleEvents, m.FailureReports)
	return m
}

// Handler serves the prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
