// Package metrics holds the Prometheus collectors for the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	resolveSeconds *prometheus.HistogramVec
	scheduled      *prometheus.CounterVec
	durations      *prometheus.HistogramVec
	averages       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sopline_transitions_total",
			Help: "Completion state transitions applied",
		}, []string{"event", "from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sopline_rejections_total",
			Help: "Operations rejected by the engine, by error kind",
		}, []string{"kind"}),
		resolveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sopline_resolve_seconds",
			Help:    "Time spent flattening a procedure",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"outcome"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sopline_occurrences_scheduled_total",
			Help: "Occurrences created, by source",
		}, []string{"source"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sopline_completion_duration_minutes",
			Help:    "Actual duration of completed occurrences",
			Buckets: prometheus.LinearBuckets(5, 5, 24),
		}, []string{"category"}),
		averages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sopline_procedure_average_minutes",
			Help: "Rolling average completion time per procedure",
		}, []string{"procedure"}),
	}
	m.registry.MustRegister(
		m.transitions, m.rejected, m.resolveSeconds, m.scheduled, m.durations, m.averages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Transition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveResolve(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.resolveSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) Scheduled(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.scheduled.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Completed(category string, minutes, average float64, procedureID string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "uncategorized"
	}
	m.durations.WithLabelValues(category).Observe(minutes)
	m.averages.WithLabelValues(procedureID).Set(average)
}
