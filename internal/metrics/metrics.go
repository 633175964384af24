// Package metrics exposes the service's prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain instruments. A nil *Metrics is a no-op.
type Metrics struct {
	registry         *prometheus.Registry
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	usageRecorded    prometheus.Counter
	usageDropped     prometheus.Counter
	usageFailed      prometheus.Counter
	quotaRejections  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mock_dispatch_total",
			Help: "Mock requests dispatched, by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mock_dispatch_duration_seconds",
			Help:    "Time spent dispatching a mock request, including simulated delay.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),
		usageRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_events_recorded_total",
			Help: "Usage records persisted.",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_events_dropped_total",
			Help: "Usage events dropped because the queue was full.",
		}),
		usageFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_events_failed_total",
			Help: "Usage events that could not be persisted.",
		}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Operations rejected because a monthly quota was exhausted.",
		}, []string{"resource"}),
	}
	registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.usageRecorded,
		m.usageDropped,
		m.usageFailed,
		m.quotaRejections,
	)
	return m
}

func (m *Metrics) ObserveDispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) UsageRecorded(n int) {
	if m == nil {
		return
	}
	m.usageRecorded.Add(float64(n))
}

func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

func (m *Metrics) UsageFailed(n int) {
	if m == nil {
		return
	}
	m.usageFailed.Add(float64(n))
}

func (m *Metrics) QuotaRejected(resource string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(resource).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
