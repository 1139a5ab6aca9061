// Package metrics exposes engine counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carat"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	turns          *prometheus.CounterVec
	clarifications prometheus.Counter
	executions     *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns handled, by resolved intent and classification source.",
		}, []string{"intent", "source"}),
		clarifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clarifications_total",
			Help:      "Clarifying questions asked.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Task executions, by path and outcome.",
		}, []string{"path", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_fallbacks_total",
			Help:      "Delegated executions that fell back to direct tools, by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.turns,
		m.clarifications,
		m.executions,
		m.fallbacks,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
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

func (m *Metrics) ObserveTurn(intent, source string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(intent, source).Inc()
}

func (m *Metrics) ObserveClarification() {
	if m == nil {
		return
	}
	m.clarifications.Inc()
}

// ObserveExecution implements execution.Observer.
func (m *Metrics) ObserveExecution(path, outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(path, outcome).Inc()
}

// ObserveFallback implements execution.Observer.
func (m *Metrics) ObserveFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveHTTP(method, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
}
