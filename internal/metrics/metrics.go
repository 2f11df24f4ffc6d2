// Package metrics exposes Prometheus counters for model traffic, actions,
// turns and safety decisions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/cua/pkg/llm"
)

const namespace = "cua"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	modelRequests *prometheus.CounterVec
	modelLatency  *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	actions       *prometheus.CounterVec
	turns         *prometheus.CounterVec
	safety        *prometheus.CounterVec
	runs          *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.modelRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_requests_total",
		Help:      "Vendor requests by HTTP status (0 for transport failures).",
	}, []string{"vendor", "status"})

	m.modelLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_request_duration_seconds",
		Help:      "Vendor request latency in seconds.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"vendor"})

	m.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_tokens_total",
		Help:      "Tokens reported by vendors.",
	}, []string{"vendor", "direction"})

	m.actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Dispatched actions by kind and result status.",
	}, []string{"kind", "status"})

	m.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Completed turns by final state.",
	}, []string{"state"})

	m.safety = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_decisions_total",
		Help:      "Safety check acknowledgments.",
	}, []string{"decision"})

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Daemon runs by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.modelRequests, m.modelLatency, m.tokens, m.actions, m.turns, m.safety, m.runs,
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

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest implements llm.RequestObserver.
func (m *Metrics) ObserveRequest(vendor string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.modelRequests.WithLabelValues(vendor, strconv.Itoa(status)).Inc()
	m.modelLatency.WithLabelValues(vendor).Observe(elapsed.Seconds())
}

// ObserveUsage records token usage of one response.
func (m *Metrics) ObserveUsage(vendor string, u llm.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(vendor, "input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues(vendor, "output").Add(float64(u.OutputTokens))
}

// ObserveAction records one resolved action call. Kinds outside the
// advertised vocabulary share the "unknown" label.
func (m *Metrics) ObserveAction(kind llm.ActionKind, status llm.ResultStatus) {
	if m == nil {
		return
	}
	if !slices.Contains(llm.ActionKinds(), kind) {
		kind = llm.ActionUnknown
	}
	m.actions.WithLabelValues(string(kind), string(status)).Inc()
}

// ObserveTurn records the final state of a turn.
func (m *Metrics) ObserveTurn(state string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(state).Inc()
}

// ObserveSafety records one safety decision.
func (m *Metrics) ObserveSafety(_ llm.SafetyCheck, approved bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.safety.WithLabelValues(decision).Inc()
}

// ObserveRun records a daemon run outcome.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

var _ llm.RequestObserver = (*Metrics)(nil)
