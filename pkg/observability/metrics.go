package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the gateway and the
// reliability envelope.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	tasksTotal      *prometheus.CounterVec
}

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// NewMetrics builds and registers the instrument set on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscientist_gateway_requests_total",
			Help: "Gateway requests by agent type, request type, and outcome.",
		}, []string{"agent_type", "request_type", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coscientist_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_type", "request_type"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscientist_llm_tokens_total",
			Help: "Tokens exchanged with upstream models by direction.",
		}, []string{"model", "direction"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coscientist_breaker_state",
			Help: "Circuit breaker state per model (0 closed, 1 open, 2 half-open).",
		}, []string{"model"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coscientist_request_queue_depth",
			Help: "Requests waiting in the recovery queue.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscientist_scheduler_tasks_total",
			Help: "Scheduler tasks by agent type and outcome.",
		}, []string{"agent_type", "status"}),
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.tokensTotal,
		m.breakerState, m.queueDepth, m.tasksTotal)
	return m
}

// ObserveRequest records one gateway request outcome. Safe on nil.
func (m *Metrics) ObserveRequest(agentType, requestType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(agentType, requestType, status).Inc()
	m.requestDuration.WithLabelValues(agentType, requestType).Observe(duration.Seconds())
}

// AddTokens records token usage for a model. Safe on nil.
func (m *Metrics) AddTokens(model string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
	m.tokensTotal.WithLabelValues(model, "output").Add(float64(completionTokens))
}

// SetBreakerState records a breaker transition. Safe on nil.
func (m *Metrics) SetBreakerState(model string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(model).Set(float64(state))
}

// SetQueueDepth records the recovery queue depth. Safe on nil.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveTask records one scheduler task outcome. Safe on nil.
func (m *Metrics) ObserveTask(agentType, status string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(agentType, status).Inc()
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
