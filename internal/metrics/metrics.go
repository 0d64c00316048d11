// Package metrics exposes the proxy's Prometheus metrics: token and cost
// accounting, latency, blocked tool calls and compression outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	interactions *prometheus.CounterVec
	blockedTools *prometheus.CounterVec
	compression  *prometheus.CounterVec
	tokensSaved  *prometheus.CounterVec
}

// Interaction is one finished call as seen by the metrics sink.
type Interaction struct {
	Provider     string
	Model        string
	Stream       bool
	Status       string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     time.Duration
}

// New creates and registers the collectors. The registry also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_tokens_total",
				Help: "Tokens processed, by direction",
			},
			[]string{"provider", "model", "type"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_cost_total",
				Help: "Cost of proxied calls in USD at the actual model's price",
			},
			[]string{"provider", "model"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_proxy_request_duration_seconds",
				Help:    "End-to-end duration of proxied calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "stream"},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_interactions_total",
				Help: "Proxied calls by terminal status",
			},
			[]string{"provider", "status"},
		),
		blockedTools: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_blocked_tool_calls_total",
				Help: "Tool calls refused by a tool invocation policy",
			},
			[]string{"provider", "tool"},
		),
		compression: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_compression_total",
				Help: "Tool result compression attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		tokensSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_proxy_tokens_saved_total",
				Help: "Input tokens removed by tool result compression",
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokens, m.cost, m.duration, m.interactions,
		m.blockedTools, m.compression, m.tokensSaved,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInteraction records tokens, cost, latency and status of one call.
func (m *Metrics) ObserveInteraction(i Interaction) {
	m.tokens.WithLabelValues(i.Provider, i.Model, "input").Add(float64(i.InputTokens))
	m.tokens.WithLabelValues(i.Provider, i.Model, "output").Add(float64(i.OutputTokens))
	if i.Cost > 0 {
		m.cost.WithLabelValues(i.Provider, i.Model).Add(i.Cost)
	}
	m.duration.WithLabelValues(i.Provider, i.Model, strconv.FormatBool(i.Stream)).Observe(i.Duration.Seconds())
	m.interactions.WithLabelValues(i.Provider, i.Status).Inc()
}

// BlockedToolCall counts one refused tool call.
func (m *Metrics) BlockedToolCall(provider, tool string) {
	m.blockedTools.WithLabelValues(provider, tool).Inc()
}

// Compression records a compression outcome: "applied" or a skip reason.
func (m *Metrics) Compression(provider, outcome string, tokensSaved int) {
	m.compression.WithLabelValues(provider, outcome).Inc()
	if tokensSaved > 0 {
		m.tokensSaved.WithLabelValues(provider).Add(float64(tokensSaved))
	}
}
