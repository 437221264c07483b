// Package metrics exposes Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway's instruments on one registry so tests can
// use isolated registries.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	AccountsReady   prometheus.Gauge
	AccountsTotal   prometheus.Gauge
	RetriesTotal    prometheus.Counter
	PoolExhausted   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed gateway requests by model and outcome.",
		}, []string{"model", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End to end latency of gateway requests.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens processed by direction (prompt or completion).",
		}, []string{"model", "direction"}),
		AccountsReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_accounts_ready",
			Help: "Accounts currently available for selection.",
		}),
		AccountsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_accounts_total",
			Help: "Accounts registered in the pool.",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_account_retries_total",
			Help: "Requests that rotated to another account at least once.",
		}),
		PoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pool_exhausted_total",
			Help: "Requests rejected because no account was usable.",
		}),
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(model, status string, seconds float64, promptTokens, completionTokens int) {
	m.RequestsTotal.WithLabelValues(model, status).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(seconds)
	if promptTokens > 0 {
		m.TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}
