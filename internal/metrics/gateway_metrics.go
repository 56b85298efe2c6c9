package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics содержит метрики адаптера платёжного провайдера.
type GatewayMetrics struct {
	calls        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	breakerState prometheus.Gauge
}

// NewGatewayMetrics создаёт новый экземпляр метрик платёжного шлюза.
func NewGatewayMetrics() *GatewayMetrics {
	return newGatewayMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newGatewayMetricsWithRegisterer(registerer prometheus.Registerer) *GatewayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &GatewayMetrics{
		calls: registerOrReuse(registerer, "ofs_gateway_calls_total",
			prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ofs_gateway_calls_total",
				Help: "Total number of payment gateway calls grouped by operation and outcome",
			}, []string{"op", "outcome"})),
		retries: registerOrReuse(registerer, "ofs_gateway_retries_total",
			prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ofs_gateway_retries_total",
				Help: "Total number of payment gateway call retries grouped by operation",
			}, []string{"op"})),
		callDuration: registerOrReuse(registerer, "ofs_gateway_call_duration_seconds",
			prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ofs_gateway_call_duration_seconds",
				Help:    "Duration of payment gateway calls in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			}, []string{"op"})),
		breakerState: registerOrReuse(registerer, "ofs_gateway_breaker_state",
			prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ofs_gateway_breaker_state",
				Help: "Circuit breaker state of the payment gateway: 0 closed, 1 half-open, 2 open",
			})),
	}
}

// RecordCall увеличивает счётчик вызовов провайдера и записывает длительность.
func (m *GatewayMetrics) RecordCall(op, outcome string, duration time.Duration) {
	m.calls.WithLabelValues(op, outcome).Inc()
	m.callDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetry увеличивает счётчик повторов вызова.
func (m *GatewayMetrics) RecordRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

// SetBreakerState выставляет текущее состояние circuit breaker.
func (m *GatewayMetrics) SetBreakerState(state float64) {
	m.breakerState.Set(state)
}
