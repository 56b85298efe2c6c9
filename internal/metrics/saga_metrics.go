package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики оркестратора заказов.
type SagaMetrics struct {
	// Счётчики исходов саг
	sagaStarted   prometheus.Counter
	sagaCancelled prometheus.Counter
	sagaRefunded  prometheus.Counter
	sagaCompleted prometheus.Counter
	sagaFailed    prometheus.Counter

	// Счётчики компенсаций и повторов шагов
	compensations prometheus.Counter
	stepRetries   *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// Корзины для шагов саги короче стандартных: шаг обычно укладывается в секунды.
var stepDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

// NewSagaMetrics создаёт метрики саги в глобальном реестре Prometheus.
func NewSagaMetrics() *SagaMetrics {
	return newSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return registerOrReuse(registerer, name,
			prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help}))
	}

	return &SagaMetrics{
		sagaStarted:   counter("ofs_saga_started_total", "Total number of fulfillment sagas started"),
		sagaCancelled: counter("ofs_saga_cancelled_total", "Total number of fulfillment sagas cancelled"),
		sagaRefunded:  counter("ofs_saga_refunded_total", "Total number of fulfillment sagas refunded"),
		sagaCompleted: counter("ofs_saga_completed_total", "Total number of fulfillment sagas completed successfully"),
		sagaFailed:    counter("ofs_saga_failed_total", "Total number of fulfillment sagas failed terminally"),
		compensations: counter("ofs_saga_compensations_total", "Total number of compensation passes executed"),

		timelineEvents: counter("ofs_timeline_events_total", "Total number of timeline events recorded"),
		outboxEvents:   counter("ofs_outbox_events_total", "Total number of outbox events enqueued"),

		stepRetries: registerOrReuse(registerer, "ofs_saga_step_retries_total",
			prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ofs_saga_step_retries_total",
				Help: "Total number of saga step retries grouped by step",
			}, []string{"step"})),

		sagaDuration: registerOrReuse(registerer, "ofs_saga_duration_seconds",
			prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "ofs_saga_duration_seconds",
				Help:    "Duration of fulfillment sagas in seconds",
				Buckets: prometheus.DefBuckets,
			})),
		stepDuration: registerOrReuse(registerer, "ofs_saga_step_duration_seconds",
			prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ofs_saga_step_duration_seconds",
				Help:    "Duration of individual saga steps in seconds",
				Buckets: stepDurationBuckets,
			}, []string{"step"})),

		activeSagas: registerOrReuse(registerer, "ofs_active_sagas",
			prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ofs_active_sagas",
				Help: "Number of currently active fulfillment sagas",
			})),
	}
}

// registerOrReuse регистрирует коллектор либо возвращает уже зарегистрированный
// экземпляр с тем же именем. Конфликт типов при повторной регистрации считается
// ошибкой программиста и приводит к панике на старте.
func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}

	existing, ok := already.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
	}
	return existing
}

// RecordSagaStarted увеличивает счётчик запущенных саг.
func (m *SagaMetrics) RecordSagaStarted() {
	m.sagaStarted.Inc()
	m.RecordSagaInFlightStarted()
}

// RecordSagaCancelled увеличивает счётчик отменённых саг.
func (m *SagaMetrics) RecordSagaCancelled() {
	m.sagaCancelled.Inc()
}

// RecordSagaRefunded увеличивает счётчик саг с возвратом средств.
func (m *SagaMetrics) RecordSagaRefunded() {
	m.sagaRefunded.Inc()
}

// RecordSagaCompleted увеличивает счётчик завершённых саг.
func (m *SagaMetrics) RecordSagaCompleted() {
	m.sagaCompleted.Inc()
}

// RecordSagaFailed увеличивает счётчик терминально неудачных саг.
func (m *SagaMetrics) RecordSagaFailed() {
	m.sagaFailed.Inc()
}

// RecordCompensation увеличивает счётчик компенсационных проходов.
func (m *SagaMetrics) RecordCompensation() {
	m.compensations.Inc()
}

// RecordStepRetry увеличивает счётчик повторов конкретного шага.
func (m *SagaMetrics) RecordStepRetry(step string) {
	m.stepRetries.WithLabelValues(step).Inc()
}

// RecordSagaInFlightStarted увеличивает количество активных саг.
func (m *SagaMetrics) RecordSagaInFlightStarted() {
	m.activeSagas.Inc()
}

// RecordSagaInFlightFinished уменьшает количество активных саг.
func (m *SagaMetrics) RecordSagaInFlightFinished() {
	m.activeSagas.Dec()
}

// RecordSagaDuration записывает время выполнения саги.
func (m *SagaMetrics) RecordSagaDuration(duration time.Duration) {
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SagaMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
