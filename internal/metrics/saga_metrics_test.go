package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) *SagaMetrics {
	t.Helper()
	return newSagaMetricsWithRegisterer(prometheus.NewRegistry())
}

func histogramSamples(t *testing.T, h prometheus.Histogram) (uint64, float64) {
	t.Helper()

	metric := &dto.Metric{}
	if err := h.Write(metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	return metric.Histogram.GetSampleCount(), metric.Histogram.GetSampleSum()
}

func TestNewSagaMetricsRegistersAllCollectors(t *testing.T) {
	m := newTestMetrics(t)

	collectors := map[string]prometheus.Collector{
		"sagaStarted":    m.sagaStarted,
		"sagaCancelled":  m.sagaCancelled,
		"sagaRefunded":   m.sagaRefunded,
		"sagaCompleted":  m.sagaCompleted,
		"sagaFailed":     m.sagaFailed,
		"compensations":  m.compensations,
		"stepRetries":    m.stepRetries,
		"sagaDuration":   m.sagaDuration,
		"stepDuration":   m.stepDuration,
		"timelineEvents": m.timelineEvents,
		"outboxEvents":   m.outboxEvents,
		"activeSagas":    m.activeSagas,
	}
	for name, collector := range collectors {
		if collector == nil {
			t.Errorf("collector %s is nil", name)
		}
	}
}

func TestRepeatedRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := newSagaMetricsWithRegisterer(reg)
	second := newSagaMetricsWithRegisterer(reg)

	// Повторная регистрация возвращает уже зарегистрированные коллекторы.
	if first.sagaStarted != second.sagaStarted {
		t.Error("expected the same counter instance on repeated registration")
	}
	if first.stepRetries != second.stepRetries {
		t.Error("expected the same counter vec instance on repeated registration")
	}
	if first.activeSagas != second.activeSagas {
		t.Error("expected the same gauge instance on repeated registration")
	}
}

func TestOutcomeCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSagaCancelled()
	m.RecordSagaRefunded()
	m.RecordSagaRefunded()
	m.RecordSagaCompleted()
	m.RecordSagaFailed()
	m.RecordCompensation()
	m.RecordCompensation()
	m.RecordCompensation()
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()

	cases := []struct {
		name    string
		counter prometheus.Counter
		want    float64
	}{
		{"cancelled", m.sagaCancelled, 1},
		{"refunded", m.sagaRefunded, 2},
		{"completed", m.sagaCompleted, 1},
		{"failed", m.sagaFailed, 1},
		{"compensations", m.compensations, 3},
		{"timeline", m.timelineEvents, 1},
		{"outbox", m.outboxEvents, 1},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(tc.counter); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRecordSagaStartedBumpsActiveGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSagaStarted()

	if got := testutil.ToFloat64(m.sagaStarted); got != 1 {
		t.Errorf("expected started counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeSagas); got != 1 {
		t.Errorf("expected 1 active saga, got %v", got)
	}
}

func TestRecordSagaCancelledKeepsActiveGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.activeSagas.Set(5)
	m.RecordSagaCancelled()

	// Декремент активных саг происходит только в RecordSagaInFlightFinished.
	if got := testutil.ToFloat64(m.activeSagas); got != 5 {
		t.Errorf("expected 5 active sagas, got %v", got)
	}
}

func TestRecordStepRetry(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStepRetry("capture-funds")
	m.RecordStepRetry("capture-funds")
	m.RecordStepRetry("reserve-funds")

	if got := testutil.ToFloat64(m.stepRetries.WithLabelValues("capture-funds")); got != 2 {
		t.Errorf("expected 2 retries for capture-funds, got %v", got)
	}
	if got := testutil.ToFloat64(m.stepRetries.WithLabelValues("reserve-funds")); got != 1 {
		t.Errorf("expected 1 retry for reserve-funds, got %v", got)
	}
}

func TestRecordSagaDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSagaDuration(100 * time.Millisecond)
	m.RecordSagaDuration(500 * time.Millisecond)
	m.RecordSagaDuration(1 * time.Second)

	count, sum := histogramSamples(t, m.sagaDuration)
	if count != 3 {
		t.Errorf("expected 3 samples, got %d", count)
	}
	// Сумма наблюдений: 0.1 + 0.5 + 1.0 секунды.
	if sum < 1.5 || sum > 1.7 {
		t.Errorf("expected sum around 1.6, got %f", sum)
	}
}

func TestRecordStepDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStepDuration("reserve-funds", 50*time.Millisecond)
	m.RecordStepDuration("capture-funds", 100*time.Millisecond)
	m.RecordStepDuration("mark-paid", 25*time.Millisecond)

	observer, err := m.stepDuration.GetMetricWithLabelValues("reserve-funds")
	if err != nil {
		t.Fatalf("failed to get step histogram: %v", err)
	}
	count, _ := histogramSamples(t, observer.(prometheus.Histogram))
	if count != 1 {
		t.Errorf("expected 1 sample for reserve-funds, got %d", count)
	}
}

func TestSagaLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSagaStarted()
	m.RecordSagaStarted()
	m.RecordSagaStarted()

	m.RecordSagaCompleted()
	m.RecordSagaInFlightFinished()
	m.RecordSagaCompleted()
	m.RecordSagaInFlightFinished()

	if got := testutil.ToFloat64(m.activeSagas); got != 1 {
		t.Errorf("expected 1 active saga, got %v", got)
	}
	if got := testutil.ToFloat64(m.sagaStarted); got != 3 {
		t.Errorf("expected 3 started sagas, got %v", got)
	}
	if got := testutil.ToFloat64(m.sagaCompleted); got != 2 {
		t.Errorf("expected 2 completed sagas, got %v", got)
	}
}
