package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит метрики кошелькового леджера.
type LedgerMetrics struct {
	entriesAppended   *prometheus.CounterVec
	idempotentReplays prometheus.Counter
	insufficientFunds prometheus.Counter
	versionConflicts  prometheus.Counter
	reconcileRuns     prometheus.Counter
	reconcileDiverged prometheus.Counter
}

// NewLedgerMetrics создаёт новый экземпляр метрик леджера.
func NewLedgerMetrics() *LedgerMetrics {
	return newLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return registerOrReuse(registerer, name,
			prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help}))
	}

	return &LedgerMetrics{
		entriesAppended: registerOrReuse(registerer, "ofs_ledger_entries_total",
			prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ofs_ledger_entries_total",
				Help: "Total number of ledger entries appended grouped by type",
			}, []string{"type"})),
		idempotentReplays: counter("ofs_ledger_idempotent_replays_total",
			"Total number of append calls resolved from a previously applied idempotency key"),
		insufficientFunds: counter("ofs_ledger_insufficient_funds_total",
			"Total number of debits rejected due to insufficient balance"),
		versionConflicts: counter("ofs_ledger_version_conflicts_total",
			"Total number of optimistic concurrency conflicts on wallet projection"),
		reconcileRuns: counter("ofs_ledger_reconcile_runs_total",
			"Total number of balance reconciliation runs"),
		reconcileDiverged: counter("ofs_ledger_reconcile_divergence_total",
			"Total number of reconciliation runs that found a diverged balance"),
	}
}

// RecordEntryAppended увеличивает счётчик записанных проводок.
func (m *LedgerMetrics) RecordEntryAppended(entryType string) {
	m.entriesAppended.WithLabelValues(entryType).Inc()
}

// RecordIdempotentReplay увеличивает счётчик повторных запросов по уже применённому ключу.
func (m *LedgerMetrics) RecordIdempotentReplay() {
	m.idempotentReplays.Inc()
}

// RecordInsufficientFunds увеличивает счётчик отказов из-за нехватки средств.
func (m *LedgerMetrics) RecordInsufficientFunds() {
	m.insufficientFunds.Inc()
}

// RecordVersionConflict увеличивает счётчик конфликтов версий проекции баланса.
func (m *LedgerMetrics) RecordVersionConflict() {
	m.versionConflicts.Inc()
}

// RecordReconcileRun увеличивает счётчик прогонов сверки баланса.
func (m *LedgerMetrics) RecordReconcileRun(diverged bool) {
	m.reconcileRuns.Inc()
	if diverged {
		m.reconcileDiverged.Inc()
	}
}
