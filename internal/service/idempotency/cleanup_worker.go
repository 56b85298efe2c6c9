package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	idempotencyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofs_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	idempotencyCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofs_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
	idempotencyCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ofs_idempotency_cleanup_last_deleted",
		Help: "Number of deleted records during the last cleanup run.",
	})
	inboxCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofs_inbox_cleanup_deleted_total",
		Help: "Total number of deleted expired inbox dedup records.",
	})
)

// cleanupConfig — рабочие параметры воркера после применения опций.
type cleanupConfig struct {
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	// inbox/inboxRetention включают попутную очистку дедупликационных
	// записей inbox, обработанных раньше, чем now-retention.
	inbox          domain.InboxRepository
	inboxRetention time.Duration
}

func (c *cleanupConfig) clamp() {
	if c.logger == nil {
		c.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if c.interval <= 0 {
		c.interval = defaultCleanupInterval
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultCleanupBatchSize
	}
	if c.inboxRetention <= 0 {
		c.inbox = nil
	}
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*cleanupConfig)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(c *cleanupConfig) { c.logger = logger }
}

// WithInterval задает интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(c *cleanupConfig) { c.interval = interval }
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(c *cleanupConfig) { c.batchSize = batchSize }
}

// WithInboxCleanup включает очистку записей inbox старше retention.
func WithInboxCleanup(inbox domain.InboxRepository, retention time.Duration) CleanupOption {
	return func(c *cleanupConfig) {
		c.inbox = inbox
		c.inboxRetention = retention
	}
}

// CleanupWorker периодически удаляет просроченные idempotency записи
// и, если настроено, устаревшие записи inbox.
type CleanupWorker struct {
	repo domain.IdempotencyRepository
	cfg  cleanupConfig
}

// NewCleanupWorker создает воркер очистки idempotency ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	cfg := cleanupConfig{
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&cfg)
	}
	cfg.clamp()

	return &CleanupWorker{repo: repo, cfg: cfg}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.cfg.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.cleanup(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		idempotencyCleanupRunsTotal.WithLabelValues("error").Inc()
		w.cfg.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	idempotencyCleanupRunsTotal.WithLabelValues("ok").Inc()
	idempotencyCleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.cfg.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}

	w.cleanupInbox(ctx, before)
}

// cleanupInbox удаляет записи inbox, обработанные раньше before-retention.
// Повторная доставка столь старого события крайне маловероятна, а обработчики
// и без дедупликации идемпотентны.
func (w *CleanupWorker) cleanupInbox(ctx context.Context, before time.Time) {
	if w.cfg.inbox == nil {
		return
	}

	cutoff := before.Add(-w.cfg.inboxRetention)
	total := 0
	for ctx.Err() == nil {
		deleted, err := w.cfg.inbox.DeleteExpired(cutoff, w.cfg.batchSize)
		if err != nil {
			w.cfg.logger.WithError(err).Warn("inbox cleanup run failed")
			return
		}
		total += deleted
		if deleted > 0 {
			inboxCleanupDeletedTotal.Add(float64(deleted))
		}
		if deleted < w.cfg.batchSize {
			break
		}
	}

	if total > 0 {
		w.cfg.logger.WithField("deleted", total).Info("inbox cleanup completed")
	}
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.cfg.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			idempotencyCleanupDeletedTotal.Add(float64(deleted))
		}

		if deleted < w.cfg.batchSize {
			return totalDeleted, nil
		}
	}
}
