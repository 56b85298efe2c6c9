package saga

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

const (
	defaultResumeInterval = 10 * time.Second
	defaultResumeBatch    = 20
)

var (
	resumedSagas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofs_saga_resumed_total",
		Help: "Total number of stalled sagas re-dispatched by the resumer.",
	})
	resumableBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ofs_saga_resumable_backlog",
		Help: "Number of non-terminal sagas with an expired lease at the last scan.",
	})
)

// Resumer периодически сканирует нетерминальные саги с истёкшим лизингом
// и возвращает их в очередь диспетчера. Это путь восстановления после
// падения воркера: шаги идемпотентны, продвижение продолжается с последнего
// durable-исхода.
type Resumer struct {
	sagas      domain.SagaRepository
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int
	logger     *log.Entry
}

// NewResumer создаёт resumer зависших саг.
func NewResumer(sagas domain.SagaRepository, dispatcher *Dispatcher, interval time.Duration, batch int, logger *log.Entry) *Resumer {
	if logger == nil {
		logger = log.New().WithField("component", "saga-resumer")
	}
	if interval <= 0 {
		interval = defaultResumeInterval
	}
	if batch <= 0 {
		batch = defaultResumeBatch
	}
	return &Resumer{
		sagas:      sagas,
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		logger:     logger,
	}
}

// Run запускает периодическое сканирование до отмены ctx.
func (r *Resumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один проход сканирования. Возвращает число
// возобновлённых саг.
func (r *Resumer) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	stalled, err := r.sagas.ListResumable(time.Now().UTC(), r.batch)
	if err != nil {
		r.logger.WithError(err).Warn("failed to list resumable sagas")
		return 0
	}
	resumableBacklog.Set(float64(len(stalled)))
	if len(stalled) == 0 {
		return 0
	}

	dispatched := 0
	for _, instance := range stalled {
		// Саги, ждущие подтверждения исполнения, продвигает событие, а не
		// воркер; Advance для них no-op (кроме контроля дедлайна).
		r.dispatcher.Enqueue(instance.ID)
		resumedSagas.Inc()
		dispatched++
	}

	r.logger.WithField("count", dispatched).Info("stalled sagas re-dispatched")
	return dispatched
}
