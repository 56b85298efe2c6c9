package saga

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// Dispatcher раздаёт продвижение саг пулу воркеров. Параллелизм между сагами
// не ограничен семантикой (лизинг исключает двух воркеров на одной саге),
// ограничен только размером пула.
type Dispatcher struct {
	orchestrator *Orchestrator
	logger       *log.Entry
	workers      int
	queue        chan string

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher создаёт диспетчер с пулом воркеров и буферизованной очередью.
func NewDispatcher(orchestrator *Orchestrator, workers, queueSize int, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.New().WithField("component", "saga-dispatcher")
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		logger:       logger,
		workers:      workers,
		queue:        make(chan string, queueSize),
	}
}

// Run запускает воркеров и блокируется до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

// Enqueue ставит сагу в очередь на продвижение. Переполненная очередь —
// не потеря: непродвинутую сагу подберёт resumer по истёкшему лизингу.
func (d *Dispatcher) Enqueue(sagaID string) {
	select {
	case d.queue <- sagaID:
	default:
		d.logger.WithField("saga_id", sagaID).Warn("dispatch queue full, saga deferred to resumer")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sagaID := <-d.queue:
			d.advance(ctx, sagaID)
		}
	}
}

func (d *Dispatcher) advance(ctx context.Context, sagaID string) {
	err := d.orchestrator.Advance(ctx, sagaID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSagaLocked):
		// Сагу держит другой воркер; лизинг гарантирует, что работа идёт.
		d.logger.WithField("saga_id", sagaID).Debug("saga lease held elsewhere, skipping")
	case errors.Is(err, context.Canceled):
	default:
		d.logger.WithError(err).WithField("saga_id", sagaID).Warn("saga advance failed, resumer will retry")
	}
}
