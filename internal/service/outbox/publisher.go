package outbox

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// logPublisher пишет события в лог вместо брокера. Используется в dev-режиме,
// когда Kafka не сконфигурирована: relay помечает записи отправленными,
// чтобы outbox не рос бесконечно.
type logPublisher struct {
	logger *log.Entry
}

// NewLogPublisher создаёт publisher для окружений без брокера.
func NewLogPublisher(logger *log.Entry) domain.OutboxPublisher {
	if logger == nil {
		logger = log.New().WithField("component", "outbox-log-publisher")
	}
	return &logPublisher{logger: logger}
}

func (p *logPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"aggregate":  event.AggregateType,
		"order_id":   event.OrderID,
		"saga_id":    event.SagaID,
		"seq":        event.Seq,
	}).Info("event published to log (no broker configured)")
	return nil
}

var _ domain.OutboxPublisher = (*logPublisher)(nil)
