package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// Topics для Kafka
const (
	TopicSagaEvents      = "ofs.saga.events"
	TopicOrderEvents     = "ofs.order.events"
	TopicWalletEvents    = "ofs.wallet.events"
	TopicDeadLetterQueue = "ofs.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — wire-формат доменного события. Каждое сообщение несёт
// идентификатор события для inbox-дедупликации, привязку к саге и заказу
// и producer-scoped sequence, присвоенный outbox-хранилищем.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	SagaID        string          `json:"saga_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Seq           int64           `json:"seq"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EmittedAt     time.Time       `json:"emitted_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope собирает конверт из outbox-сообщения. EmittedAt — момент
// постановки в outbox, PublishedAt проставляется на релейной публикации.
func NewEnvelope(msg domain.OutboxMessage) Envelope {
	return Envelope{
		EventID:       msg.ID,
		EventType:     msg.EventType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		SagaID:        msg.SagaID,
		OrderID:       msg.OrderID,
		Seq:           msg.Seq,
		Payload:       json.RawMessage(msg.Payload),
		EmittedAt:     msg.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}
}

// TopicForAggregate маршрутизирует событие в topic по типу агрегата.
// Неизвестный агрегат возвращает пустую строку, выбор остаётся за вызывающим.
func TopicForAggregate(aggregateType string) string {
	switch aggregateType {
	case domain.AggregateSaga:
		return TopicSagaEvents
	case domain.AggregateOrder:
		return TopicOrderEvents
	case domain.AggregateWallet:
		return TopicWalletEvents
	default:
		return ""
	}
}

// DecodePayload десериализует полезную нагрузку конверта в v.
// Пустая нагрузка оставляет v без изменений.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
