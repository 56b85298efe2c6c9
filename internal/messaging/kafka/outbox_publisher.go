package kafka

import (
	"fmt"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka, раскладывая их
// по топикам агрегатов. Ключом партиционирования служит aggregate id, поэтому
// события одного заказа или кошелька сохраняют порядок внутри партиции.
type OutboxTopicPublisher struct {
	producer     *Producer
	defaultTopic string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// defaultTopic принимает события с неизвестным типом агрегата.
func NewOutboxPublisher(producer *Producer, defaultTopic string) domain.OutboxPublisher {
	if defaultTopic == "" {
		defaultTopic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer:     producer,
		defaultTopic: defaultTopic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := TopicForAggregate(event.AggregateType)
	if topic == "" {
		topic = p.defaultTopic
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.PublishEvent(topic, key, NewEnvelope(event))
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)

// DLQPublisher публикует сообщения в фиксированный топик, минуя маршрутизацию
// по агрегатам. Используется outbox-relay для dead letter queue.
type DLQPublisher struct {
	producer *Producer
	topic    string
}

// NewDLQPublisher создаёт publisher с фиксированным топиком.
func NewDLQPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DLQPublisher{producer: producer, topic: topic}
}

func (p *DLQPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	return p.producer.PublishEvent(p.topic, key, NewEnvelope(event))
}

var _ domain.OutboxPublisher = (*DLQPublisher)(nil)
