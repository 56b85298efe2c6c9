package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/config"
	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ofs/internal/service/outbox"
)

// Максимум повторов обработки входящего сообщения до отправки в DLQ.
const consumerMaxRetries = 3

// kafkaResources держит продьюсер и потребителей; в dev-режиме (без брокера)
// producer и consumer равны nil, а publisher пишет события в лог.
type kafkaResources struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	consumer  *kafka.Consumer
}

// initKafka подключается к брокеру и собирает publisher для outbox-relay и
// consumer group для входящих событий. Пустой список брокеров — dev-режим:
// relay публикует в лог, потребители выключены.
func initKafka(cfg config.KafkaConfig, handler kafka.MessageHandler, logger *log.Entry) (*kafkaResources, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled: outbox relay will log-and-mark, consumers are off")
		return &kafkaResources{
			publisher: outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")),
		}, nil
	}

	producer, err := kafka.NewProducer(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	res := &kafkaResources{
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		dlq:       kafka.NewDLQPublisher(producer, kafka.TopicDeadLetterQueue),
	}

	topics := []string{kafka.TopicOrderEvents, kafka.TopicWalletEvents}
	consumer, err := kafka.NewConsumerWithDLQ(cfg.Brokers, cfg.ConsumerGroup, topics, handler, producer, consumerMaxRetries)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	res.consumer = consumer

	logger.WithFields(log.Fields{
		"brokers": cfg.Brokers,
		"group":   cfg.ConsumerGroup,
		"topics":  topics,
	}).Info("kafka connected")

	return res, nil
}

// close останавливает потребителей и продьюсер.
func (r *kafkaResources) close(logger *log.Entry) {
	if r == nil {
		return
	}
	if r.consumer != nil {
		if err := r.consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if r.producer != nil {
		if err := r.producer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka producer")
		} else {
			logger.Info("kafka producer closed")
		}
	}
}
