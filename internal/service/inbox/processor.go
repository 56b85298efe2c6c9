package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/messaging/kafka"
)

var inboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ofs_inbox_events_total",
	Help: "Total number of inbound events grouped by outcome.",
}, []string{"event_type", "result"})

// SagaService — операции оркестратора, продвигаемые входящими событиями.
type SagaService interface {
	ConfirmFulfillment(ctx context.Context, orderID string) error
	RequestCancel(ctx context.Context, orderID, reason string) error
}

// Processor обрабатывает входящие события с inbox-дедупликацией:
// идентификаторы обработанных событий персистятся за потребителем, повтор
// доставки — подтверждаемый no-op. Обработчики идемпотентны сами по себе,
// поэтому падение между обработкой и записью в inbox безопасно.
type Processor struct {
	inbox    domain.InboxRepository
	sagas    SagaService
	ledger   domain.WalletLedger
	wallets  domain.WalletRepository
	outbox   domain.OutboxRepository
	consumer string
	logger   *log.Entry
}

// NewProcessor создаёт обработчик входящих событий. consumer — имя consumer
// group, определяет область дедупликации.
func NewProcessor(inbox domain.InboxRepository, sagas SagaService, ledger domain.WalletLedger, wallets domain.WalletRepository, outbox domain.OutboxRepository, consumer string, logger *log.Entry) *Processor {
	if logger == nil {
		logger = log.New().WithField("component", "inbox")
	}
	if consumer == "" {
		consumer = "ofs"
	}
	return &Processor{
		inbox:    inbox,
		sagas:    sagas,
		ledger:   ledger,
		wallets:  wallets,
		outbox:   outbox,
		consumer: consumer,
		logger:   logger,
	}
}

// MessageHandler адаптирует процессор к консьюмеру Kafka. Ошибка разбора
// конверта возвращается наружу: после исчерпания повторов сообщение уйдёт в DLQ.
func (p *Processor) MessageHandler() kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := kafka.ParseEnvelope(message)
		if err != nil {
			return fmt.Errorf("parse envelope: %w", err)
		}
		return p.Handle(ctx, envelope)
	}
}

// Handle обрабатывает одно событие. Возврат ошибки означает «повторить
// доставку»; бизнес-отказы логируются и подтверждаются.
func (p *Processor) Handle(ctx context.Context, envelope *kafka.Envelope) error {
	if envelope.EventID == "" {
		p.logger.WithField("event_type", envelope.EventType).Warn("inbound event without id, skipping")
		inboxEvents.WithLabelValues(envelope.EventType, "invalid").Inc()
		return nil
	}

	seen, err := p.inbox.Seen(envelope.EventID, p.consumer)
	if err != nil {
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		inboxEvents.WithLabelValues(envelope.EventType, "duplicate").Inc()
		p.logger.WithFields(log.Fields{
			"event_id":   envelope.EventID,
			"event_type": envelope.EventType,
		}).Debug("duplicate delivery, skipping")
		return nil
	}

	if err := p.dispatch(ctx, envelope); err != nil {
		inboxEvents.WithLabelValues(envelope.EventType, "error").Inc()
		return err
	}

	if _, err := p.inbox.MarkProcessed(envelope.EventID, p.consumer); err != nil {
		// Обработка уже применена и идемпотентна; потеря отметки приводит
		// лишь к безопасному повтору.
		p.logger.WithError(err).WithField("event_id", envelope.EventID).Warn("failed to record processed event")
	}
	inboxEvents.WithLabelValues(envelope.EventType, "processed").Inc()
	return nil
}

func (p *Processor) dispatch(ctx context.Context, envelope *kafka.Envelope) error {
	switch domain.EventKind(envelope.EventType) {
	case domain.EventFulfillmentConfirmed:
		return p.handleFulfillmentConfirmed(ctx, envelope)
	case domain.EventClubFundsRequested:
		return p.handleClubFundsRequested(ctx, envelope)
	case domain.EventOrderCancelRequested:
		return p.handleCancelRequested(ctx, envelope)
	default:
		// Чужие события в общих topic-ах не ошибка.
		p.logger.WithField("event_type", envelope.EventType).Debug("unhandled event type")
		return nil
	}
}

func (p *Processor) handleFulfillmentConfirmed(ctx context.Context, envelope *kafka.Envelope) error {
	var payload domain.FulfillmentConfirmedPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	orderID := payload.OrderID
	if orderID == "" {
		orderID = envelope.OrderID
	}
	if orderID == "" {
		return fmt.Errorf("fulfillment confirmed: %w", domain.ErrOrderIDRequired)
	}

	err := p.sagas.ConfirmFulfillment(ctx, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSagaNotFound), errors.Is(err, domain.ErrIllegalTransition):
		// Подтверждение для неизвестной или уже откатившейся саги: повтор
		// не поможет, фиксируем и подтверждаем.
		p.logger.WithError(err).WithField("order_id", orderID).Warn("fulfillment confirmation dropped")
		return nil
	default:
		return err
	}
}

// handleClubFundsRequested пополняет кошелёк пользователя клубными
// начислениями. Ключ производен от request id, повтор доставки не создаёт
// второй записи журнала.
func (p *Processor) handleClubFundsRequested(ctx context.Context, envelope *kafka.Envelope) error {
	var payload domain.ClubFundsRequestedPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.RequestID == "" || payload.UserID == "" {
		return fmt.Errorf("club funds request %q/%q: %w", payload.RequestID, payload.UserID, domain.ErrIdempotencyKeyRequired)
	}
	if payload.AmountMinor <= 0 {
		p.logger.WithFields(log.Fields{
			"request_id":   payload.RequestID,
			"amount_minor": payload.AmountMinor,
		}).Warn("club funds request with non-positive amount dropped")
		return nil
	}

	wallet, err := p.wallets.GetWalletByUser(payload.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			p.emitCreditFailed("", envelope, err)
			return nil
		}
		return err
	}

	entry, _, err := p.ledger.Append(ctx, wallet.ID, payload.AmountMinor, "club:"+payload.RequestID)
	if err != nil {
		if domain.IsTransient(err) {
			return err
		}
		p.emitCreditFailed(wallet.ID, envelope, err)
		return nil
	}

	p.emit(envelope, domain.EventWalletCredited, domain.AggregateWallet, wallet.ID, domain.WalletCreditedPayload{
		WalletID:    wallet.ID,
		AmountMinor: payload.AmountMinor,
		EntryID:     entry.ID,
	})
	return nil
}

func (p *Processor) handleCancelRequested(ctx context.Context, envelope *kafka.Envelope) error {
	var payload domain.OrderCancelRequestedPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	orderID := payload.OrderID
	if orderID == "" {
		orderID = envelope.OrderID
	}
	if orderID == "" {
		return fmt.Errorf("cancel requested: %w", domain.ErrOrderIDRequired)
	}

	err := p.sagas.RequestCancel(ctx, orderID, payload.Reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrCancelAfterCapture),
		errors.Is(err, domain.ErrSagaTerminal),
		errors.Is(err, domain.ErrSagaNotFound):
		// Решённый бизнес-исход: отмена невозможна, повтор не поможет.
		p.logger.WithError(err).WithField("order_id", orderID).Warn("cancel request dropped")
		return nil
	default:
		return err
	}
}

func (p *Processor) emitCreditFailed(walletID string, envelope *kafka.Envelope, cause error) {
	p.emit(envelope, domain.EventWalletCreditFailed, domain.AggregateWallet, walletID, domain.WalletCreditFailedPayload{
		WalletID: walletID,
		Reason:   cause.Error(),
	})
}

func (p *Processor) emit(envelope *kafka.Envelope, kind domain.EventKind, aggregateType, aggregateID string, payload any) {
	if p.outbox == nil {
		return
	}
	msg, err := domain.NewOutboxEvent(kind, aggregateType, aggregateID, envelope.SagaID, envelope.OrderID, payload)
	if err != nil {
		p.logger.WithError(err).WithField("event", kind).Error("marshal event failed")
		return
	}
	if _, err := p.outbox.Enqueue(msg); err != nil {
		p.logger.WithError(err).WithField("event", kind).Error("enqueue event failed")
	}
}

// Retention — срок хранения записей inbox; по истечении запись можно удалить.
const Retention = 7 * 24 * time.Hour
