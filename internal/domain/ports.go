package domain

import (
	"context"
	"time"
)

// WalletLedger — единственный легальный способ изменить баланс кошелька.
type WalletLedger interface {
	// Append добавляет запись журнала и возвращает её вместе с новым балансом.
	// Повтор с уже применённым idempotencyKey — no-op, возвращающий прежний
	// результат. Дебет ниже нуля — ErrInsufficientFunds; конкурентная запись —
	// ErrWalletVersionConflict (повторить операцию целиком).
	Append(ctx context.Context, walletID string, amountMinor int64, idempotencyKey string) (LedgerEntry, int64, error)
	// Balance возвращает кэшированную проекцию баланса.
	Balance(ctx context.Context, walletID string) (int64, error)
	// Reconcile пересчитывает сумму журнала и сверяет с проекцией.
	// Расхождение — фатальная ErrLedgerDivergence.
	Reconcile(ctx context.Context, walletID string) (int64, error)
	// EntryByKey возвращает запись по idempotency key или ErrLedgerEntryNotFound.
	// Компенсация сверяется с журналом, а не с курсором саги: кредит-обратно
	// выполняется только если дебет действительно записан.
	EntryByKey(ctx context.Context, idempotencyKey string) (LedgerEntry, error)
}

// PaymentService описывает адаптер внешнего платёжного провайдера.
// Каждый вызов передаёт idempotency key провайдеру, поэтому сетевые повторы
// с неизвестным исходом безопасны.
type PaymentService interface {
	// Authorize резервирует сумму у провайдера.
	Authorize(ctx context.Context, orderID, sagaID string, amountMinor int64, currency, idempotencyKey string) (PaymentAttempt, error)
	// Capture списывает ранее авторизованную сумму.
	Capture(ctx context.Context, attemptID, idempotencyKey string) (PaymentAttempt, error)
	// Void аннулирует авторизацию до списания (компенсация).
	Void(ctx context.Context, attemptID string) (PaymentAttempt, error)
	// Refund возвращает списанные средства (компенсация/возврат).
	Refund(ctx context.Context, attemptID string, amountMinor int64) (PaymentAttempt, error)
}

// SagaLocker выдаёт лизинг на обработку саги: в каждый момент времени сагу
// продвигает не более одного воркера. Просроченный лизинг перехватывается.
type SagaLocker interface {
	// Acquire пытается захватить лизинг; false — лизинг держит другой владелец.
	Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error)
	// Extend продлевает лизинг, если он всё ещё принадлежит owner.
	Extend(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error)
	// Release снимает лизинг, если он принадлежит owner.
	Release(ctx context.Context, sagaID, owner string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// InboxRepository хранит идентификаторы обработанных событий для дедупликации
// at-least-once доставки на стороне потребителя.
type InboxRepository interface {
	// MarkProcessed регистрирует событие за потребителем; false — событие уже
	// было обработано (redelivery, обработку следует пропустить).
	MarkProcessed(eventID, consumer string) (bool, error)
	// Seen проверяет, было ли событие обработано потребителем.
	Seen(eventID, consumer string) (bool, error)
	// DeleteExpired удаляет устаревшие записи, возвращает число удалённых.
	DeleteExpired(before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxStatus описывает состояние доставки записи outbox.
type OutboxStatus string

const (
	// OutboxStatusPending — запись ждёт публикации или повтора.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusSent — подтверждена брокером.
	OutboxStatusSent OutboxStatus = "sent"
	// OutboxStatusFailed — исчерпаны попытки, запись ушла в DLQ.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	SagaID        string
	OrderID       string
	EventType     string
	Payload       []byte
	// Seq — producer-scoped порядковый номер эмиссии; назначается хранилищем.
	Seq       int64
	Status    OutboxStatus
	Attempts  int
	CreatedAt time.Time
	SentAt    time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
