package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind перечисляет доменные события, публикуемые и потребляемые сервисом.
type EventKind string

const (
	// EventOrderPlaced — заказ размещён, сага создана.
	EventOrderPlaced EventKind = "OrderPlaced"
	// EventPaymentAuthorized — провайдер зарезервировал сумму.
	EventPaymentAuthorized EventKind = "PaymentAuthorized"
	// EventPaymentCaptured — провайдер списал сумму.
	EventPaymentCaptured EventKind = "PaymentCaptured"
	// EventPaymentFailed — попытка платежа завершилась неуспехом.
	EventPaymentFailed EventKind = "PaymentFailed"
	// EventWalletDebited — с кошелька списаны средства.
	EventWalletDebited EventKind = "WalletDebited"
	// EventWalletCredited — кошелёк пополнен (возврат, клубное начисление).
	EventWalletCredited EventKind = "WalletCredited"
	// EventWalletCreditFailed — пополнение кошелька не удалось.
	EventWalletCreditFailed EventKind = "WalletCreditFailed"
	// EventOrderConfirmed — оплата завершена, заказ подтверждён.
	EventOrderConfirmed EventKind = "OrderConfirmed"
	// EventOrderCancelled — заказ отменён.
	EventOrderCancelled EventKind = "OrderCancelled"
	// EventOrderFailed — сага завершилась с неполной компенсацией.
	EventOrderFailed EventKind = "OrderFailed"
	// EventOrderRefunded — средства возвращены после оплаты.
	EventOrderRefunded EventKind = "OrderRefunded"
	// EventFulfillmentRequested — запрошено исполнение у внешнего коллаборатора.
	EventFulfillmentRequested EventKind = "FulfillmentRequested"
	// EventOrderFulfilled — исполнение подтверждено, сага завершена.
	EventOrderFulfilled EventKind = "OrderFulfilled"

	// EventFulfillmentConfirmed потребляется от сервиса исполнения.
	EventFulfillmentConfirmed EventKind = "FulfillmentConfirmed"
	// EventClubFundsRequested потребляется от клубного сервиса; маршрутизируется
	// в кредитную ветку журнала кошелька.
	EventClubFundsRequested EventKind = "ClubFundsRequested"
	// EventOrderCancelRequested — пользовательская отмена, смоделированная как
	// событие на входе оркестратора.
	EventOrderCancelRequested EventKind = "OrderCancelRequested"
)

// Агрегаты, к которым привязываются события в outbox.
const (
	AggregateOrder  = "order"
	AggregateWallet = "wallet"
	AggregateSaga   = "saga"
)

// OrderPlacedPayload — полезная нагрузка OrderPlaced.
type OrderPlacedPayload struct {
	OrderID       string      `json:"order_id"`
	TotalMinor    int64       `json:"total_minor"`
	PaymentMethod PaymentPath `json:"payment_method"`
}

// PaymentAuthorizedPayload — полезная нагрузка PaymentAuthorized.
type PaymentAuthorizedPayload struct {
	AttemptID   string `json:"attempt_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// PaymentCapturedPayload — полезная нагрузка PaymentCaptured.
type PaymentCapturedPayload struct {
	AttemptID   string `json:"attempt_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// PaymentFailedPayload — полезная нагрузка PaymentFailed.
type PaymentFailedPayload struct {
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason"`
}

// WalletDebitedPayload — полезная нагрузка WalletDebited.
type WalletDebitedPayload struct {
	WalletID    string `json:"wallet_id"`
	AmountMinor int64  `json:"amount_minor"`
	EntryID     string `json:"entry_id"`
}

// WalletCreditedPayload — полезная нагрузка WalletCredited.
type WalletCreditedPayload struct {
	WalletID    string `json:"wallet_id"`
	AmountMinor int64  `json:"amount_minor"`
	EntryID     string `json:"entry_id"`
}

// WalletCreditFailedPayload — полезная нагрузка WalletCreditFailed.
type WalletCreditFailedPayload struct {
	WalletID string `json:"wallet_id"`
	Reason   string `json:"reason"`
}

// OrderConfirmedPayload — полезная нагрузка OrderConfirmed.
type OrderConfirmedPayload struct {
	OrderID string `json:"order_id"`
}

// OrderCancelledPayload — полезная нагрузка OrderCancelled.
type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderFailedPayload — полезная нагрузка OrderFailed.
type OrderFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderRefundedPayload — полезная нагрузка OrderRefunded.
type OrderRefundedPayload struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}

// FulfillmentRequestedPayload — полезная нагрузка FulfillmentRequested.
type FulfillmentRequestedPayload struct {
	OrderID string `json:"order_id"`
}

// OrderFulfilledPayload — полезная нагрузка OrderFulfilled.
type OrderFulfilledPayload struct {
	OrderID string `json:"order_id"`
}

// FulfillmentConfirmedPayload — полезная нагрузка входящего FulfillmentConfirmed.
type FulfillmentConfirmedPayload struct {
	OrderID string `json:"order_id"`
}

// ClubFundsRequestedPayload — полезная нагрузка входящего ClubFundsRequested.
type ClubFundsRequestedPayload struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// OrderCancelRequestedPayload — полезная нагрузка OrderCancelRequested.
type OrderCancelRequestedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// NewOutboxEvent собирает outbox-сообщение с сериализованной полезной нагрузкой.
// Идентификатор события присваивается здесь; producer-scoped sequence
// назначает хранилище outbox при постановке в очередь.
func NewOutboxEvent(kind EventKind, aggregateType, aggregateID, sagaID, orderID string, payload any) (OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		SagaID:        sagaID,
		OrderID:       orderID,
		EventType:     string(kind),
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
