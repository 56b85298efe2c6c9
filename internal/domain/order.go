package domain

import "time"

// OrderStatus описывает жизненный цикл заказа в OFS.
type OrderStatus string

const (
	// OrderStatusCreated — заказ создан, сага ещё не начала обработку оплаты.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPaymentPending — средства зарезервированы, ожидаем списания.
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	// OrderStatusPaid — средства списаны (кошелёк и/или провайдер).
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFulfilled — исполнение подтверждено внешним коллаборатором. Терминальный успех.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusCancelled — заказ отменён до списания средств либо все эффекты
	// достоверно откатились. Терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed — сага завершилась неуспехом с неполной или неоднозначной
	// компенсацией; требуется ручное вмешательство. Терминальный статус.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRefunded — средства возвращены по запросу после оплаты. Терминальный статус.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentPath задаёт статически выбранный граф шагов оплаты.
type PaymentPath string

const (
	// PaymentPathWalletOnly — оплата только из кошелька.
	PaymentPathWalletOnly PaymentPath = "wallet_only"
	// PaymentPathGatewayOnly — оплата только через платёжного провайдера.
	PaymentPathGatewayOnly PaymentPath = "gateway_only"
	// PaymentPathHybrid — кошелёк покрывает часть суммы, остаток уходит провайдеру.
	PaymentPathHybrid PaymentPath = "hybrid"
)

// Valid проверяет, что способ оплаты поддерживается.
func (p PaymentPath) Valid() bool {
	switch p {
	case PaymentPathWalletOnly, PaymentPathGatewayOnly, PaymentPathHybrid:
		return true
	default:
		return false
	}
}

// orderTransitions перечисляет допустимые переходы статусов.
// Переходы, пропускающие состояние, запрещены; cancelled/failed достижимы
// только из created и payment_pending, refunded — только из paid.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:        {OrderStatusPaymentPending, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaymentPending: {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:           {OrderStatusFulfilled, OrderStatusRefunded},
	OrderStatusFulfilled:      nil,
	OrderStatusCancelled:      nil,
	OrderStatusFailed:         nil,
	OrderStatusRefunded:       nil,
}

// Terminal сообщает, что статус конечный и заказ больше не изменяется.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition проверяет достижимость целевого статуса за один переход.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderItem представляет одну позицию заказа. Позиции неизменяемы после создания.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// SKU — внешний идентификатор товара.
	SKU string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах (например, копейки).
	PriceMinor int64
	// CreatedAt фиксирует момент добавления позиции в заказ.
	CreatedAt time.Time
}

// Order агрегирует состояние заказа и его позиции. Заказы никогда не удаляются:
// терминальные статусы сохраняются для аудита.
type Order struct {
	ID          string
	CustomerID  string
	WalletID    string
	Status      OrderStatus
	PaymentPath PaymentPath
	Currency    string
	AmountMinor int64
	Items       []OrderItem
	Reason      string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApplyTransition переводит заказ в целевой статус.
// Повторное применение уже завершённого перехода (текущий статус равен целевому)
// является no-op и не считается ошибкой. Недостижимый целевой статус
// возвращает ErrIllegalTransition.
func (o *Order) ApplyTransition(to OrderStatus) error {
	if o.Status == to {
		return nil
	}
	if !o.Status.CanTransition(to) {
		return ErrIllegalTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !o.PaymentPath.Valid() {
		errs = append(errs, ErrPaymentPathUnknown)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Qty) * item.PriceMinor
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
