package domain

import "time"

// AttemptStatus описывает состояние одной попытки платежа у провайдера.
type AttemptStatus string

const (
	// AttemptStatusInitiated — попытка создана, обращение к провайдеру начато.
	AttemptStatusInitiated AttemptStatus = "initiated"
	// AttemptStatusAuthorized — сумма зарезервирована провайдером.
	AttemptStatusAuthorized AttemptStatus = "authorized"
	// AttemptStatusCaptured — деньги списаны в пользу мерчанта. Терминальный успех.
	AttemptStatusCaptured AttemptStatus = "captured"
	// AttemptStatusFailed — провайдер отклонил попытку. Терминальный статус.
	AttemptStatusFailed AttemptStatus = "failed"
	// AttemptStatusVoided — авторизация аннулирована до списания. Терминальный статус.
	AttemptStatusVoided AttemptStatus = "voided"
	// AttemptStatusRefunded — списанные деньги возвращены клиенту. Терминальный статус.
	AttemptStatusRefunded AttemptStatus = "refunded"
)

// attemptTransitions перечисляет допустимые переходы состояния попытки:
// initiated → authorized → captured; initiated → failed;
// authorized → voided; captured → refunded.
var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatusInitiated:  {AttemptStatusAuthorized, AttemptStatusFailed},
	AttemptStatusAuthorized: {AttemptStatusCaptured, AttemptStatusVoided, AttemptStatusFailed},
	AttemptStatusCaptured:   {AttemptStatusRefunded},
	AttemptStatusFailed:     nil,
	AttemptStatusVoided:     nil,
	AttemptStatusRefunded:   nil,
}

// CanTransition проверяет достижимость целевого состояния попытки.
func (s AttemptStatus) CanTransition(to AttemptStatus) bool {
	for _, allowed := range attemptTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PaymentAttempt описывает одну попытку платежа, привязанную к шагу саги.
type PaymentAttempt struct {
	ID      string
	OrderID string
	SagaID  string
	// IdempotencyKey — (saga id, step id, порядковый номер попытки); провайдер
	// дедуплицирует сетевые повторы по этому ключу.
	IdempotencyKey string
	Provider       string
	// GatewayRef — идентификатор, присвоенный внешним провайдером.
	// Может быть пустым, если провайдер не вернул идентификатор.
	GatewayRef  string
	Status      AttemptStatus
	AmountMinor int64
	Currency    string
	// CapturedMinor — фактически списанная сумма (<= AmountMinor).
	CapturedMinor int64
	// RefundedMinor — возвращённая сумма (<= CapturedMinor).
	RefundedMinor int64
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate проверяет корректность полей попытки платежа.
func (a *PaymentAttempt) Validate() []error {
	var errs []error

	if a.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if a.IdempotencyKey == "" {
		errs = append(errs, ErrIdempotencyKeyRequired)
	}
	if a.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}

// Transition переводит попытку в целевое состояние; повторный переход в текущее
// состояние — no-op.
func (a *PaymentAttempt) Transition(to AttemptStatus) error {
	if a.Status == to {
		return nil
	}
	if !a.Status.CanTransition(to) {
		return ErrAttemptStateInvalid
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}
