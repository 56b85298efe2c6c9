package domain

import (
	"fmt"
	"time"
)

// SagaStatus описывает состояние экземпляра саги.
type SagaStatus string

const (
	// SagaStatusRunning — сага выполняет шаги вперёд.
	SagaStatusRunning SagaStatus = "running"
	// SagaStatusAwaitingFulfillment — шаги оплаты завершены, ждём подтверждения
	// исполнения от внешнего коллаборатора.
	SagaStatusAwaitingFulfillment SagaStatus = "awaiting_fulfillment"
	// SagaStatusCompensating — зафиксирован терминальный сбой, идёт откат в обратном порядке.
	SagaStatusCompensating SagaStatus = "compensating"
	// SagaStatusCompleted — все шаги выполнены, заказ исполнен. Терминальный статус.
	SagaStatusCompleted SagaStatus = "completed"
	// SagaStatusCancelled — сага откатилась полностью, заказ отменён. Терминальный статус.
	SagaStatusCancelled SagaStatus = "cancelled"
	// SagaStatusFailed — компенсация не смогла достоверно откатить все эффекты. Терминальный статус.
	SagaStatusFailed SagaStatus = "failed"
	// SagaStatusNeedsAttention — обработка остановлена из-за ошибки целостности;
	// требуется вмешательство оператора. Терминальный для автоматики.
	SagaStatusNeedsAttention SagaStatus = "needs_attention"
)

// Terminal сообщает, что автоматическая обработка саги завершена.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCancelled, SagaStatusFailed, SagaStatusNeedsAttention:
		return true
	default:
		return false
	}
}

// StepID идентифицирует шаг саги в графе.
type StepID string

const (
	// StepReserveFunds — резервирование средств: авторизация у провайдера и/или проверка кошелька.
	StepReserveFunds StepID = "reserve-funds"
	// StepMarkPaymentPending — перевод заказа в payment_pending.
	StepMarkPaymentPending StepID = "mark-payment-pending"
	// StepCaptureFunds — списание: capture у провайдера и/или дебет кошелька.
	StepCaptureFunds StepID = "capture-funds"
	// StepMarkPaid — перевод заказа в paid.
	StepMarkPaid StepID = "mark-paid"
	// StepRequestFulfillment — эмиссия FulfillmentRequested для внешнего исполнителя.
	StepRequestFulfillment StepID = "request-fulfillment"
	// StepMarkFulfilled — завершение по событию FulfillmentConfirmed.
	StepMarkFulfilled StepID = "mark-fulfilled"
)

// sagaSteps — единый порядок шагов. Граф фиксируется при размещении заказа;
// варианты способа оплаты меняют содержимое шагов reserve/capture, но не их порядок.
var sagaSteps = []StepID{
	StepReserveFunds,
	StepMarkPaymentPending,
	StepCaptureFunds,
	StepMarkPaid,
	StepRequestFulfillment,
	StepMarkFulfilled,
}

// StepGraph возвращает последовательность шагов для способа оплаты.
func StepGraph(path PaymentPath) []StepID {
	if !path.Valid() {
		return nil
	}
	steps := make([]StepID, len(sagaSteps))
	copy(steps, sagaSteps)
	return steps
}

// StepStatus описывает зафиксированный исход шага.
type StepStatus string

const (
	// StepStatusPending — шаг ещё не выполнялся.
	StepStatusPending StepStatus = "pending"
	// StepStatusSucceeded — шаг выполнен успешно.
	StepStatusSucceeded StepStatus = "succeeded"
	// StepStatusFailed — шаг завершился терминальной ошибкой.
	StepStatusFailed StepStatus = "failed"
	// StepStatusCompensated — эффект шага откатан компенсацией.
	StepStatusCompensated StepStatus = "compensated"
)

// StepOutcome хранит durable-исход одного шага, позволяющий безопасно
// возобновить сагу после падения воркера.
type StepOutcome struct {
	StepID      StepID
	Status      StepStatus
	Attempts    int
	LastError   string
	CompletedAt time.Time
}

// SagaInstance — персистентное состояние саги одного заказа (1:1 с order id).
type SagaInstance struct {
	ID          string
	OrderID     string
	WalletID    string
	PaymentPath PaymentPath
	Status      SagaStatus
	Cursor      int
	Steps       []StepOutcome
	// WalletShareMinor — часть суммы, покрываемая кошельком (гибридная оплата).
	WalletShareMinor int64
	// GatewayShareMinor — часть суммы, уходящая провайдеру.
	GatewayShareMinor int64
	Reason            string
	LeaseOwner        string
	LeaseExpiresAt    time.Time
	Deadline          time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewSagaInstance создаёт сагу для заказа с заполненным графом шагов.
func NewSagaInstance(id string, order Order, walletShare, gatewayShare int64, deadline time.Time) SagaInstance {
	steps := StepGraph(order.PaymentPath)
	outcomes := make([]StepOutcome, len(steps))
	for i, step := range steps {
		outcomes[i] = StepOutcome{StepID: step, Status: StepStatusPending}
	}
	now := time.Now().UTC()
	return SagaInstance{
		ID:                id,
		OrderID:           order.ID,
		WalletID:          order.WalletID,
		PaymentPath:       order.PaymentPath,
		Status:            SagaStatusRunning,
		Steps:             outcomes,
		WalletShareMinor:  walletShare,
		GatewayShareMinor: gatewayShare,
		Deadline:          deadline,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CurrentStep возвращает шаг под курсором; ok=false, если все шаги пройдены.
func (s *SagaInstance) CurrentStep() (StepID, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Steps) {
		return "", false
	}
	return s.Steps[s.Cursor].StepID, true
}

// StepOutcomeFor возвращает исход шага по идентификатору.
func (s *SagaInstance) StepOutcomeFor(step StepID) (StepOutcome, bool) {
	for _, outcome := range s.Steps {
		if outcome.StepID == step {
			return outcome, true
		}
	}
	return StepOutcome{}, false
}

// StepSucceeded сообщает, зафиксирован ли успешный исход шага.
func (s *SagaInstance) StepSucceeded(step StepID) bool {
	outcome, ok := s.StepOutcomeFor(step)
	return ok && outcome.Status == StepStatusSucceeded
}

// RecordStepResult фиксирует исход шага под курсором и двигает курсор при успехе.
func (s *SagaInstance) RecordStepResult(status StepStatus, attempts int, lastErr string) error {
	if s.Cursor < 0 || s.Cursor >= len(s.Steps) {
		return fmt.Errorf("saga %s: cursor %d out of range", s.ID, s.Cursor)
	}
	outcome := &s.Steps[s.Cursor]
	outcome.Status = status
	outcome.Attempts = attempts
	outcome.LastError = lastErr
	outcome.CompletedAt = time.Now().UTC()
	s.UpdatedAt = outcome.CompletedAt
	if status == StepStatusSucceeded {
		s.Cursor++
	}
	return nil
}

// MarkCompensated помечает шаг откатанным.
func (s *SagaInstance) MarkCompensated(step StepID) {
	for i := range s.Steps {
		if s.Steps[i].StepID == step {
			s.Steps[i].Status = StepStatusCompensated
			s.Steps[i].CompletedAt = time.Now().UTC()
			s.UpdatedAt = s.Steps[i].CompletedAt
			return
		}
	}
}

// PassedCapture сообщает, завершился ли шаг списания средств.
// После него отмена заказа запрещена — допустим только возврат.
func (s *SagaInstance) PassedCapture() bool {
	return s.StepSucceeded(StepCaptureFunds)
}

// StepKey формирует idempotency key для операций журнала кошелька: (saga id, step id).
// Повторы шага дедуплицируются до одной записи журнала.
func StepKey(sagaID string, step StepID) string {
	return fmt.Sprintf("%s:%s", sagaID, step)
}

// AttemptKey формирует idempotency key обращений к провайдеру:
// (saga id, step id, порядковый номер попытки).
func AttemptKey(sagaID string, step StepID, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", sagaID, step, attempt)
}
