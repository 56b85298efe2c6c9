package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// Причины, при которых компенсация не может гарантировать чистый откат:
// исход capture у провайдера неизвестен, средства могли сдвинуться.
const (
	reasonCaptureExhausted = "payment-capture-exhausted"
	reasonDeadlineExceeded = "saga-deadline-exceeded"
)

// beginCompensation фиксирует переход саги в откат и выполняет его.
// Повторный вход (возобновление после падения) не перезаписывает причину.
func (o *Orchestrator) beginCompensation(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, reason string) error {
	if instance.Status != domain.SagaStatusCompensating {
		instance.Status = domain.SagaStatusCompensating
		instance.Reason = reason
		if err := o.saveSaga(instance); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.RecordCompensation()
		}
		o.logger.WithFields(log.Fields{
			"saga_id":  instance.ID,
			"order_id": instance.OrderID,
			"reason":   reason,
		}).Warn("saga entered compensation")
	}
	return o.compensate(ctx, instance, order)
}

// compensate откатывает эффекты в обратном порядке шагов: возврат списанных
// сумм у провайдера, аннулирование открытых авторизаций, кредит-обратно
// дебета кошелька. Каждое действие идемпотентно, поэтому проход можно
// безопасно повторять с любого места.
//
// Терминальный исход: cancelled, только если средства ни разу не списывались
// и каждый эффект достоверно откатан; failed — при списании, неполном откате
// или неопределённом исходе capture (требует ручной сверки).
func (o *Orchestrator) compensate(ctx context.Context, instance *domain.SagaInstance, order *domain.Order) error {
	fundsCaptured := false
	fullyReversed := true

	attempts, err := o.deps.Attempts.ListAttemptsByOrder(order.ID)
	if err != nil {
		return err
	}
	for _, pa := range attempts {
		switch pa.Status {
		case domain.AttemptStatusCaptured:
			fundsCaptured = true
			remaining := pa.CapturedMinor - pa.RefundedMinor
			if remaining <= 0 {
				continue
			}
			if err := o.reverseCall(ctx, func(callCtx context.Context) error {
				_, err := o.deps.Payments.Refund(callCtx, pa.ID, remaining)
				return err
			}); err != nil {
				if retryLater := o.deferCompensation(instance, pa.ID, "refund", err); retryLater != nil {
					return retryLater
				}
				fullyReversed = false
			}
		case domain.AttemptStatusAuthorized:
			if err := o.reverseCall(ctx, func(callCtx context.Context) error {
				_, err := o.deps.Payments.Void(callCtx, pa.ID)
				return err
			}); err != nil {
				if retryLater := o.deferCompensation(instance, pa.ID, "void", err); retryLater != nil {
					return retryLater
				}
				fullyReversed = false
			}
		case domain.AttemptStatusInitiated:
			// Вызов оборвался до решения: исход на стороне провайдера неизвестен.
			fullyReversed = false
		}
	}

	if reversed, err := o.creditWalletBack(ctx, instance, order); err != nil {
		if domain.IsIntegrity(err) {
			return o.escalateIntegrity(ctx, instance, err)
		}
		if retryLater := o.deferCompensation(instance, instance.WalletID, "wallet-credit", err); retryLater != nil {
			return retryLater
		}
		fundsCaptured = true
		fullyReversed = false
	} else if reversed {
		fundsCaptured = true
	}

	for _, outcome := range instance.Steps {
		if outcome.Status == domain.StepStatusSucceeded &&
			(outcome.StepID == domain.StepReserveFunds || outcome.StepID == domain.StepCaptureFunds) {
			instance.MarkCompensated(outcome.StepID)
		}
	}

	target := domain.OrderStatusCancelled
	if fundsCaptured || !fullyReversed ||
		instance.Reason == reasonCaptureExhausted {
		target = domain.OrderStatusFailed
	}

	return o.finalizeCompensation(ctx, instance, order, target, fullyReversed)
}

// creditWalletBack возвращает дебет кошелька, если он был записан в журнал.
// Ключ кредита производен от ключа дебета, поэтому повтор прохода не создаёт
// второй записи. reversed=true — дебет существовал (средства списывались).
func (o *Orchestrator) creditWalletBack(ctx context.Context, instance *domain.SagaInstance, order *domain.Order) (bool, error) {
	if instance.WalletShareMinor <= 0 {
		return false, nil
	}

	debitKey := domain.StepKey(instance.ID, domain.StepCaptureFunds)
	if _, err := o.deps.Ledger.EntryByKey(ctx, debitKey); err != nil {
		if errors.Is(err, domain.ErrLedgerEntryNotFound) {
			return false, nil
		}
		return false, err
	}

	entry, _, err := o.deps.Ledger.Append(ctx, instance.WalletID, instance.WalletShareMinor, debitKey+":comp")
	if err != nil {
		o.emit(domain.EventWalletCreditFailed, domain.AggregateWallet, instance.WalletID, instance.ID, order.ID,
			domain.WalletCreditFailedPayload{WalletID: instance.WalletID, Reason: err.Error()})
		return true, err
	}

	o.emit(domain.EventWalletCredited, domain.AggregateWallet, instance.WalletID, instance.ID, order.ID,
		domain.WalletCreditedPayload{WalletID: instance.WalletID, AmountMinor: instance.WalletShareMinor, EntryID: entry.ID})
	return true, nil
}

// reverseCall выполняет компенсирующий вызов провайдера с ограниченными
// повторами транзиентных ошибок. Уже откатанная попытка — no-op на стороне
// адаптера, поэтому повтор безопасен.
func (o *Orchestrator) reverseCall(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.StepMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			// ErrAttemptStateInvalid и прочие бизнес-исходы: параллельный
			// проход уже откатил попытку, повтор бессмыслен.
			if errors.Is(err, domain.ErrAttemptStateInvalid) {
				return nil
			}
			return err
		}
		if attempt < o.cfg.StepMaxAttempts {
			if err := o.sleep(ctx, backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// deferCompensation решает судьбу неудачного компенсирующего действия:
// до дедлайна саги проход прерывается и будет повторён resumer-ом (возврат
// ошибки), после — эффект признаётся неоткатанным (возврат nil).
func (o *Orchestrator) deferCompensation(instance *domain.SagaInstance, subject, action string, cause error) error {
	deadlinePassed := !instance.Deadline.IsZero() && time.Now().UTC().After(instance.Deadline)
	o.logger.WithError(cause).WithFields(log.Fields{
		"saga_id":         instance.ID,
		"action":          action,
		"subject":         subject,
		"deadline_passed": deadlinePassed,
	}).Warn("compensation action failed")

	if domain.IsTransient(cause) && !deadlinePassed {
		return fmt.Errorf("compensation %s for %s: %w", action, subject, cause)
	}
	return nil
}

// finalizeCompensation переводит заказ и сагу в терминальный исход отката.
func (o *Orchestrator) finalizeCompensation(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, target domain.OrderStatus, fullyReversed bool) error {
	if err := o.transitionOrder(ctx, order, target, instance.ID, instance.Reason); err != nil {
		// Переход повторится при следующем проходе компенсации.
		return err
	}

	switch target {
	case domain.OrderStatusCancelled:
		instance.Status = domain.SagaStatusCancelled
		o.emit(domain.EventOrderCancelled, domain.AggregateOrder, order.ID, instance.ID, order.ID,
			domain.OrderCancelledPayload{OrderID: order.ID, Reason: instance.Reason})
	default:
		instance.Status = domain.SagaStatusFailed
		o.emit(domain.EventOrderFailed, domain.AggregateOrder, order.ID, instance.ID, order.ID,
			domain.OrderFailedPayload{OrderID: order.ID, Reason: instance.Reason})
	}
	if err := o.saveSaga(instance); err != nil {
		return err
	}

	if o.metrics != nil {
		if instance.Status == domain.SagaStatusFailed {
			o.metrics.RecordSagaFailed()
		}
		o.metrics.RecordSagaInFlightFinished()
	}

	entry := o.logger.WithFields(log.Fields{
		"saga_id":        instance.ID,
		"order_id":       order.ID,
		"order_status":   target,
		"reason":         instance.Reason,
		"fully_reversed": fullyReversed,
	})
	if instance.Status == domain.SagaStatusFailed {
		// Заказ помечен failed: ручная сверка обязательна.
		entry.Error("saga compensated with incomplete or ambiguous reversal, manual review required")
	} else {
		entry.Info("saga compensated, order cancelled")
	}
	return nil
}

// Refund выполняет компенсирующий возврат после оплаты: возвращает списанное
// у провайдера, кредитует обратно дебет кошелька и переводит заказ в refunded.
// Отмена оплаченного заказа идёт только этим путём.
func (o *Orchestrator) Refund(ctx context.Context, orderID, reason string) error {
	instance, err := o.deps.Sagas.GetByOrder(orderID)
	if err != nil {
		return err
	}

	acquired, err := o.deps.Locker.Acquire(ctx, instance.ID, o.owner, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrSagaLocked
	}
	defer o.releaseLease(ctx, instance.ID)

	order, err := o.deps.Orders.Get(orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusRefunded {
		return nil
	}
	if order.Status != domain.OrderStatusPaid {
		return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, domain.ErrIllegalTransition)
	}

	instance, err = o.deps.Sagas.Get(instance.ID)
	if err != nil {
		return err
	}
	if err := o.stampLease(&instance); err != nil {
		return err
	}

	refunded := int64(0)
	attempts, err := o.deps.Attempts.ListAttemptsByOrder(order.ID)
	if err != nil {
		return err
	}
	for _, pa := range attempts {
		remaining := pa.CapturedMinor - pa.RefundedMinor
		if pa.Status != domain.AttemptStatusCaptured || remaining <= 0 {
			continue
		}
		if err := o.reverseCall(ctx, func(callCtx context.Context) error {
			_, err := o.deps.Payments.Refund(callCtx, pa.ID, remaining)
			return err
		}); err != nil {
			return fmt.Errorf("refund attempt %s: %w", pa.ID, err)
		}
		refunded += remaining
	}

	if reversed, err := o.creditWalletBack(ctx, &instance, &order); err != nil {
		if domain.IsIntegrity(err) {
			return o.escalateIntegrity(ctx, &instance, err)
		}
		return err
	} else if reversed {
		refunded += instance.WalletShareMinor
	}

	if err := o.transitionOrder(ctx, &order, domain.OrderStatusRefunded, instance.ID, reason); err != nil {
		return err
	}

	instance.Status = domain.SagaStatusCancelled
	instance.Reason = "refunded: " + reason
	if err := o.saveSaga(&instance); err != nil {
		return err
	}

	o.emit(domain.EventOrderRefunded, domain.AggregateOrder, order.ID, instance.ID, order.ID,
		domain.OrderRefundedPayload{OrderID: order.ID, AmountMinor: refunded, Reason: reason})

	if o.metrics != nil {
		o.metrics.RecordSagaRefunded()
		o.metrics.RecordSagaInFlightFinished()
	}
	o.logger.WithFields(log.Fields{
		"saga_id":        instance.ID,
		"order_id":       order.ID,
		"refunded_minor": refunded,
		"reason":         reason,
	}).Info("order refunded")
	return nil
}
