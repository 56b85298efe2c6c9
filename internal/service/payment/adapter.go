package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/metrics"
)

// AdapterConfig — бюджет сетевых повторов одного вызова провайдера.
// Повторы уровня саги (новая попытка с новым ключом) считаются отдельно.
type AdapterConfig struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	// CallTimeout — дедлайн одного сетевого обращения к провайдеру.
	CallTimeout time.Duration
	// BreakerFailureRatio / BreakerMinRequests — порог открытия circuit breaker.
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
	// BreakerOpenTimeout — пауза до перехода open -> half-open.
	BreakerOpenTimeout time.Duration
}

// DefaultAdapterConfig возвращает конфигурацию по умолчанию.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		MaxAttempts:         3,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		MaxJitter:           50 * time.Millisecond,
		CallTimeout:         3 * time.Second,
		BreakerFailureRatio: 0.6,
		BreakerMinRequests:  10,
		BreakerOpenTimeout:  30 * time.Second,
	}
}

// Adapter реализует domain.PaymentService поверх внешнего провайдера:
// персистит попытки, дедуплицирует по idempotency key, повторяет транзиентные
// ошибки с экспоненциальным backoff и джиттером, прикрывает провайдера
// circuit breaker-ом и следит, чтобы списания не превысили сумму заказа.
type Adapter struct {
	provider Provider
	attempts domain.PaymentAttemptRepository
	orders   domain.OrderRepository
	breaker  *gobreaker.CircuitBreaker[ProviderResult]
	cfg      AdapterConfig
	logger   *log.Entry
	metrics  *metrics.GatewayMetrics
}

// NewAdapter создаёт адаптер платёжного провайдера.
func NewAdapter(provider Provider, attempts domain.PaymentAttemptRepository, orders domain.OrderRepository, cfg AdapterConfig, logger *log.Entry) *Adapter {
	adapter := newAdapter(provider, attempts, orders, cfg, logger)
	adapter.metrics = metrics.NewGatewayMetrics()
	adapter.metrics.SetBreakerState(float64(gobreaker.StateClosed))
	return adapter
}

// NewAdapterWithoutMetrics создаёт адаптер без метрик (для тестов).
func NewAdapterWithoutMetrics(provider Provider, attempts domain.PaymentAttemptRepository, orders domain.OrderRepository, cfg AdapterConfig, logger *log.Entry) *Adapter {
	return newAdapter(provider, attempts, orders, cfg, logger)
}

func newAdapter(provider Provider, attempts domain.PaymentAttemptRepository, orders domain.OrderRepository, cfg AdapterConfig, logger *log.Entry) *Adapter {
	if logger == nil {
		logger = log.New().WithField("component", "payment-adapter")
	}

	if cfg.MaxJitter <= 0 {
		// retry.RandomDelay паникует на нулевом джиттере.
		cfg.MaxJitter = DefaultAdapterConfig().MaxJitter
	}
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		cfg.BreakerFailureRatio = DefaultAdapterConfig().BreakerFailureRatio
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = DefaultAdapterConfig().BreakerMinRequests
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = DefaultAdapterConfig().BreakerOpenTimeout
	}

	adapter := &Adapter{
		provider: provider,
		attempts: attempts,
		orders:   orders,
		cfg:      cfg,
		logger:   logger,
	}

	adapter.breaker = gobreaker.NewCircuitBreaker[ProviderResult](gobreaker.Settings{
		Name:        provider.Name(),
		MaxRequests: cfg.BreakerMinRequests,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinRequests && failureRatio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			adapter.logger.WithFields(log.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("payment provider breaker state changed")
			if adapter.metrics != nil {
				adapter.metrics.SetBreakerState(float64(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// Отказ провайдера - решение, а не деградация; breaker не открываем
			return err == nil || errors.Is(err, domain.ErrPaymentDeclined)
		},
	})

	return adapter
}

// Authorize резервирует сумму у провайдера. Повтор idempotencyKey возвращает
// сохранённую попытку без обращения к провайдеру.
func (a *Adapter) Authorize(ctx context.Context, orderID, sagaID string, amountMinor int64, currency, idempotencyKey string) (domain.PaymentAttempt, error) {
	if prior, err := a.attempts.FindAttemptByKey(idempotencyKey); err == nil {
		return a.replayAttempt(prior)
	} else if !errors.Is(err, domain.ErrAttemptNotFound) {
		return domain.PaymentAttempt{}, err
	}

	now := time.Now().UTC()
	attempt := domain.PaymentAttempt{
		ID:             "pa-" + idempotencyKey,
		OrderID:        orderID,
		SagaID:         sagaID,
		IdempotencyKey: idempotencyKey,
		Provider:       a.provider.Name(),
		Status:         domain.AttemptStatusInitiated,
		AmountMinor:    amountMinor,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errs := attempt.Validate(); len(errs) > 0 {
		return domain.PaymentAttempt{}, errors.Join(errs...)
	}

	if err := a.attempts.CreateAttempt(attempt); err != nil {
		if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
			// Конкурентный дубль успел первым
			prior, findErr := a.attempts.FindAttemptByKey(idempotencyKey)
			if findErr != nil {
				return domain.PaymentAttempt{}, findErr
			}
			return a.replayAttempt(prior)
		}
		return domain.PaymentAttempt{}, err
	}

	result, err := a.call(ctx, OpAuthorize, func(callCtx context.Context) (ProviderResult, error) {
		return a.provider.Authorize(callCtx, AuthorizeRequest{
			OrderID:        orderID,
			SagaID:         sagaID,
			AmountMinor:    amountMinor,
			Currency:       currency,
			IdempotencyKey: idempotencyKey,
		})
	})
	if err != nil {
		return a.settleFailure(attempt, err, !errors.Is(err, domain.ErrPaymentIndeterminate))
	}

	attempt.GatewayRef = result.GatewayRef
	if err := attempt.Transition(domain.AttemptStatusAuthorized); err != nil {
		return attempt, err
	}
	if err := a.attempts.SaveAttempt(attempt); err != nil {
		return attempt, err
	}

	a.logger.WithFields(log.Fields{
		"order_id":     orderID,
		"saga_id":      sagaID,
		"attempt_id":   attempt.ID,
		"gateway_ref":  attempt.GatewayRef,
		"amount_minor": amountMinor,
	}).Info("payment authorized")
	return attempt, nil
}

// Capture списывает ранее авторизованную сумму. Уже списанная попытка — no-op.
// Суммарные списания по заказу (за вычетом возвратов) не могут превысить его
// сумму; нарушение — ErrCaptureExceedsTotal без обращения к провайдеру.
func (a *Adapter) Capture(ctx context.Context, attemptID, idempotencyKey string) (domain.PaymentAttempt, error) {
	attempt, err := a.attempts.GetAttempt(attemptID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}

	if attempt.Status == domain.AttemptStatusCaptured {
		return attempt, nil
	}
	if attempt.Status != domain.AttemptStatusAuthorized {
		return attempt, domain.ErrAttemptStateInvalid
	}

	if err := a.checkCaptureBudget(attempt); err != nil {
		return attempt, err
	}

	_, err = a.call(ctx, OpCapture, func(callCtx context.Context) (ProviderResult, error) {
		return a.provider.Capture(callCtx, CaptureRequest{
			GatewayRef:     attempt.GatewayRef,
			AmountMinor:    attempt.AmountMinor,
			IdempotencyKey: idempotencyKey,
		})
	})
	if err != nil {
		// Авторизация остаётся открытой: компенсация сможет её аннулировать
		return a.settleFailure(attempt, err, false)
	}

	attempt.CapturedMinor = attempt.AmountMinor
	if err := attempt.Transition(domain.AttemptStatusCaptured); err != nil {
		return attempt, err
	}
	if err := a.attempts.SaveAttempt(attempt); err != nil {
		return attempt, err
	}

	a.logger.WithFields(log.Fields{
		"order_id":       attempt.OrderID,
		"attempt_id":     attempt.ID,
		"captured_minor": attempt.CapturedMinor,
	}).Info("payment captured")
	return attempt, nil
}

// Void аннулирует авторизацию до списания. Уже аннулированная попытка — no-op.
func (a *Adapter) Void(ctx context.Context, attemptID string) (domain.PaymentAttempt, error) {
	attempt, err := a.attempts.GetAttempt(attemptID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}

	if attempt.Status == domain.AttemptStatusVoided {
		return attempt, nil
	}
	if attempt.Status != domain.AttemptStatusAuthorized {
		return attempt, domain.ErrAttemptStateInvalid
	}

	_, err = a.call(ctx, OpVoid, func(callCtx context.Context) (ProviderResult, error) {
		return a.provider.Void(callCtx, VoidRequest{
			GatewayRef:     attempt.GatewayRef,
			IdempotencyKey: attempt.IdempotencyKey + ":void",
		})
	})
	if err != nil {
		return a.settleFailure(attempt, err, false)
	}

	if err := attempt.Transition(domain.AttemptStatusVoided); err != nil {
		return attempt, err
	}
	if err := a.attempts.SaveAttempt(attempt); err != nil {
		return attempt, err
	}

	a.logger.WithFields(log.Fields{
		"order_id":   attempt.OrderID,
		"attempt_id": attempt.ID,
	}).Info("payment authorization voided")
	return attempt, nil
}

// Refund возвращает списанные средства; частичный возврат оставляет попытку
// в captured, полный переводит в refunded.
func (a *Adapter) Refund(ctx context.Context, attemptID string, amountMinor int64) (domain.PaymentAttempt, error) {
	attempt, err := a.attempts.GetAttempt(attemptID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}

	if attempt.Status == domain.AttemptStatusRefunded {
		return attempt, nil
	}
	if attempt.Status != domain.AttemptStatusCaptured {
		return attempt, domain.ErrAttemptStateInvalid
	}
	if amountMinor <= 0 {
		return attempt, domain.ErrAmountNegative
	}
	if amountMinor > attempt.CapturedMinor-attempt.RefundedMinor {
		return attempt, domain.ErrRefundExceedsCaptured
	}

	_, err = a.call(ctx, OpRefund, func(callCtx context.Context) (ProviderResult, error) {
		return a.provider.Refund(callCtx, RefundRequest{
			GatewayRef:     attempt.GatewayRef,
			AmountMinor:    amountMinor,
			IdempotencyKey: attempt.IdempotencyKey + ":refund",
		})
	})
	if err != nil {
		return a.settleFailure(attempt, err, false)
	}

	attempt.RefundedMinor += amountMinor
	if attempt.RefundedMinor == attempt.CapturedMinor {
		if err := attempt.Transition(domain.AttemptStatusRefunded); err != nil {
			return attempt, err
		}
	} else {
		attempt.UpdatedAt = time.Now().UTC()
	}
	if err := a.attempts.SaveAttempt(attempt); err != nil {
		return attempt, err
	}

	a.logger.WithFields(log.Fields{
		"order_id":       attempt.OrderID,
		"attempt_id":     attempt.ID,
		"refunded_minor": attempt.RefundedMinor,
	}).Info("payment refunded")
	return attempt, nil
}

// replayAttempt возвращает сохранённую попытку как итог повторного вызова.
func (a *Adapter) replayAttempt(attempt domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	if attempt.Status == domain.AttemptStatusFailed {
		return attempt, domain.ErrPaymentDeclined
	}
	return attempt, nil
}

// settleFailure фиксирует неуспех попытки. markFailed переводит её в failed;
// при неопределённом исходе статус не меняется: средства могли сдвинуться.
func (a *Adapter) settleFailure(attempt domain.PaymentAttempt, cause error, markFailed bool) (domain.PaymentAttempt, error) {
	attempt.FailureReason = cause.Error()
	if markFailed && attempt.Status.CanTransition(domain.AttemptStatusFailed) {
		if err := attempt.Transition(domain.AttemptStatusFailed); err != nil {
			return attempt, err
		}
	} else {
		attempt.UpdatedAt = time.Now().UTC()
	}

	if err := a.attempts.SaveAttempt(attempt); err != nil {
		a.logger.WithError(err).WithField("attempt_id", attempt.ID).Error("failed to persist attempt failure")
	}

	a.logger.WithError(cause).WithFields(log.Fields{
		"order_id":   attempt.OrderID,
		"attempt_id": attempt.ID,
		"status":     attempt.Status,
		"class":      domain.Classify(cause).String(),
	}).Warn("payment operation failed")
	return attempt, cause
}

// checkCaptureBudget проверяет, что списание не превысит сумму заказа.
func (a *Adapter) checkCaptureBudget(attempt domain.PaymentAttempt) error {
	order, err := a.orders.Get(attempt.OrderID)
	if err != nil {
		return err
	}

	captured := int64(0)
	siblings, err := a.attempts.ListAttemptsByOrder(attempt.OrderID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		captured += sibling.CapturedMinor - sibling.RefundedMinor
	}

	if captured+attempt.AmountMinor > order.AmountMinor {
		a.logger.WithFields(log.Fields{
			"order_id":       attempt.OrderID,
			"attempt_id":     attempt.ID,
			"captured_minor": captured,
			"amount_minor":   attempt.AmountMinor,
			"total_minor":    order.AmountMinor,
		}).Warn("capture rejected, order total would be exceeded")
		return domain.ErrCaptureExceedsTotal
	}
	return nil
}

// call выполняет обращение к провайдеру через circuit breaker с повторами
// транзиентных ошибок (экспоненциальный backoff с джиттером).
func (a *Adapter) call(ctx context.Context, op string, fn func(context.Context) (ProviderResult, error)) (ProviderResult, error) {
	start := time.Now()
	var result ProviderResult

	err := retry.Do(
		func() error {
			res, execErr := a.breaker.Execute(func() (ProviderResult, error) {
				callCtx := ctx
				if a.cfg.CallTimeout > 0 {
					var cancel context.CancelFunc
					callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
					defer cancel()
				}
				return fn(callCtx)
			})
			if execErr != nil {
				return execErr
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(a.cfg.MaxAttempts),
		retry.Delay(a.cfg.InitialDelay),
		retry.MaxDelay(a.cfg.MaxDelay),
		retry.MaxJitter(a.cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			if a.metrics != nil {
				a.metrics.RecordRetry(op)
			}
			a.logger.WithError(err).WithFields(log.Fields{
				"op":      op,
				"attempt": n + 1,
			}).Warn("gateway call failed, retrying")
		}),
	)

	err = classifyCallError(err)
	if a.metrics != nil {
		a.metrics.RecordCall(op, outcomeLabel(err), time.Since(start))
	}
	return result, err
}

// classifyCallError приводит инфраструктурные ошибки к таксономии домена.
func classifyCallError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("payment provider circuit open: %w", domain.ErrPaymentTemporary)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Запрос мог дойти до провайдера - исход неизвестен
		return fmt.Errorf("gateway call interrupted: %w", domain.ErrPaymentIndeterminate)
	default:
		return err
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, domain.ErrPaymentTemporary):
		return "temporary"
	case errors.Is(err, domain.ErrPaymentIndeterminate):
		return "indeterminate"
	default:
		return "error"
	}
}

var _ domain.PaymentService = (*Adapter)(nil)
