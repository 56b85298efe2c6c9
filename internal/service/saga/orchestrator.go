package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/metrics"
)

// Config — параметры выполнения шагов и лизинга саги.
type Config struct {
	// StepTimeout — дедлайн одного выполнения шага; превышение считается
	// транзиентным сбоем и уходит в бюджет повторов.
	StepTimeout time.Duration
	// StepMaxAttempts — бюджет повторов шага; исчерпание эскалируется
	// в терминальный сбой и запускает компенсацию.
	StepMaxAttempts int
	// RetryBaseDelay / RetryMaxDelay — экспоненциальный backoff между повторами.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// LeaseTTL — срок лизинга: сагу в каждый момент продвигает один воркер.
	LeaseTTL time.Duration
	// SagaDeadline — общий срок саги от размещения заказа.
	SagaDeadline time.Duration
}

// DefaultConfig возвращает конфигурацию оркестратора по умолчанию.
func DefaultConfig() Config {
	return Config{
		StepTimeout:     5 * time.Second,
		StepMaxAttempts: 3,
		RetryBaseDelay:  100 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		LeaseTTL:        30 * time.Second,
		SagaDeadline:    24 * time.Hour,
	}
}

// Deps — коллабораторы оркестратора. Решение retry/compensate/escalate
// принимает только оркестратор; коллабораторы сообщают исход sentinel-ошибками.
type Deps struct {
	Orders   domain.OrderRepository
	Sagas    domain.SagaRepository
	Ledger   domain.WalletLedger
	Payments domain.PaymentService
	Attempts domain.PaymentAttemptRepository
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Locker   domain.SagaLocker
}

// Orchestrator продвигает саги заказов по фиксированному графу шагов:
// резервирование средств, списание, запрос исполнения — с компенсацией
// в обратном порядке при терминальном сбое. Взаимное исключение на сагу
// обеспечивает лизинг; все денежные операции несут idempotency key, поэтому
// возобновление после падения воркера безопасно.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	owner   string
	logger  *log.Entry
	metrics *metrics.SagaMetrics

	// sleep подменяется в тестах, чтобы не ждать реальный backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator создаёт оркестратор. owner идентифицирует воркера
// в лизингах (обычно instance id процесса).
func NewOrchestrator(deps Deps, cfg Config, owner string, logger *log.Entry) *Orchestrator {
	o := newOrchestrator(deps, cfg, owner, logger)
	o.metrics = metrics.NewSagaMetrics()
	return o
}

// NewOrchestratorWithoutMetrics создаёт оркестратор без метрик (для тестов).
func NewOrchestratorWithoutMetrics(deps Deps, cfg Config, owner string, logger *log.Entry) *Orchestrator {
	return newOrchestrator(deps, cfg, owner, logger)
}

func newOrchestrator(deps Deps, cfg Config, owner string, logger *log.Entry) *Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	if owner == "" {
		owner = "worker-" + uuid.NewString()[:8]
	}
	if cfg.StepMaxAttempts <= 0 {
		cfg.StepMaxAttempts = DefaultConfig().StepMaxAttempts
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.SagaDeadline <= 0 {
		cfg.SagaDeadline = DefaultConfig().SagaDeadline
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		owner:  owner,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Begin создаёт сагу для размещённого заказа и публикует OrderPlaced.
// Гибридная оплата делится на месте: кошелёк покрывает сколько может,
// остаток уходит провайдеру.
func (o *Orchestrator) Begin(ctx context.Context, order domain.Order) (domain.SagaInstance, error) {
	walletShare, gatewayShare, err := o.splitPayment(ctx, order)
	if err != nil {
		return domain.SagaInstance{}, err
	}

	deadline := time.Now().UTC().Add(o.cfg.SagaDeadline)
	instance := domain.NewSagaInstance(uuid.NewString(), order, walletShare, gatewayShare, deadline)

	if err := o.deps.Sagas.Create(instance); err != nil {
		if errors.Is(err, domain.ErrSagaExists) {
			// Повтор размещения: активная сага уже есть, возвращаем её.
			return o.deps.Sagas.GetByOrder(order.ID)
		}
		return domain.SagaInstance{}, err
	}

	o.emit(domain.EventOrderPlaced, domain.AggregateOrder, order.ID, instance.ID, order.ID, domain.OrderPlacedPayload{
		OrderID:       order.ID,
		TotalMinor:    order.AmountMinor,
		PaymentMethod: order.PaymentPath,
	})

	if o.metrics != nil {
		o.metrics.RecordSagaStarted()
	}
	o.logger.WithFields(log.Fields{
		"saga_id":       instance.ID,
		"order_id":      order.ID,
		"payment_path":  order.PaymentPath,
		"wallet_minor":  walletShare,
		"gateway_minor": gatewayShare,
		"deadline":      deadline.Format(time.RFC3339),
	}).Info("saga created")

	return instance, nil
}

// splitPayment распределяет сумму заказа между кошельком и провайдером.
func (o *Orchestrator) splitPayment(ctx context.Context, order domain.Order) (walletShare, gatewayShare int64, err error) {
	switch order.PaymentPath {
	case domain.PaymentPathWalletOnly:
		return order.AmountMinor, 0, nil
	case domain.PaymentPathGatewayOnly:
		return 0, order.AmountMinor, nil
	case domain.PaymentPathHybrid:
		balance, err := o.deps.Ledger.Balance(ctx, order.WalletID)
		if err != nil {
			return 0, 0, err
		}
		if balance >= order.AmountMinor {
			return order.AmountMinor, 0, nil
		}
		if balance < 0 {
			balance = 0
		}
		return balance, order.AmountMinor - balance, nil
	default:
		return 0, 0, domain.ErrPaymentPathUnknown
	}
}

// Advance продвигает сагу вперёд под лизингом до блокировки (ожидание
// подтверждения исполнения), терминального статуса или ошибки целостности.
// Возобновление после падения воркера начинается с последнего durable-исхода.
func (o *Orchestrator) Advance(ctx context.Context, sagaID string) error {
	acquired, err := o.deps.Locker.Acquire(ctx, sagaID, o.owner, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrSagaLocked
	}
	defer o.releaseLease(ctx, sagaID)

	instance, err := o.deps.Sagas.Get(sagaID)
	if err != nil {
		return err
	}
	if err := o.stampLease(&instance); err != nil {
		return err
	}
	return o.advanceLocked(ctx, &instance)
}

// stampLease фиксирует владение лизингом на строке саги: ListResumable не
// возвращает активно обрабатываемую сагу до истечения лизинга, а API
// показывает, какой воркер её держит.
func (o *Orchestrator) stampLease(instance *domain.SagaInstance) error {
	if instance.Status.Terminal() {
		return nil
	}
	instance.LeaseOwner = o.owner
	instance.LeaseExpiresAt = time.Now().UTC().Add(o.cfg.LeaseTTL)
	return o.saveSaga(instance)
}

// releaseLease снимает лизинг в locker-е и очищает его отметку на строке саги.
// Отметка очищается по свежей копии из хранилища: локальный экземпляр мог
// разойтись с ним после неудачного Save.
func (o *Orchestrator) releaseLease(ctx context.Context, sagaID string) {
	detached := context.WithoutCancel(ctx)
	if err := o.deps.Locker.Release(detached, sagaID, o.owner); err != nil {
		o.logger.WithError(err).WithField("saga_id", sagaID).Warn("failed to release saga lease")
	}

	instance, err := o.deps.Sagas.Get(sagaID)
	if err != nil {
		o.logger.WithError(err).WithField("saga_id", sagaID).Warn("failed to load saga for lease cleanup")
		return
	}
	if instance.LeaseOwner != o.owner {
		return
	}
	instance.LeaseOwner = ""
	instance.LeaseExpiresAt = time.Time{}
	instance.UpdatedAt = time.Now().UTC()
	if err := o.deps.Sagas.Save(instance); err != nil {
		o.logger.WithError(err).WithField("saga_id", sagaID).Warn("failed to clear saga lease stamp")
	}
}

func (o *Orchestrator) advanceLocked(ctx context.Context, instance *domain.SagaInstance) error {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordSagaDuration(time.Since(start))
		}
	}()

	for {
		if instance.Status.Terminal() {
			return nil
		}

		order, err := o.deps.Orders.Get(instance.OrderID)
		if err != nil {
			return err
		}

		// Просроченная сага эскалируется в компенсацию, пока средства
		// не списаны. После списания заказ мог стать paid, а перехода
		// paid -> failed в машине состояний нет: автоматика останавливается,
		// возврат делает оператор через Refund.
		if !instance.Deadline.IsZero() && time.Now().UTC().After(instance.Deadline) {
			if instance.PassedCapture() {
				return o.haltExpiredAfterCapture(instance)
			}
			return o.beginCompensation(ctx, instance, &order, reasonDeadlineExceeded)
		}

		switch instance.Status {
		case domain.SagaStatusCompensating:
			return o.compensate(ctx, instance, &order)
		case domain.SagaStatusAwaitingFulfillment:
			// Дальше сагу двигает только событие FulfillmentConfirmed.
			return nil
		}

		step, ok := instance.CurrentStep()
		if !ok {
			// Курсор за графом при нетерминальном статусе — повреждённое
			// состояние, руками разбираться оператору.
			return o.escalateIntegrity(ctx, instance, fmt.Errorf("saga %s: cursor beyond step graph", instance.ID))
		}

		if step == domain.StepMarkFulfilled {
			instance.Status = domain.SagaStatusAwaitingFulfillment
			if err := o.saveSaga(instance); err != nil {
				return err
			}
			o.logger.WithFields(log.Fields{
				"saga_id":  instance.ID,
				"order_id": instance.OrderID,
			}).Info("saga awaits fulfillment confirmation")
			return nil
		}

		if err := o.runStep(ctx, instance, &order, step); err != nil {
			var failure *stepFailure
			switch {
			case domain.IsIntegrity(err):
				return o.escalateIntegrity(ctx, instance, err)
			case errors.As(err, &failure):
				// Терминальный исход шага: бизнес-отказ или исчерпанный
				// бюджет повторов. Запускаем откат.
				return o.beginCompensation(ctx, instance, &order, reasonFor(step, failure.cause))
			default:
				// Инфраструктурный сбой (хранилище, конфликт версии саги,
				// остановка процесса): продвижение повторит resumer.
				return err
			}
		}
	}
}

// runStep выполняет шаг с повторами транзиентных ошибок. Счётчик попыток
// персистится ДО обращения к коллаборатору: после падения воркера повтор
// использует тот же attempt ordinal, и провайдер дедуплицирует вызов.
func (o *Orchestrator) runStep(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, step domain.StepID) error {
	stepStart := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordStepDuration(string(step), time.Since(stepStart))
		}
	}()

	outcome, _ := instance.StepOutcomeFor(step)
	var lastErr error

	for outcome.Attempts < o.cfg.StepMaxAttempts {
		if _, err := o.deps.Locker.Extend(ctx, instance.ID, o.owner, o.cfg.LeaseTTL); err != nil {
			return err
		}
		// Продление уедет в хранилище вместе со счётчиком попыток ниже.
		instance.LeaseOwner = o.owner
		instance.LeaseExpiresAt = time.Now().UTC().Add(o.cfg.LeaseTTL)

		attempt := outcome.Attempts + 1
		instance.Steps[instance.Cursor].Attempts = attempt
		if err := o.saveSaga(instance); err != nil {
			return err
		}
		outcome.Attempts = attempt

		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		err := o.executeStep(stepCtx, instance, order, step, attempt)
		cancel()

		if err == nil {
			if err := instance.RecordStepResult(domain.StepStatusSucceeded, attempt, ""); err != nil {
				return err
			}
			return o.saveSaga(instance)
		}
		lastErr = err

		switch domain.Classify(err) {
		case domain.ErrorClassBusiness:
			return o.recordStepFailure(instance, attempt, err)
		case domain.ErrorClassIntegrity:
			return err
		}

		// Транзиентный или неизвестный исход: backoff и повтор, если бюджет позволяет.
		if o.metrics != nil {
			o.metrics.RecordStepRetry(string(step))
		}
		o.logger.WithError(err).WithFields(log.Fields{
			"saga_id":  instance.ID,
			"order_id": instance.OrderID,
			"step":     step,
			"attempt":  attempt,
		}).Warn("saga step failed, retrying")

		if outcome.Attempts >= o.cfg.StepMaxAttempts {
			break
		}
		if err := o.sleep(ctx, backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, attempt)); err != nil {
			return err
		}
	}

	exhausted := fmt.Errorf("%w: step %s after %d attempts: %w",
		domain.ErrStepRetryExhausted, step, outcome.Attempts, lastErr)
	return o.recordStepFailure(instance, outcome.Attempts, exhausted)
}

// stepFailure помечает решённый терминальный исход шага — в отличие от
// инфраструктурных ошибок, которые лишь прерывают продвижение до повтора.
type stepFailure struct {
	cause error
}

func (f *stepFailure) Error() string { return f.cause.Error() }
func (f *stepFailure) Unwrap() error { return f.cause }

func (o *Orchestrator) recordStepFailure(instance *domain.SagaInstance, attempts int, cause error) error {
	if err := instance.RecordStepResult(domain.StepStatusFailed, attempts, cause.Error()); err != nil {
		return err
	}
	if err := o.saveSaga(instance); err != nil {
		return err
	}
	return &stepFailure{cause: cause}
}

// executeStep выполняет одну попытку шага. Денежные операции несут
// idempotency keys: журнал кошелька — (saga, step), провайдер — (saga, step, attempt).
func (o *Orchestrator) executeStep(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, step domain.StepID, attempt int) error {
	switch step {
	case domain.StepReserveFunds:
		return o.reserveFunds(ctx, instance, order, attempt)
	case domain.StepMarkPaymentPending:
		return o.transitionOrder(ctx, order, domain.OrderStatusPaymentPending, instance.ID, "")
	case domain.StepCaptureFunds:
		return o.captureFunds(ctx, instance, order, attempt)
	case domain.StepMarkPaid:
		if err := o.transitionOrder(ctx, order, domain.OrderStatusPaid, instance.ID, ""); err != nil {
			return err
		}
		o.emit(domain.EventOrderConfirmed, domain.AggregateOrder, order.ID, instance.ID, order.ID,
			domain.OrderConfirmedPayload{OrderID: order.ID})
		return nil
	case domain.StepRequestFulfillment:
		o.emit(domain.EventFulfillmentRequested, domain.AggregateOrder, order.ID, instance.ID, order.ID,
			domain.FulfillmentRequestedPayload{OrderID: order.ID})
		return nil
	default:
		return fmt.Errorf("saga %s: unexpected step %s", instance.ID, step)
	}
}

// reserveFunds проверяет покрытие кошельком и/или авторизует остаток у провайдера.
func (o *Orchestrator) reserveFunds(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, attempt int) error {
	if instance.WalletShareMinor > 0 {
		balance, err := o.deps.Ledger.Balance(ctx, instance.WalletID)
		if err != nil {
			return err
		}
		if balance < instance.WalletShareMinor {
			return fmt.Errorf("wallet %s covers %d of %d: %w",
				instance.WalletID, balance, instance.WalletShareMinor, domain.ErrInsufficientFunds)
		}
	}

	if instance.GatewayShareMinor > 0 {
		key := domain.AttemptKey(instance.ID, domain.StepReserveFunds, attempt)
		pa, err := o.deps.Payments.Authorize(ctx, order.ID, instance.ID, instance.GatewayShareMinor, order.Currency, key)
		if err != nil {
			// При отказе до создания попытки её ID пуст; ссылкой служит key.
			attemptRef := pa.ID
			if attemptRef == "" {
				attemptRef = key
			}
			o.emitPaymentFailed(instance, order, attemptRef, err)
			return err
		}
		o.emit(domain.EventPaymentAuthorized, domain.AggregateSaga, instance.ID, instance.ID, order.ID,
			domain.PaymentAuthorizedPayload{AttemptID: pa.ID, AmountMinor: pa.AmountMinor})
	}
	return nil
}

// captureFunds списывает средства: сначала кошелёк (локальный, обратимый
// эффект), затем провайдер. Ключ дебета фиксирован на шаг, поэтому повтор
// после падения не создаёт второй записи журнала.
func (o *Orchestrator) captureFunds(ctx context.Context, instance *domain.SagaInstance, order *domain.Order, attempt int) error {
	if instance.WalletShareMinor > 0 {
		key := domain.StepKey(instance.ID, domain.StepCaptureFunds)
		entry, _, err := o.deps.Ledger.Append(ctx, instance.WalletID, -instance.WalletShareMinor, key)
		if err != nil {
			return err
		}
		o.emit(domain.EventWalletDebited, domain.AggregateWallet, instance.WalletID, instance.ID, order.ID,
			domain.WalletDebitedPayload{WalletID: instance.WalletID, AmountMinor: instance.WalletShareMinor, EntryID: entry.ID})
	}

	if instance.GatewayShareMinor > 0 {
		authorized, err := o.authorizedAttempt(order.ID)
		if err != nil {
			return err
		}
		key := domain.AttemptKey(instance.ID, domain.StepCaptureFunds, attempt)
		pa, err := o.deps.Payments.Capture(ctx, authorized.ID, key)
		if err != nil {
			o.emitPaymentFailed(instance, order, authorized.ID, err)
			return err
		}
		o.emit(domain.EventPaymentCaptured, domain.AggregateSaga, instance.ID, instance.ID, order.ID,
			domain.PaymentCapturedPayload{AttemptID: pa.ID, AmountMinor: pa.CapturedMinor})
	}
	return nil
}

// authorizedAttempt находит открытую авторизацию заказа. Уже списанная попытка
// возвращается как есть: повтор шага после падения не должен падать из-за того,
// что capture успел завершиться.
func (o *Orchestrator) authorizedAttempt(orderID string) (domain.PaymentAttempt, error) {
	attempts, err := o.deps.Attempts.ListAttemptsByOrder(orderID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	for _, pa := range attempts {
		if pa.Status == domain.AttemptStatusCaptured {
			return pa, nil
		}
	}
	for _, pa := range attempts {
		if pa.Status == domain.AttemptStatusAuthorized {
			return pa, nil
		}
	}
	return domain.PaymentAttempt{}, domain.ErrAttemptNotFound
}

// ConfirmFulfillment завершает сагу по событию FulfillmentConfirmed от
// внешнего коллаборатора. Повтор для уже завершённой саги — no-op.
func (o *Orchestrator) ConfirmFulfillment(ctx context.Context, orderID string) error {
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

	// Перечитываем под лизингом.
	instance, err = o.deps.Sagas.Get(instance.ID)
	if err != nil {
		return err
	}
	if instance.Status == domain.SagaStatusCompleted {
		return nil
	}
	if instance.Status != domain.SagaStatusAwaitingFulfillment {
		return fmt.Errorf("saga %s in status %s: %w", instance.ID, instance.Status, domain.ErrIllegalTransition)
	}
	if err := o.stampLease(&instance); err != nil {
		return err
	}

	order, err := o.deps.Orders.Get(orderID)
	if err != nil {
		return err
	}
	if err := o.transitionOrder(ctx, &order, domain.OrderStatusFulfilled, instance.ID, ""); err != nil {
		return err
	}

	instance.Cursor = len(instance.Steps) - 1
	if err := instance.RecordStepResult(domain.StepStatusSucceeded, 1, ""); err != nil {
		return err
	}
	instance.Status = domain.SagaStatusCompleted
	if err := o.saveSaga(&instance); err != nil {
		return err
	}

	o.emit(domain.EventOrderFulfilled, domain.AggregateOrder, order.ID, instance.ID, order.ID,
		domain.OrderFulfilledPayload{OrderID: order.ID})

	if o.metrics != nil {
		o.metrics.RecordSagaCompleted()
		o.metrics.RecordSagaInFlightFinished()
	}
	o.logger.WithFields(log.Fields{
		"saga_id":  instance.ID,
		"order_id": order.ID,
	}).Info("saga completed, order fulfilled")
	return nil
}

// RequestCancel обрабатывает пользовательскую отмену. Отмена принимается
// только до завершения шага списания; после него вызывающему возвращается
// ErrCancelAfterCapture — нужен возврат, а не отмена.
func (o *Orchestrator) RequestCancel(ctx context.Context, orderID, reason string) error {
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

	instance, err = o.deps.Sagas.Get(instance.ID)
	if err != nil {
		return err
	}
	if instance.Status == domain.SagaStatusCancelled {
		return nil
	}
	if instance.Status.Terminal() {
		return domain.ErrSagaTerminal
	}
	if instance.PassedCapture() {
		return domain.ErrCancelAfterCapture
	}
	if err := o.stampLease(&instance); err != nil {
		return err
	}

	order, err := o.deps.Orders.Get(orderID)
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "cancel-requested"
	}
	if o.metrics != nil {
		o.metrics.RecordSagaCancelled()
	}
	return o.beginCompensation(ctx, &instance, &order, reason)
}

// transitionOrder переводит заказ с повторами на конфликте версий.
// Повтор уже выполненного перехода — no-op (контракт машины состояний).
func (o *Orchestrator) transitionOrder(ctx context.Context, order *domain.Order, to domain.OrderStatus, sagaID, reason string) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		if order.Status == to {
			return nil
		}
		if err := order.ApplyTransition(to); err != nil {
			return err
		}
		if reason != "" {
			order.Reason = reason
		}

		err := o.deps.Orders.Save(*order)
		if err == nil {
			order.Version++
			o.appendTimeline(order.ID, sagaID, "OrderStatusChanged:"+string(to), reason)
			return nil
		}
		if !domain.IsStaleVersion(err) || attempt == maxRetries-1 {
			return err
		}

		fresh, loadErr := o.deps.Orders.Get(order.ID)
		if loadErr != nil {
			return loadErr
		}
		*order = fresh
		if err := o.sleep(ctx, backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, attempt+1)); err != nil {
			return err
		}
	}
	return domain.ErrStaleVersion
}

// haltExpiredAfterCapture останавливает просроченную сагу, чьё списание уже
// завершилось. Деньги у клиента списаны, поэтому автоматический откат с
// возвратом средств здесь запрещён: заказ остаётся как есть, исход решает
// оператор (возврат доступен через Refund).
func (o *Orchestrator) haltExpiredAfterCapture(instance *domain.SagaInstance) error {
	instance.Status = domain.SagaStatusNeedsAttention
	instance.Reason = reasonDeadlineExceeded
	if err := o.saveSaga(instance); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordSagaFailed()
		o.metrics.RecordSagaInFlightFinished()
	}
	o.appendTimeline(instance.OrderID, instance.ID, "SagaDeadlineExceeded", reasonDeadlineExceeded)
	o.logger.WithFields(log.Fields{
		"saga_id":  instance.ID,
		"order_id": instance.OrderID,
	}).Error("saga deadline exceeded after funds capture, operator intervention required")
	return nil
}

// escalateIntegrity останавливает сагу из-за ошибки целостности данных.
// Никогда не разрешается автоматически: статус needs_attention + алерт в лог.
func (o *Orchestrator) escalateIntegrity(ctx context.Context, instance *domain.SagaInstance, cause error) error {
	instance.Status = domain.SagaStatusNeedsAttention
	instance.Reason = cause.Error()
	if err := o.saveSaga(instance); err != nil {
		o.logger.WithError(err).WithField("saga_id", instance.ID).Error("failed to persist needs_attention status")
	}
	if o.metrics != nil {
		o.metrics.RecordSagaFailed()
		o.metrics.RecordSagaInFlightFinished()
	}
	o.logger.WithError(cause).WithFields(log.Fields{
		"saga_id":  instance.ID,
		"order_id": instance.OrderID,
	}).Error("saga halted: data integrity violation, operator intervention required")
	return cause
}

// saveSaga сохраняет сагу и синхронизирует локальную версию с хранилищем.
func (o *Orchestrator) saveSaga(instance *domain.SagaInstance) error {
	instance.UpdatedAt = time.Now().UTC()
	if err := o.deps.Sagas.Save(*instance); err != nil {
		return err
	}
	instance.Version++
	return nil
}

// emit кладёт доменное событие в transactional outbox и дублирует его
// в timeline заказа для аудита.
func (o *Orchestrator) emit(kind domain.EventKind, aggregateType, aggregateID, sagaID, orderID string, payload any) {
	msg, err := domain.NewOutboxEvent(kind, aggregateType, aggregateID, sagaID, orderID, payload)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"saga_id": sagaID,
			"event":   kind,
		}).Error("marshal event failed")
		return
	}
	if _, err := o.deps.Outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"saga_id": sagaID,
			"event":   kind,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}

	o.appendTimeline(orderID, sagaID, string(kind), "")
}

func (o *Orchestrator) emitPaymentFailed(instance *domain.SagaInstance, order *domain.Order, attemptID string, cause error) {
	// Транзиентные исходы не эмитятся: попытка ещё не решена.
	if domain.IsTransient(cause) {
		return
	}
	o.emit(domain.EventPaymentFailed, domain.AggregateSaga, instance.ID, instance.ID, order.ID,
		domain.PaymentFailedPayload{AttemptID: attemptID, Reason: cause.Error()})
}

func (o *Orchestrator) appendTimeline(orderID, sagaID, eventType, reason string) {
	if o.deps.Timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		SagaID:   sagaID,
		Type:     eventType,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	}
	if err := o.deps.Timeline.Append(event); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
	} else if o.metrics != nil {
		o.metrics.RecordTimelineEvent()
	}
}

// reasonFor переводит сбой шага в код причины, видимый клиенту.
func reasonFor(step domain.StepID, err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "wallet-insufficient-funds"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return "payment-declined"
	case errors.Is(err, domain.ErrStepRetryExhausted):
		switch step {
		case domain.StepReserveFunds:
			return "payment-authorize-exhausted"
		case domain.StepCaptureFunds:
			return "payment-capture-exhausted"
		default:
			return string(step) + "-exhausted"
		}
	case errors.Is(err, domain.ErrCaptureExceedsTotal):
		return "capture-exceeds-total"
	default:
		return string(step) + "-failed"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
