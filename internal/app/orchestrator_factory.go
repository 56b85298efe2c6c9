package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/config"
	"github.com/vladislavdragonenkov/ofs/internal/service/payment"
	"github.com/vladislavdragonenkov/ofs/internal/service/saga"
)

// Воркеры диспетчера: количество горутин, продвигающих саги, и глубина
// очереди между HTTP-слоем и оркестратором.
const (
	dispatcherWorkers   = 4
	dispatcherQueueSize = 256
)

// buildPaymentAdapter собирает адаптер платёжного провайдера. Сейчас
// поддерживается только встроенный mock-провайдер; имя из конфигурации
// резервирует место под реальные интеграции.
func buildPaymentAdapter(cfg *config.Config, deps *Dependencies, logger *log.Entry) *payment.Adapter {
	provider := payment.NewMockProvider(cfg.Gateway.Provider,
		payment.WithFailureRate(cfg.Gateway.MockFailureRate),
		payment.WithTimeoutRate(cfg.Gateway.MockTimeoutRate),
		payment.WithLatency(cfg.Gateway.MockLatency),
	)

	return payment.NewAdapter(provider, deps.Attempts, deps.Orders, payment.AdapterConfig{
		MaxAttempts:         uint(cfg.Gateway.MaxRetries),
		InitialDelay:        cfg.Gateway.RetryBaseDelay,
		MaxDelay:            cfg.Gateway.RetryMaxDelay,
		MaxJitter:           cfg.Gateway.RetryMaxJitter,
		CallTimeout:         cfg.Gateway.CallTimeout,
		BreakerFailureRatio: cfg.Gateway.BreakerFailureRatio,
		BreakerMinRequests:  cfg.Gateway.BreakerMinRequests,
		BreakerOpenTimeout:  cfg.Gateway.BreakerOpenTimeout,
	}, logger.WithField("component", "payment-adapter"))
}

// buildOrchestrator собирает оркестратор саг, диспетчер и resumer.
func buildOrchestrator(cfg *config.Config, deps *Dependencies, adapter *payment.Adapter, owner string, logger *log.Entry) (*saga.Orchestrator, *saga.Dispatcher, *saga.Resumer) {
	orch := saga.NewOrchestrator(saga.Deps{
		Orders:   deps.Orders,
		Sagas:    deps.Sagas,
		Ledger:   deps.Ledger,
		Payments: adapter,
		Attempts: deps.Attempts,
		Outbox:   deps.Outbox,
		Timeline: deps.Timeline,
		Locker:   deps.Locker,
	}, saga.Config{
		StepTimeout:     cfg.Saga.StepTimeout,
		StepMaxAttempts: cfg.Saga.StepMaxAttempts,
		RetryBaseDelay:  cfg.Saga.RetryBaseDelay,
		RetryMaxDelay:   cfg.Saga.RetryMaxDelay,
		LeaseTTL:        cfg.Saga.LeaseTTL,
		SagaDeadline:    cfg.Saga.Deadline,
	}, owner, logger.WithField("component", "saga-orchestrator"))

	dispatcher := saga.NewDispatcher(orch, dispatcherWorkers, dispatcherQueueSize, logger.WithField("component", "saga-dispatcher"))
	resumer := saga.NewResumer(deps.Sagas, dispatcher, cfg.Saga.ResumeInterval, cfg.Saga.ResumeBatch, logger.WithField("component", "saga-resumer"))

	return orch, dispatcher, resumer
}
