package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/config"
	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/service/wallet"
	"github.com/vladislavdragonenkov/ofs/internal/storage/memory"
	"github.com/vladislavdragonenkov/ofs/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/ofs/internal/storage/redis"
)

// Dependencies — репозитории и подключения, собранные по конфигурации.
// Пустой postgres.dsn включает in-memory хранилище, пустой redis.addr —
// in-process locker; сервис поднимается без внешних зависимостей.
type Dependencies struct {
	Orders      domain.OrderRepository
	Sagas       domain.SagaRepository
	Wallets     domain.WalletRepository
	Attempts    domain.PaymentAttemptRepository
	Outbox      domain.OutboxRepository
	Inbox       domain.InboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
	Ledger      domain.WalletLedger
	Locker      domain.SagaLocker

	Store *postgres.Store
	Redis *goredis.Client

	Logger *log.Entry
}

// buildDependencies выбирает хранилища по конфигурации и открывает подключения.
func buildDependencies(ctx context.Context, cfg *config.Config, logger *log.Entry) (*Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	if cfg.Postgres.DSN != "" {
		store, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		deps.Store = store
		deps.Orders = postgres.NewOrderRepository(store)
		deps.Sagas = postgres.NewSagaRepository(store)
		deps.Wallets = postgres.NewWalletRepository(store)
		deps.Attempts = postgres.NewAttemptRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Inbox = postgres.NewInboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		logger.Info("storage: postgres")
	} else {
		deps.Orders = memory.NewOrderRepository()
		deps.Sagas = memory.NewSagaRepository()
		deps.Wallets = memory.NewWalletRepository()
		deps.Attempts = memory.NewAttemptRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Inbox = memory.NewInboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		logger.Info("storage: in-memory (dev mode)")
	}

	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.Redis = client
		deps.Locker = redisstore.NewSagaLocker(client)
		logger.Info("saga lease: redis")
	} else {
		deps.Locker = memory.NewSagaLocker()
		logger.Info("saga lease: in-process locker")
	}

	deps.Ledger = wallet.NewLedger(deps.Wallets, logger.WithField("component", "wallet-ledger"))

	return deps, nil
}

// Close освобождает внешние подключения; безопасно вызывать на частично
// собранных зависимостях.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
