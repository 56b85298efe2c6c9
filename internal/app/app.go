package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ofs/internal/config"
	healthcheck "github.com/vladislavdragonenkov/ofs/internal/health"
	"github.com/vladislavdragonenkov/ofs/internal/service/httpapi"
	"github.com/vladislavdragonenkov/ofs/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ofs/internal/service/inbox"
	"github.com/vladislavdragonenkov/ofs/internal/service/outbox"
	"github.com/vladislavdragonenkov/ofs/internal/version"
)

// Run собирает сервис по конфигурации и блокируется до отмены контекста
// или фатальной ошибки компонента: HTTP API, служебный листенер
// (метрики и health), воркеры саг, outbox-relay, очистка idempotency-записей
// и потребители Kafka.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithField("component", "app")

	owner := cfg.InstanceID
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "ofs"
		}
		owner = host + "-" + uuid.NewString()[:8]
	}
	logger.WithField("instance_id", owner).Info("starting fulfillment service")

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	adapter := buildPaymentAdapter(cfg, deps, logger)
	orch, dispatcher, resumer := buildOrchestrator(cfg, deps, adapter, owner, logger)

	inboxProcessor := inbox.NewProcessor(deps.Inbox, orch, deps.Ledger, deps.Wallets, deps.Outbox,
		cfg.Kafka.ConsumerGroup, logger.WithField("component", "inbox-processor"))

	kafkaRes, err := initKafka(cfg.Kafka, inboxProcessor.MessageHandler(), logger)
	if err != nil {
		return err
	}
	defer kafkaRes.close(logger)

	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithRetryBaseDelay(cfg.Outbox.RetryBaseDelay),
	}
	if kafkaRes.dlq != nil {
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(kafkaRes.dlq))
	}
	outboxWorker := outbox.NewWorker(deps.Outbox, kafkaRes.publisher, outboxOptions...)

	cleanupWorker := idempotency.NewCleanupWorker(deps.Idempotency,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.Idempotency.CleanupInterval),
		idempotency.WithBatchSize(cfg.Idempotency.CleanupBatch),
		idempotency.WithInboxCleanup(deps.Inbox, cfg.Inbox.RetentionTTL),
	)

	apiRouter := httpapi.NewRouter(httpapi.Deps{
		Orders:      deps.Orders,
		Sagas:       deps.Sagas,
		Wallets:     deps.Wallets,
		Ledger:      deps.Ledger,
		Timeline:    deps.Timeline,
		Outbox:      deps.Outbox,
		Idempotency: deps.Idempotency,
		Saga:        orch,
		Queue:       dispatcher,
	}, httpapi.Options{
		IdempotencyTTL: cfg.Idempotency.TTL,
		RequestTimeout: cfg.HTTP.WriteTimeout,
	}, logger.WithField("component", "http-api"))

	apiServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apiRouter,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	opsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: buildOpsHandler(deps),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return resumer.Run(gctx) })
	g.Go(func() error {
		outboxWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cleanupWorker.Run(gctx)
		return nil
	})
	if kafkaRes.consumer != nil {
		g.Go(func() error {
			if err := kafkaRes.consumer.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return gctx.Err()
		})
	}
	g.Go(func() error {
		return serveHTTP(gctx, apiServer, "api", cfg.HTTP.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return serveHTTP(gctx, opsServer, "ops", cfg.HTTP.ShutdownTimeout, logger)
	})

	logger.WithFields(log.Fields{
		"http_addr":    cfg.HTTP.Addr,
		"metrics_addr": cfg.Metrics.Addr,
	}).Info("fulfillment service started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("fulfillment service stopped")
	return nil
}

// buildOpsHandler собирает служебный листенер: метрики Prometheus,
// health с проверками зависимостей, liveness и readiness.
func buildOpsHandler(deps *Dependencies) http.Handler {
	healthHandler := healthcheck.NewHandler(version.String())
	if deps.Store != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", 3*time.Second, deps.Store.Ping))
	}
	if deps.Redis != nil {
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", 3*time.Second, func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}))
	}
	healthHandler.RegisterChecker("outbox", healthcheck.NewSimpleChecker("outbox", func() error {
		_, err := deps.Outbox.Stats()
		return err
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// serveHTTP обслуживает листенер до отмены ctx, затем гасит его gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, name string, shutdownTimeout time.Duration, logger *log.Entry) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Infof("%s server listening", name)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warnf("%s server shutdown with error", name)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}
