package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// SagaService — операции оркестратора, доступные HTTP-слою.
type SagaService interface {
	// Begin создаёт сагу для размещённого заказа.
	Begin(ctx context.Context, order domain.Order) (domain.SagaInstance, error)
	// RequestCancel запускает отмену заказа до списания средств.
	RequestCancel(ctx context.Context, orderID, reason string) error
	// Refund возвращает средства по оплаченному заказу.
	Refund(ctx context.Context, orderID, reason string) error
}

// AdvanceQueue ставит сагу в очередь на асинхронное продвижение.
type AdvanceQueue interface {
	Enqueue(sagaID string)
}

// Deps — зависимости HTTP API.
type Deps struct {
	Orders      domain.OrderRepository
	Sagas       domain.SagaRepository
	Wallets     domain.WalletRepository
	Ledger      domain.WalletLedger
	Timeline    domain.TimelineRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository
	Saga        SagaService
	Queue       AdvanceQueue
}

// Options — настройки HTTP API.
type Options struct {
	// IdempotencyTTL — срок хранения записи idempotency-key.
	IdempotencyTTL time.Duration
	// RequestTimeout — общий дедлайн обработки запроса.
	RequestTimeout time.Duration
}

// NewRouter собирает chi-роутер публичного API. Мутирующие операции,
// создающие ресурсы, проходят через idempotency-middleware: повтор ключа
// с тем же телом воспроизводит сохранённый ответ.
func NewRouter(deps Deps, opts Options, logger *log.Entry) *chi.Mux {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.RequestTimeout))
	r.Use(requestMetrics())

	idem := Idempotency(deps.Idempotency, opts.IdempotencyTTL, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(idem).Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/timeline", h.getTimeline)
		r.Get("/orders/{id}/saga", h.getSagaByOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.With(idem).Post("/orders/{id}/refund", h.refundOrder)

		r.Get("/sagas/{id}", h.getSaga)

		r.With(idem).Post("/wallets", h.openWallet)
		r.Get("/wallets/{id}", h.getWallet)
		r.Get("/wallets/{id}/entries", h.listWalletEntries)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found"})
	})

	return r
}
