package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// Максимальный размер тела запроса; всё, что больше, отклоняется.
const maxRequestBody = 1 << 20

type handlers struct {
	deps   Deps
	logger *log.Entry
}

type errorResponse struct {
	Error string `json:"error"`
}

type placeOrderRequest struct {
	CustomerID  string             `json:"customer_id"`
	WalletID    string             `json:"wallet_id"`
	PaymentPath domain.PaymentPath `json:"payment_path"`
	Currency    string             `json:"currency"`
	Items       []orderItemRequest `json:"items"`
}

type orderItemRequest struct {
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

type placeOrderResponse struct {
	OrderID     string             `json:"order_id"`
	SagaID      string             `json:"saga_id"`
	Status      domain.OrderStatus `json:"status"`
	AmountMinor int64              `json:"amount_minor"`
}

type orderResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	WalletID    string              `json:"wallet_id,omitempty"`
	Status      domain.OrderStatus  `json:"status"`
	PaymentPath domain.PaymentPath  `json:"payment_path"`
	Currency    string              `json:"currency"`
	AmountMinor int64               `json:"amount_minor"`
	Reason      string              `json:"reason,omitempty"`
	Items       []orderItemResponse `json:"items"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type orderItemResponse struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

type sagaResponse struct {
	ID                string             `json:"id"`
	OrderID           string             `json:"order_id"`
	Status            domain.SagaStatus  `json:"status"`
	PaymentPath       domain.PaymentPath `json:"payment_path"`
	Cursor            int                `json:"cursor"`
	Steps             []stepResponse     `json:"steps"`
	WalletShareMinor  int64              `json:"wallet_share_minor"`
	GatewayShareMinor int64              `json:"gateway_share_minor"`
	Reason            string             `json:"reason,omitempty"`
	LeaseOwner        string             `json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time         `json:"lease_expires_at,omitempty"`
	Deadline          time.Time          `json:"deadline"`
	Version           int64              `json:"version"`
}

type stepResponse struct {
	Step        domain.StepID     `json:"step"`
	Status      domain.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	SagaID   string    `json:"saga_id,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type openWalletRequest struct {
	UserID              string `json:"user_id"`
	InitialBalanceMinor int64  `json:"initial_balance_minor"`
}

type walletResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	BalanceMinor int64  `json:"balance_minor"`
	LastSeq      int64  `json:"last_seq"`
	Version      int64  `json:"version"`
	Reconciled   bool   `json:"reconciled,omitempty"`
}

type ledgerEntryResponse struct {
	ID                string           `json:"id"`
	Type              domain.EntryType `json:"type"`
	AmountMinor       int64            `json:"amount_minor"`
	Seq               int64            `json:"seq"`
	BalanceAfterMinor int64            `json:"balance_after_minor"`
	IdempotencyKey    string           `json:"idempotency_key"`
	CreatedAt         time.Time        `json:"created_at"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// placeOrder размещает заказ и запускает сагу оплаты. Заказ обрабатывается
// асинхронно: ответ 202 означает, что сага поставлена в очередь, финальный
// статус отслеживается через GET /orders/{id}.
func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:          uuid.NewString(),
		CustomerID:  req.CustomerID,
		WalletID:    req.WalletID,
		Status:      domain.OrderStatusCreated,
		PaymentPath: req.PaymentPath,
		Currency:    req.Currency,
		Items:       make([]domain.OrderItem, 0, len(req.Items)),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, item := range req.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:         uuid.NewString(),
			SKU:        item.SKU,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
			CreatedAt:  now,
		})
		order.AmountMinor += int64(item.Qty) * item.PriceMinor
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errors.Join(errs...).Error()})
		return
	}

	// Кошелёк обязателен для всех способов оплаты, кроме чисто шлюзового.
	if order.PaymentPath != domain.PaymentPathGatewayOnly {
		if order.WalletID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "wallet_id is required for payment path " + string(order.PaymentPath)})
			return
		}
		if _, err := h.deps.Wallets.GetWallet(order.WalletID); err != nil {
			if errors.Is(err, domain.ErrWalletNotFound) {
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "wallet not found"})
				return
			}
			h.writeDomainError(w, r, err)
			return
		}
	}

	if err := h.deps.Orders.Create(order); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	instance, err := h.deps.Saga.Begin(r.Context(), order)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.deps.Queue.Enqueue(instance.ID)

	h.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"saga_id":      instance.ID,
		"payment_path": order.PaymentPath,
		"amount_minor": order.AmountMinor,
	}).Info("order placed")

	writeJSON(w, http.StatusAccepted, placeOrderResponse{
		OrderID:     order.ID,
		SagaID:      instance.ID,
		Status:      order.Status,
		AmountMinor: order.AmountMinor,
	})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.deps.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *handlers) getTimeline(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, err := h.deps.Orders.Get(orderID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	events, err := h.deps.Timeline.List(orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, timelineEventResponse{
			Type:     ev.Type,
			Reason:   ev.Reason,
			SagaID:   ev.SagaID,
			Occurred: ev.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getSaga(w http.ResponseWriter, r *http.Request) {
	instance, err := h.deps.Sagas.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(instance))
}

func (h *handlers) getSagaByOrder(w http.ResponseWriter, r *http.Request) {
	instance, err := h.deps.Sagas.GetByOrder(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(instance))
}

// cancelOrder отменяет заказ до списания средств. Если лизинг саги занят
// воркером, запрос не блокируется: отмена откладывается через outbox-событие
// OrderCancelRequested и будет применена потребителем.
func (h *handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req cancelRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancel-requested"
	}

	err := h.deps.Saga.RequestCancel(r.Context(), orderID, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSagaLocked):
		if deferErr := h.deferCancel(orderID, req.Reason); deferErr != nil {
			h.writeDomainError(w, r, deferErr)
			return
		}
		writeJSON(w, http.StatusAccepted, errorResponse{Error: "saga is busy, cancellation deferred"})
		return
	default:
		h.writeDomainError(w, r, err)
		return
	}

	order, err := h.deps.Orders.Get(orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// deferCancel ставит отмену в outbox; потребитель inbox применит её,
// когда лизинг освободится.
func (h *handlers) deferCancel(orderID, reason string) error {
	instance, err := h.deps.Sagas.GetByOrder(orderID)
	if err != nil {
		return err
	}
	msg, err := domain.NewOutboxEvent(domain.EventOrderCancelRequested, domain.AggregateOrder, orderID, instance.ID, orderID, domain.OrderCancelRequestedPayload{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		return err
	}
	_, err = h.deps.Outbox.Enqueue(msg)
	return err
}

func (h *handlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req cancelRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "refund-requested"
	}

	if err := h.deps.Saga.Refund(r.Context(), orderID, req.Reason); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	order, err := h.deps.Orders.Get(orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *handlers) openWallet(w http.ResponseWriter, r *http.Request) {
	var req openWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	if req.InitialBalanceMinor < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "initial_balance_minor must be non-negative"})
		return
	}

	now := time.Now().UTC()
	wallet := domain.Wallet{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.deps.Wallets.CreateWallet(wallet); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if req.InitialBalanceMinor > 0 {
		if _, _, err := h.deps.Ledger.Append(r.Context(), wallet.ID, req.InitialBalanceMinor, "wallet-open:"+wallet.ID); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		wallet.BalanceMinor = req.InitialBalanceMinor
		wallet.LastSeq = 1
	}

	h.logger.WithFields(log.Fields{
		"wallet_id": wallet.ID,
		"user_id":   wallet.UserID,
	}).Info("wallet opened")

	writeJSON(w, http.StatusCreated, walletResponse{
		ID:           wallet.ID,
		UserID:       wallet.UserID,
		BalanceMinor: wallet.BalanceMinor,
		LastSeq:      wallet.LastSeq,
		Version:      wallet.Version,
	})
}

// getWallet возвращает проекцию баланса; ?reconcile=1 дополнительно сверяет
// проекцию с суммой журнала. Расхождение — ошибка целостности, 500.
func (h *handlers) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.deps.Wallets.GetWallet(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	reconciled := false
	if v := r.URL.Query().Get("reconcile"); v == "1" || v == "true" {
		if _, err := h.deps.Ledger.Reconcile(r.Context(), wallet.ID); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		reconciled = true
	}

	writeJSON(w, http.StatusOK, walletResponse{
		ID:           wallet.ID,
		UserID:       wallet.UserID,
		BalanceMinor: wallet.BalanceMinor,
		LastSeq:      wallet.LastSeq,
		Version:      wallet.Version,
		Reconciled:   reconciled,
	})
}

func (h *handlers) listWalletEntries(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "id")
	if _, err := h.deps.Wallets.GetWallet(walletID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.deps.Wallets.ListEntries(walletID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			ID:                e.ID,
			Type:              e.Type,
			AmountMinor:       e.AmountMinor,
			Seq:               e.Seq,
			BalanceAfterMinor: e.BalanceAfterMinor,
			IdempotencyKey:    e.IdempotencyKey,
			CreatedAt:         e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeDomainError переводит доменную ошибку в HTTP-статус: отсутствие
// ресурса — 404, конфликт состояния — 409, бизнес-отказ — 422, транзиентная
// ошибка — 503, нарушение целостности — 500.
func (h *handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrSagaNotFound),
		errors.Is(err, domain.ErrWalletNotFound),
		errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrLedgerEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrWalletExists),
		errors.Is(err, domain.ErrSagaExists),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrCancelAfterCapture),
		errors.Is(err, domain.ErrSagaTerminal):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrPaymentDeclined),
		errors.Is(err, domain.ErrPaymentPathUnknown),
		errors.Is(err, domain.ErrCaptureExceedsTotal),
		errors.Is(err, domain.ErrRefundExceedsCaptured):
		status = http.StatusUnprocessableEntity
	case domain.IsTransient(err), errors.Is(err, domain.ErrSagaLocked):
		status = http.StatusServiceUnavailable
	case domain.IsIntegrity(err):
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:         item.ID,
			SKU:        item.SKU,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}
	return orderResponse{
		ID:          order.ID,
		CustomerID:  order.CustomerID,
		WalletID:    order.WalletID,
		Status:      order.Status,
		PaymentPath: order.PaymentPath,
		Currency:    order.Currency,
		AmountMinor: order.AmountMinor,
		Reason:      order.Reason,
		Items:       items,
		Version:     order.Version,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}

func toSagaResponse(instance domain.SagaInstance) sagaResponse {
	steps := make([]stepResponse, 0, len(instance.Steps))
	for _, outcome := range instance.Steps {
		step := stepResponse{
			Step:      outcome.StepID,
			Status:    outcome.Status,
			Attempts:  outcome.Attempts,
			LastError: outcome.LastError,
		}
		if !outcome.CompletedAt.IsZero() {
			completed := outcome.CompletedAt
			step.CompletedAt = &completed
		}
		steps = append(steps, step)
	}
	resp := sagaResponse{
		ID:                instance.ID,
		OrderID:           instance.OrderID,
		Status:            instance.Status,
		PaymentPath:       instance.PaymentPath,
		Cursor:            instance.Cursor,
		Steps:             steps,
		WalletShareMinor:  instance.WalletShareMinor,
		GatewayShareMinor: instance.GatewayShareMinor,
		Reason:            instance.Reason,
		LeaseOwner:        instance.LeaseOwner,
		Deadline:          instance.Deadline,
		Version:           instance.Version,
	}
	if !instance.LeaseExpiresAt.IsZero() {
		lease := instance.LeaseExpiresAt
		resp.LeaseExpiresAt = &lease
	}
	return resp
}

// decodeBody читает и разбирает JSON-тело запроса; при ошибке пишет 400 и
// возвращает false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
