package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/service/payment"
	"github.com/vladislavdragonenkov/ofs/internal/service/wallet"
	"github.com/vladislavdragonenkov/ofs/internal/storage/memory"
)

// testEnv собирает оркестратор поверх in-memory хранилищ и mock-провайдера.
// Адаптер запускается с одной сетевой попыткой: повторы транзиентных ошибок
// в этих тестах принадлежат оркестратору.
type testEnv struct {
	orders   domain.OrderRepository
	sagas    domain.SagaRepository
	wallets  domain.WalletRepository
	ledger   domain.WalletLedger
	attempts domain.PaymentAttemptRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	locker   domain.SagaLocker
	provider *payment.MockProvider
	adapter  *payment.Adapter
	orch     *Orchestrator
}

// countingProvider считает фактические обращения к провайдеру по операциям.
type countingProvider struct {
	*payment.MockProvider

	mu       sync.Mutex
	captures int
}

func (p *countingProvider) Capture(ctx context.Context, req payment.CaptureRequest) (payment.ProviderResult, error) {
	p.mu.Lock()
	p.captures++
	p.mu.Unlock()
	return p.MockProvider.Capture(ctx, req)
}

func (p *countingProvider) captureCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures
}

// failOnceSagaRepo возвращает ErrSagaVersionConflict на первом Save,
// удовлетворяющем предикату, не применяя запись — симуляция падения воркера
// между эффектом шага и фиксацией его исхода.
type failOnceSagaRepo struct {
	domain.SagaRepository

	mu        sync.Mutex
	when      func(domain.SagaInstance) bool
	triggered bool
}

func (r *failOnceSagaRepo) Save(saga domain.SagaInstance) error {
	r.mu.Lock()
	fail := !r.triggered && r.when(saga)
	if fail {
		r.triggered = true
	}
	r.mu.Unlock()

	if fail {
		return domain.ErrSagaVersionConflict
	}
	return r.SagaRepository.Save(saga)
}

func testConfig() Config {
	return Config{
		StepTimeout:     time.Second,
		StepMaxAttempts: 3,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
		LeaseTTL:        time.Minute,
		SagaDeadline:    time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, testConfig(), nil, nil)
}

func newTestEnvWith(t *testing.T, cfg Config, wrapProvider func(*payment.MockProvider) payment.Provider, wrapSagas func(domain.SagaRepository) domain.SagaRepository) *testEnv {
	t.Helper()

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	entry := logger.WithField("test", "saga")

	mock := payment.NewMockProvider("mockpay")
	var provider payment.Provider = mock
	if wrapProvider != nil {
		provider = wrapProvider(mock)
	}

	sagas := memory.NewSagaRepository()
	if wrapSagas != nil {
		sagas = wrapSagas(sagas)
	}

	env := &testEnv{
		orders:   memory.NewOrderRepository(),
		sagas:    sagas,
		wallets:  memory.NewWalletRepository(),
		attempts: memory.NewAttemptRepository(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		locker:   memory.NewSagaLocker(),
		provider: mock,
	}
	env.ledger = wallet.NewLedgerWithoutMetrics(env.wallets, entry)

	env.adapter = payment.NewAdapterWithoutMetrics(provider, env.attempts, env.orders, payment.AdapterConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}, entry)

	env.orch = NewOrchestratorWithoutMetrics(Deps{
		Orders:   env.orders,
		Sagas:    env.sagas,
		Ledger:   env.ledger,
		Payments: env.adapter,
		Attempts: env.attempts,
		Outbox:   env.outbox,
		Timeline: env.timeline,
		Locker:   env.locker,
	}, cfg, "worker-test", entry)
	// Без реального ожидания между повторами.
	env.orch.sleep = func(context.Context, time.Duration) error { return nil }

	return env
}

func (e *testEnv) seedWallet(t *testing.T, id string, balanceMinor int64) {
	t.Helper()

	now := time.Now().UTC()
	if err := e.wallets.CreateWallet(domain.Wallet{
		ID:        id,
		UserID:    "user-" + id,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if balanceMinor > 0 {
		if _, _, err := e.ledger.Append(context.Background(), id, balanceMinor, "seed:"+id); err != nil {
			t.Fatalf("seed wallet balance: %v", err)
		}
	}
}

// placeOrder создаёт заказ и кошелёк под него.
func (e *testEnv) placeOrder(t *testing.T, id string, path domain.PaymentPath, amountMinor, walletBalanceMinor int64) domain.Order {
	t.Helper()

	walletID := "wallet-" + id
	e.seedWallet(t, walletID, walletBalanceMinor)

	now := time.Now().UTC()
	order := domain.Order{
		ID:          id,
		CustomerID:  "cust-" + id,
		WalletID:    walletID,
		Status:      domain.OrderStatusCreated,
		PaymentPath: path,
		Currency:    "RUB",
		AmountMinor: amountMinor,
		Items:       []domain.OrderItem{{ID: "item-1", SKU: "sku-1", Qty: 1, PriceMinor: amountMinor}},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.orders.Create(order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (e *testEnv) begin(t *testing.T, order domain.Order) domain.SagaInstance {
	t.Helper()

	instance, err := e.orch.Begin(context.Background(), order)
	if err != nil {
		t.Fatalf("begin saga: %v", err)
	}
	return instance
}

func (e *testEnv) advance(t *testing.T, sagaID string) {
	t.Helper()

	if err := e.orch.Advance(context.Background(), sagaID); err != nil {
		t.Fatalf("advance saga: %v", err)
	}
}

func (e *testEnv) order(t *testing.T, id string) domain.Order {
	t.Helper()

	order, err := e.orders.Get(id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order
}

func (e *testEnv) saga(t *testing.T, id string) domain.SagaInstance {
	t.Helper()

	instance, err := e.sagas.Get(id)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	return instance
}

func (e *testEnv) balance(t *testing.T, walletID string) int64 {
	t.Helper()

	balance, err := e.ledger.Balance(context.Background(), walletID)
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	return balance
}

func (e *testEnv) orderAttempts(t *testing.T, orderID string) []domain.PaymentAttempt {
	t.Helper()

	attempts, err := e.attempts.ListAttemptsByOrder(orderID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	return attempts
}

// eventKinds возвращает счётчики типов событий, попавших в outbox.
func (e *testEnv) eventKinds(t *testing.T) map[string]int {
	t.Helper()

	msgs, err := e.outbox.PullPending(1000)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	kinds := make(map[string]int, len(msgs))
	for _, msg := range msgs {
		kinds[msg.EventType]++
	}
	return kinds
}

func (e *testEnv) requireEvent(t *testing.T, kinds map[string]int, kind domain.EventKind) {
	t.Helper()

	if kinds[string(kind)] == 0 {
		t.Fatalf("expected %s event in outbox, got %v", kind, kinds)
	}
}

func TestAdvanceWalletOnlyHappyPath(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 10_000, 10_000)

	instance := env.begin(t, order)
	if instance.WalletShareMinor != 10_000 || instance.GatewayShareMinor != 0 {
		t.Fatalf("wallet-only split = (%d, %d), want (10000, 0)", instance.WalletShareMinor, instance.GatewayShareMinor)
	}

	env.advance(t, instance.ID)

	if got := env.saga(t, instance.ID); got.Status != domain.SagaStatusAwaitingFulfillment {
		t.Fatalf("saga status = %s, want %s", got.Status, domain.SagaStatusAwaitingFulfillment)
	}
	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}
	if balance := env.balance(t, order.WalletID); balance != 0 {
		t.Fatalf("wallet balance = %d, want 0", balance)
	}
	if attempts := env.orderAttempts(t, order.ID); len(attempts) != 0 {
		t.Fatalf("wallet-only saga created %d payment attempts, want 0", len(attempts))
	}

	kinds := env.eventKinds(t)
	env.requireEvent(t, kinds, domain.EventOrderPlaced)
	env.requireEvent(t, kinds, domain.EventWalletDebited)
	env.requireEvent(t, kinds, domain.EventOrderConfirmed)
	env.requireEvent(t, kinds, domain.EventFulfillmentRequested)

	if err := env.orch.ConfirmFulfillment(context.Background(), order.ID); err != nil {
		t.Fatalf("confirm fulfillment: %v", err)
	}
	if got := env.order(t, order.ID); got.Status != domain.OrderStatusFulfilled {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusFulfilled)
	}
	if got := env.saga(t, instance.ID); got.Status != domain.SagaStatusCompleted {
		t.Fatalf("saga status = %s, want %s", got.Status, domain.SagaStatusCompleted)
	}
	env.requireEvent(t, env.eventKinds(t), domain.EventOrderFulfilled)

	// Повтор подтверждения для завершённой саги — no-op.
	if err := env.orch.ConfirmFulfillment(context.Background(), order.ID); err != nil {
		t.Fatalf("repeated confirm fulfillment: %v", err)
	}
}

func TestAdvanceGatewayOnlyHappyPath(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathGatewayOnly, 5_000, 0)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}

	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 {
		t.Fatalf("payment attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Status != domain.AttemptStatusCaptured || attempts[0].CapturedMinor != 5_000 {
		t.Fatalf("attempt = %s/%d, want captured/5000", attempts[0].Status, attempts[0].CapturedMinor)
	}

	kinds := env.eventKinds(t)
	env.requireEvent(t, kinds, domain.EventPaymentAuthorized)
	env.requireEvent(t, kinds, domain.EventPaymentCaptured)
}

func TestAdvanceHybridSplitsPayment(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathHybrid, 10_000, 3_000)

	instance := env.begin(t, order)
	if instance.WalletShareMinor != 3_000 || instance.GatewayShareMinor != 7_000 {
		t.Fatalf("hybrid split = (%d, %d), want (3000, 7000)", instance.WalletShareMinor, instance.GatewayShareMinor)
	}

	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}
	if balance := env.balance(t, order.WalletID); balance != 0 {
		t.Fatalf("wallet balance = %d, want 0", balance)
	}

	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 || attempts[0].CapturedMinor != 7_000 {
		t.Fatalf("expected one captured attempt for 7000, got %+v", attempts)
	}
}

func TestAdvanceHybridFullyCoveredByWallet(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathHybrid, 4_000, 9_000)

	instance := env.begin(t, order)
	if instance.WalletShareMinor != 4_000 || instance.GatewayShareMinor != 0 {
		t.Fatalf("hybrid split = (%d, %d), want (4000, 0)", instance.WalletShareMinor, instance.GatewayShareMinor)
	}

	env.advance(t, instance.ID)

	if attempts := env.orderAttempts(t, order.ID); len(attempts) != 0 {
		t.Fatalf("fully covered hybrid created %d payment attempts, want 0", len(attempts))
	}
	if balance := env.balance(t, order.WalletID); balance != 5_000 {
		t.Fatalf("wallet balance = %d, want 5000", balance)
	}
}

func TestBeginReplaysExistingSaga(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)

	first := env.begin(t, order)
	second := env.begin(t, order)

	if first.ID != second.ID {
		t.Fatalf("repeated begin created a second saga: %s != %s", first.ID, second.ID)
	}
	if kinds := env.eventKinds(t); kinds[string(domain.EventOrderPlaced)] != 1 {
		t.Fatalf("OrderPlaced emitted %d times, want 1", kinds[string(domain.EventOrderPlaced)])
	}
}

func TestBeginRejectsUnknownPaymentPath(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	order.PaymentPath = domain.PaymentPath("cash")

	if _, err := env.orch.Begin(context.Background(), order); !errors.Is(err, domain.ErrPaymentPathUnknown) {
		t.Fatalf("begin error = %v, want ErrPaymentPathUnknown", err)
	}
}

func TestAdvanceInsufficientFundsCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 10_000, 100)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	got := env.order(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusCancelled)
	}
	if got.Reason != "wallet-insufficient-funds" {
		t.Fatalf("order reason = %q, want wallet-insufficient-funds", got.Reason)
	}
	if saga := env.saga(t, instance.ID); saga.Status != domain.SagaStatusCancelled {
		t.Fatalf("saga status = %s, want %s", saga.Status, domain.SagaStatusCancelled)
	}
	// Баланс не тронут: отказ случился до любого дебета.
	if balance := env.balance(t, order.WalletID); balance != 100 {
		t.Fatalf("wallet balance = %d, want 100", balance)
	}
	env.requireEvent(t, env.eventKinds(t), domain.EventOrderCancelled)
}

func TestAdvanceAuthorizeDeclinedCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathGatewayOnly, 5_000, 0)
	env.provider.FailNext(payment.OpAuthorize, domain.ErrPaymentDeclined)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	got := env.order(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusCancelled)
	}
	if got.Reason != "payment-declined" {
		t.Fatalf("order reason = %q, want payment-declined", got.Reason)
	}

	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusFailed {
		t.Fatalf("expected one failed attempt, got %+v", attempts)
	}

	kinds := env.eventKinds(t)
	env.requireEvent(t, kinds, domain.EventPaymentFailed)
	env.requireEvent(t, kinds, domain.EventOrderCancelled)
}

func TestAdvanceCaptureRetriesTransientThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathGatewayOnly, 5_000, 0)
	env.provider.FailTimes(payment.OpCapture, 2, domain.ErrPaymentTemporary)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}

	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusCaptured {
		t.Fatalf("expected exactly one captured attempt, got %+v", attempts)
	}

	saga := env.saga(t, instance.ID)
	outcome, ok := saga.StepOutcomeFor(domain.StepCaptureFunds)
	if !ok || outcome.Attempts != 3 {
		t.Fatalf("capture step attempts = %d, want 3", outcome.Attempts)
	}
}

func TestAdvanceCaptureExhaustedFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathGatewayOnly, 5_000, 0)
	env.provider.FailTimes(payment.OpCapture, 3, domain.ErrPaymentTemporary)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	// Исход capture у провайдера неопределён: заказ помечается failed, не cancelled.
	got := env.order(t, order.ID)
	if got.Status != domain.OrderStatusFailed {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusFailed)
	}
	if got.Reason != "payment-capture-exhausted" {
		t.Fatalf("order reason = %q, want payment-capture-exhausted", got.Reason)
	}
	if saga := env.saga(t, instance.ID); saga.Status != domain.SagaStatusFailed {
		t.Fatalf("saga status = %s, want %s", saga.Status, domain.SagaStatusFailed)
	}

	// Открытая авторизация аннулирована компенсацией.
	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusVoided {
		t.Fatalf("expected one voided attempt, got %+v", attempts)
	}
	env.requireEvent(t, env.eventKinds(t), domain.EventOrderFailed)
}

func TestCompensationCreditsWalletBack(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathHybrid, 10_000, 3_000)
	env.provider.FailTimes(payment.OpCapture, 3, domain.ErrPaymentTemporary)

	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusFailed {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusFailed)
	}
	// Дебет кошелька откатился кредитом-обратно.
	if balance := env.balance(t, order.WalletID); balance != 3_000 {
		t.Fatalf("wallet balance = %d, want 3000", balance)
	}

	kinds := env.eventKinds(t)
	env.requireEvent(t, kinds, domain.EventWalletDebited)
	env.requireEvent(t, kinds, domain.EventWalletCredited)
}

func TestAdvanceResumesAfterCrashWithoutDoubleCapture(t *testing.T) {
	counting := &countingProvider{}
	captureRecorded := func(saga domain.SagaInstance) bool {
		return saga.Status == domain.SagaStatusRunning && saga.StepSucceeded(domain.StepCaptureFunds)
	}

	var failing *failOnceSagaRepo
	env := newTestEnvWith(t, testConfig(),
		func(mock *payment.MockProvider) payment.Provider {
			counting.MockProvider = mock
			return counting
		},
		func(sagas domain.SagaRepository) domain.SagaRepository {
			failing = &failOnceSagaRepo{SagaRepository: sagas, when: captureRecorded}
			return failing
		},
	)

	order := env.placeOrder(t, "order-1", domain.PaymentPathHybrid, 10_000, 3_000)
	instance := env.begin(t, order)

	// Первый проход падает после эффекта capture, но до фиксации исхода шага.
	err := env.orch.Advance(context.Background(), instance.ID)
	if !errors.Is(err, domain.ErrSagaVersionConflict) {
		t.Fatalf("advance error = %v, want ErrSagaVersionConflict", err)
	}
	if !failing.triggered {
		t.Fatal("injected save failure did not trigger")
	}

	// Возобновление: дебет и capture дедуплицируются, деньги списаны ровно раз.
	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}
	if calls := counting.captureCalls(); calls != 1 {
		t.Fatalf("provider capture called %d times, want 1", calls)
	}
	if balance := env.balance(t, order.WalletID); balance != 0 {
		t.Fatalf("wallet balance = %d, want 0", balance)
	}

	attempts := env.orderAttempts(t, order.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusCaptured {
		t.Fatalf("expected one captured attempt, got %+v", attempts)
	}
}

func TestAdvanceDeadlineExceededCompensates(t *testing.T) {
	cfg := testConfig()
	cfg.SagaDeadline = time.Nanosecond
	env := newTestEnvWith(t, cfg, nil, nil)

	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)

	time.Sleep(time.Millisecond)
	env.advance(t, instance.ID)

	got := env.order(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusCancelled)
	}
	if got.Reason != "saga-deadline-exceeded" {
		t.Fatalf("order reason = %q, want saga-deadline-exceeded", got.Reason)
	}
	if balance := env.balance(t, order.WalletID); balance != 1_000 {
		t.Fatalf("wallet balance = %d, want 1000", balance)
	}
}

func TestAdvanceDeadlineAfterCaptureHaltsWithoutRefund(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 10_000, 10_000)
	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}

	// Дедлайн истекает уже после списания, когда сага ждёт исполнения.
	stored := env.saga(t, instance.ID)
	stored.Deadline = time.Now().UTC().Add(-time.Second)
	if err := env.sagas.Save(stored); err != nil {
		t.Fatalf("rewind deadline: %v", err)
	}

	// Повторные продвижения просроченной саги не возвращают ошибок.
	for i := 0; i < 3; i++ {
		if err := env.orch.Advance(context.Background(), instance.ID); err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
	}

	saga := env.saga(t, instance.ID)
	if saga.Status != domain.SagaStatusNeedsAttention {
		t.Fatalf("saga status = %s, want %s", saga.Status, domain.SagaStatusNeedsAttention)
	}
	if saga.Reason != "saga-deadline-exceeded" {
		t.Fatalf("saga reason = %q, want saga-deadline-exceeded", saga.Reason)
	}

	// Заказ остаётся оплаченным, списанные средства не возвращались.
	if got := env.order(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want %s", got.Status, domain.OrderStatusPaid)
	}
	if balance := env.balance(t, order.WalletID); balance != 0 {
		t.Fatalf("wallet balance = %d, want 0 (no credit-back)", balance)
	}
	kinds := env.eventKinds(t)
	if kinds[string(domain.EventWalletCredited)] != 0 {
		t.Fatalf("unexpected WalletCredited after post-capture deadline: %v", kinds)
	}
	if kinds[string(domain.EventOrderCancelled)] != 0 || kinds[string(domain.EventOrderFailed)] != 0 {
		t.Fatalf("unexpected terminal order event after post-capture deadline: %v", kinds)
	}
}

// stubPaymentService подменяет авторизацию фиксированным отказом до создания
// попытки — как при недоступном хранилище попыток или невалидном запросе.
type stubPaymentService struct {
	domain.PaymentService
	authorizeErr error
}

func (s *stubPaymentService) Authorize(context.Context, string, string, int64, string, string) (domain.PaymentAttempt, error) {
	return domain.PaymentAttempt{}, s.authorizeErr
}

func TestReserveFundsFailureCarriesAttemptReference(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathGatewayOnly, 5_000, 0)
	instance := env.begin(t, order)

	env.orch.deps.Payments = &stubPaymentService{PaymentService: env.adapter, authorizeErr: domain.ErrPaymentDeclined}
	env.advance(t, instance.ID)

	msgs, err := env.outbox.PullPending(1000)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	seen := 0
	for _, msg := range msgs {
		if msg.EventType != string(domain.EventPaymentFailed) {
			continue
		}
		seen++
		var payload domain.PaymentFailedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("decode PaymentFailed payload: %v", err)
		}
		if payload.AttemptID == "" {
			t.Fatal("PaymentFailed published with empty attempt_id")
		}
		if want := domain.AttemptKey(instance.ID, domain.StepReserveFunds, 1); payload.AttemptID != want {
			t.Fatalf("attempt_id = %q, want idempotency key %q", payload.AttemptID, want)
		}
	}
	if seen == 0 {
		t.Fatal("expected PaymentFailed event in outbox")
	}
}

// recordingSagaRepo запоминает владельцев лизинга, проходящих через Save.
type recordingSagaRepo struct {
	domain.SagaRepository

	mu     sync.Mutex
	owners []string
}

func (r *recordingSagaRepo) Save(saga domain.SagaInstance) error {
	r.mu.Lock()
	r.owners = append(r.owners, saga.LeaseOwner)
	r.mu.Unlock()
	return r.SagaRepository.Save(saga)
}

func (r *recordingSagaRepo) sawOwner(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.owners {
		if got == owner {
			return true
		}
	}
	return false
}

func TestAdvanceStampsLeaseOnSagaRow(t *testing.T) {
	var recorder *recordingSagaRepo
	env := newTestEnvWith(t, testConfig(), nil, func(sagas domain.SagaRepository) domain.SagaRepository {
		recorder = &recordingSagaRepo{SagaRepository: sagas}
		return recorder
	})

	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)
	env.advance(t, instance.ID)

	if !recorder.sawOwner("worker-test") {
		t.Fatal("advance never persisted the lease owner on the saga row")
	}

	// После release отметка снята: сага снова видна resumer-у.
	got := env.saga(t, instance.ID)
	if got.LeaseOwner != "" || !got.LeaseExpiresAt.IsZero() {
		t.Fatalf("lease stamp survived release: owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}
}

func TestAdvanceRespectsForeignLease(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)

	acquired, err := env.locker.Acquire(context.Background(), instance.ID, "another-worker", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("pre-acquire lease: acquired=%v err=%v", acquired, err)
	}

	if err := env.orch.Advance(context.Background(), instance.ID); !errors.Is(err, domain.ErrSagaLocked) {
		t.Fatalf("advance error = %v, want ErrSagaLocked", err)
	}
	if got := env.saga(t, instance.ID); got.Cursor != 0 {
		t.Fatalf("saga advanced under foreign lease, cursor = %d", got.Cursor)
	}
}

func TestConfirmFulfillmentRequiresAwaitingSaga(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	env.begin(t, order)

	err := env.orch.ConfirmFulfillment(context.Background(), order.ID)
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("confirm error = %v, want ErrIllegalTransition", err)
	}
}
