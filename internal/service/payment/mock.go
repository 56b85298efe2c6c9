package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// mockOutcome — записанный исход решённой операции; повтор ключа возвращает его.
type mockOutcome struct {
	result ProviderResult
	err    error
}

// MockProvider — конфигурируемый провайдер для тестов, демо и нагрузочных
// прогонов. Решённые операции запоминаются по idempotency key, как это делает
// настоящий шлюз; транзиентные исходы не запоминаются, повтор ключа уходит
// в обработку заново.
type MockProvider struct {
	mu          sync.Mutex
	name        string
	latency     time.Duration
	failureRate float64 // 0.0 .. 1.0
	timeoutRate float64 // 0.0 .. 1.0
	rng         *rand.Rand
	scripted    map[string][]error
	outcomes    map[string]mockOutcome
}

// MockProviderOption настраивает MockProvider.
type MockProviderOption func(*MockProvider)

// WithLatency задаёт задержку каждого вызова.
func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

// WithFailureRate задаёт вероятность отказа провайдера.
func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

// WithTimeoutRate задаёт вероятность временной ошибки.
func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

// WithSeed фиксирует генератор случайностей для воспроизводимых прогонов.
func WithSeed(seed int64) MockProviderOption {
	return func(p *MockProvider) { p.rng = rand.New(rand.NewSource(seed)) }
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:     name,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		scripted: make(map[string][]error),
		outcomes: make(map[string]mockOutcome),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name возвращает имя провайдера.
func (p *MockProvider) Name() string { return p.name }

// FailNext ставит в очередь операции op принудительную ошибку; очередная
// попытка этой операции получит err вместо обычной обработки.
func (p *MockProvider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripted[op] = append(p.scripted[op], err)
}

// FailTimes ставит в очередь операции op n одинаковых ошибок подряд.
func (p *MockProvider) FailTimes(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.scripted[op] = append(p.scripted[op], err)
	}
}

// Authorize резервирует сумму.
func (p *MockProvider) Authorize(ctx context.Context, req AuthorizeRequest) (ProviderResult, error) {
	return p.execute(ctx, OpAuthorize, req.IdempotencyKey, "txn")
}

// Capture списывает зарезервированную сумму.
func (p *MockProvider) Capture(ctx context.Context, req CaptureRequest) (ProviderResult, error) {
	return p.execute(ctx, OpCapture, req.IdempotencyKey, "cap")
}

// Void аннулирует авторизацию.
func (p *MockProvider) Void(ctx context.Context, req VoidRequest) (ProviderResult, error) {
	return p.execute(ctx, OpVoid, req.IdempotencyKey, "void")
}

// Refund возвращает списанные средства.
func (p *MockProvider) Refund(ctx context.Context, req RefundRequest) (ProviderResult, error) {
	return p.execute(ctx, OpRefund, req.IdempotencyKey, "ref")
}

func (p *MockProvider) execute(ctx context.Context, op, idempotencyKey, refPrefix string) (ProviderResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ProviderResult{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idempotencyKey == "" {
		return ProviderResult{}, domain.ErrIdempotencyKeyRequired
	}

	// Повтор решённой операции возвращает записанный исход
	if outcome, ok := p.outcomes[idempotencyKey]; ok {
		return outcome.result, outcome.err
	}

	// Скриптованные ошибки имеют приоритет над вероятностными
	if queue := p.scripted[op]; len(queue) > 0 {
		err := queue[0]
		p.scripted[op] = queue[1:]
		return p.settle(op, idempotencyKey, refPrefix, err)
	}

	if p.timeoutRate > 0 && p.rng.Float64() < p.timeoutRate {
		return ProviderResult{}, domain.ErrPaymentTemporary
	}
	if p.failureRate > 0 && p.rng.Float64() < p.failureRate {
		return p.settle(op, idempotencyKey, refPrefix, domain.ErrPaymentDeclined)
	}

	return p.settle(op, idempotencyKey, refPrefix, nil)
}

// settle записывает решённый исход по ключу. Транзиентные ошибки не
// запоминаются: настоящий провайдер такой операции не решил.
func (p *MockProvider) settle(op, idempotencyKey, refPrefix string, err error) (ProviderResult, error) {
	if err != nil && domain.IsTransient(err) {
		return ProviderResult{}, err
	}

	outcome := mockOutcome{err: err}
	if err == nil {
		outcome.result = ProviderResult{
			GatewayRef: fmt.Sprintf("%s_%s_%s", p.name, refPrefix, uuid.NewString()[:8]),
		}
	}
	p.outcomes[idempotencyKey] = outcome
	return outcome.result, outcome.err
}

var _ Provider = (*MockProvider)(nil)
