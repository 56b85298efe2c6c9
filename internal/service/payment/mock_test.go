package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

func TestMockProviderAuthorizeSuccess(t *testing.T) {
	p := NewMockProvider("mockpay")

	result, err := p.Authorize(context.Background(), AuthorizeRequest{
		OrderID:        "order-1",
		AmountMinor:    1000,
		Currency:       "USD",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected authorize error: %v", err)
	}
	if !strings.HasPrefix(result.GatewayRef, "mockpay_txn_") {
		t.Fatalf("unexpected gateway ref: %s", result.GatewayRef)
	}
}

func TestMockProviderRequiresIdempotencyKey(t *testing.T) {
	p := NewMockProvider("mockpay")

	_, err := p.Capture(context.Background(), CaptureRequest{GatewayRef: "ref", AmountMinor: 100})
	if !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
}

func TestMockProviderReplaysDecidedOutcome(t *testing.T) {
	p := NewMockProvider("mockpay")
	req := AuthorizeRequest{OrderID: "order-1", AmountMinor: 500, Currency: "USD", IdempotencyKey: "key-replay"}

	first, err := p.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if first.GatewayRef != second.GatewayRef {
		t.Fatalf("replay must return same ref: %s != %s", first.GatewayRef, second.GatewayRef)
	}
}

func TestMockProviderScriptedDeclineIsRemembered(t *testing.T) {
	p := NewMockProvider("mockpay")
	p.FailNext(OpAuthorize, domain.ErrPaymentDeclined)

	req := AuthorizeRequest{OrderID: "order-1", AmountMinor: 500, Currency: "USD", IdempotencyKey: "key-decline"}
	if _, err := p.Authorize(context.Background(), req); !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}

	// Отказ — решённый исход, повтор ключа возвращает его без обработки.
	if _, err := p.Authorize(context.Background(), req); !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected remembered decline on replay, got %v", err)
	}
}

func TestMockProviderTransientIsNotRemembered(t *testing.T) {
	p := NewMockProvider("mockpay")
	p.FailNext(OpAuthorize, domain.ErrPaymentTemporary)

	req := AuthorizeRequest{OrderID: "order-1", AmountMinor: 500, Currency: "USD", IdempotencyKey: "key-retry"}
	if _, err := p.Authorize(context.Background(), req); !errors.Is(err, domain.ErrPaymentTemporary) {
		t.Fatalf("expected transient error, got %v", err)
	}

	// Повтор того же ключа уходит в обработку заново и завершается успешно.
	if _, err := p.Authorize(context.Background(), req); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestMockProviderFailTimes(t *testing.T) {
	p := NewMockProvider("mockpay")
	p.FailTimes(OpCapture, 2, domain.ErrPaymentTemporary)

	for i := 0; i < 2; i++ {
		_, err := p.Capture(context.Background(), CaptureRequest{GatewayRef: "ref", AmountMinor: 100, IdempotencyKey: "key-ft"})
		if !errors.Is(err, domain.ErrPaymentTemporary) {
			t.Fatalf("call %d: expected transient error, got %v", i+1, err)
		}
	}

	if _, err := p.Capture(context.Background(), CaptureRequest{GatewayRef: "ref", AmountMinor: 100, IdempotencyKey: "key-ft"}); err != nil {
		t.Fatalf("expected success after scripted failures, got %v", err)
	}
}

func TestMockProviderTimeoutRate(t *testing.T) {
	p := NewMockProvider("mockpay", WithTimeoutRate(1), WithSeed(42))

	_, err := p.Refund(context.Background(), RefundRequest{GatewayRef: "ref", AmountMinor: 100, IdempotencyKey: "key-to"})
	if !errors.Is(err, domain.ErrPaymentTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestMockProviderFailureRate(t *testing.T) {
	p := NewMockProvider("mockpay", WithFailureRate(1), WithSeed(42))

	_, err := p.Void(context.Background(), VoidRequest{GatewayRef: "ref", IdempotencyKey: "key-fr"})
	if !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
}

func TestMockProviderLatencyHonorsContext(t *testing.T) {
	p := NewMockProvider("mockpay", WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := p.Authorize(ctx, AuthorizeRequest{OrderID: "order-1", AmountMinor: 100, Currency: "USD", IdempotencyKey: "key-lat"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
