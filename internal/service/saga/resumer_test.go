package saga

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

func TestResumerRedispatchesStalledSagas(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)

	dispatcher := NewDispatcher(env.orch, 1, 16, nil)
	resumer := NewResumer(env.sagas, dispatcher, time.Hour, 10, nil)

	if n := resumer.ProcessOnce(context.Background()); n != 1 {
		t.Fatalf("ProcessOnce = %d, want 1", n)
	}

	select {
	case id := <-dispatcher.queue:
		if id != instance.ID {
			t.Fatalf("dispatched saga %s, want %s", id, instance.ID)
		}
	default:
		t.Fatal("stalled saga was not enqueued")
	}
}

func TestResumerSkipsActivelyLeasedSaga(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)

	// Лизинг живого воркера отмечен на строке саги.
	stored, err := env.sagas.Get(instance.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if err := env.orch.stampLease(&stored); err != nil {
		t.Fatalf("stamp lease: %v", err)
	}

	dispatcher := NewDispatcher(env.orch, 1, 16, nil)
	resumer := NewResumer(env.sagas, dispatcher, time.Hour, 10, nil)

	if n := resumer.ProcessOnce(context.Background()); n != 0 {
		t.Fatalf("ProcessOnce = %d, want 0 for actively leased saga", n)
	}
}

func TestResumerSkipsTerminalSagas(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	instance := env.begin(t, order)
	env.advance(t, instance.ID)
	if err := env.orch.ConfirmFulfillment(context.Background(), order.ID); err != nil {
		t.Fatalf("confirm fulfillment: %v", err)
	}

	dispatcher := NewDispatcher(env.orch, 1, 16, nil)
	resumer := NewResumer(env.sagas, dispatcher, time.Hour, 10, nil)

	if n := resumer.ProcessOnce(context.Background()); n != 0 {
		t.Fatalf("ProcessOnce = %d, want 0", n)
	}
}

func TestResumerStopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeOrder(t, "order-1", domain.PaymentPathWalletOnly, 1_000, 1_000)
	env.begin(t, order)

	dispatcher := NewDispatcher(env.orch, 1, 16, nil)
	resumer := NewResumer(env.sagas, dispatcher, time.Hour, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := resumer.ProcessOnce(ctx); n != 0 {
		t.Fatalf("ProcessOnce with cancelled ctx = %d, want 0", n)
	}
}
