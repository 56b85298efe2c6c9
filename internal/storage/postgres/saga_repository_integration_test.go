package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

func sampleSaga(t *testing.T, store *Store, sagaID, orderID string) domain.SagaInstance {
	t.Helper()

	order := sampleOrder(orderID, "customer-saga", time.Now().UTC().Round(time.Microsecond))
	if err := NewOrderRepository(store).Create(order); err != nil {
		t.Fatalf("create order for saga: %v", err)
	}

	saga := domain.NewSagaInstance(sagaID, order, 200, 100, time.Now().UTC().Add(24*time.Hour))
	saga.CreatedAt = saga.CreatedAt.Round(time.Microsecond)
	saga.UpdatedAt = saga.UpdatedAt.Round(time.Microsecond)
	return saga
}

func TestSagaRepository_PostgresCreateGetAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewSagaRepository(store)

	saga := sampleSaga(t, store, "saga-1", "saga-order-1")
	if err := repo.Create(saga); err != nil {
		t.Fatalf("create saga: %v", err)
	}

	got, err := repo.Get(saga.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if got.OrderID != saga.OrderID || got.Status != domain.SagaStatusRunning {
		t.Fatalf("unexpected saga payload: %+v", got)
	}
	if len(got.Steps) != len(saga.Steps) {
		t.Fatalf("steps lost on round trip: got=%d want=%d", len(got.Steps), len(saga.Steps))
	}
	if got.Steps[0].StepID != domain.StepReserveFunds || got.Steps[0].Status != domain.StepStatusPending {
		t.Fatalf("unexpected first step after round trip: %+v", got.Steps[0])
	}
	if got.WalletShareMinor != 200 || got.GatewayShareMinor != 100 {
		t.Fatalf("payment shares lost on round trip: %+v", got)
	}

	byOrder, err := repo.GetByOrder(saga.OrderID)
	if err != nil {
		t.Fatalf("get saga by order: %v", err)
	}
	if byOrder.ID != saga.ID {
		t.Fatalf("unexpected saga for order: %s", byOrder.ID)
	}

	if err := got.RecordStepResult(domain.StepStatusSucceeded, 1, ""); err != nil {
		t.Fatalf("record step result: %v", err)
	}
	got.LeaseOwner = "worker-1"
	got.LeaseExpiresAt = time.Now().UTC().Add(30 * time.Second).Round(time.Microsecond)
	if err := repo.Save(got); err != nil {
		t.Fatalf("save saga: %v", err)
	}

	updated, err := repo.Get(saga.ID)
	if err != nil {
		t.Fatalf("get updated saga: %v", err)
	}
	if updated.Cursor != 1 {
		t.Fatalf("expected cursor=1 after recorded step, got %d", updated.Cursor)
	}
	if updated.Steps[0].Status != domain.StepStatusSucceeded || updated.Steps[0].Attempts != 1 {
		t.Fatalf("step outcome lost on save: %+v", updated.Steps[0])
	}
	if updated.Version != got.Version+1 {
		t.Fatalf("unexpected version after save: got=%d want=%d", updated.Version, got.Version+1)
	}
	if updated.LeaseOwner != "worker-1" || updated.LeaseExpiresAt.IsZero() {
		t.Fatalf("lease lost on save: %+v", updated)
	}
}

func TestSagaRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewSagaRepository(store)

	saga := sampleSaga(t, store, "saga-errors", "saga-order-errors")

	if _, err := repo.Get("missing-saga"); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
	if _, err := repo.GetByOrder("missing-order"); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound by order, got %v", err)
	}
	if err := repo.Save(saga); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound on save missing, got %v", err)
	}

	if err := repo.Create(saga); err != nil {
		t.Fatalf("create saga: %v", err)
	}
	if err := repo.Create(saga); !errors.Is(err, domain.ErrSagaExists) {
		t.Fatalf("expected ErrSagaExists on duplicate create, got %v", err)
	}

	second := saga
	second.ID = "saga-errors-second"
	if err := repo.Create(second); !errors.Is(err, domain.ErrSagaExists) {
		t.Fatalf("expected ErrSagaExists on second saga for same order, got %v", err)
	}

	stale := saga
	stale.Version = 42
	stale.UpdatedAt = time.Now().UTC()
	if err := repo.Save(stale); !errors.Is(err, domain.ErrSagaVersionConflict) {
		t.Fatalf("expected ErrSagaVersionConflict on stale save, got %v", err)
	}
}

func TestSagaRepository_PostgresListResumable(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewSagaRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)

	expired := sampleSaga(t, store, "saga-expired", "saga-order-expired")
	expired.LeaseOwner = "worker-dead"
	expired.LeaseExpiresAt = now.Add(-time.Minute)
	expired.UpdatedAt = now.Add(-3 * time.Minute)
	if err := repo.Create(expired); err != nil {
		t.Fatalf("create expired saga: %v", err)
	}

	held := sampleSaga(t, store, "saga-held", "saga-order-held")
	held.LeaseOwner = "worker-alive"
	held.LeaseExpiresAt = now.Add(time.Hour)
	if err := repo.Create(held); err != nil {
		t.Fatalf("create held saga: %v", err)
	}

	unleased := sampleSaga(t, store, "saga-unleased", "saga-order-unleased")
	unleased.UpdatedAt = now.Add(-2 * time.Minute)
	if err := repo.Create(unleased); err != nil {
		t.Fatalf("create unleased saga: %v", err)
	}

	done := sampleSaga(t, store, "saga-done", "saga-order-done")
	done.Status = domain.SagaStatusCompleted
	if err := repo.Create(done); err != nil {
		t.Fatalf("create completed saga: %v", err)
	}

	resumable, err := repo.ListResumable(now, 10)
	if err != nil {
		t.Fatalf("list resumable: %v", err)
	}
	if len(resumable) != 2 {
		t.Fatalf("expected 2 resumable sagas, got %d: %+v", len(resumable), resumable)
	}
	// Oldest update comes first.
	if resumable[0].ID != expired.ID || resumable[1].ID != unleased.ID {
		t.Fatalf("unexpected resumable order: %s, %s", resumable[0].ID, resumable[1].ID)
	}

	limited, err := repo.ListResumable(now, 1)
	if err != nil {
		t.Fatalf("list resumable with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != expired.ID {
		t.Fatalf("unexpected limited resumable result: %+v", limited)
	}
}
