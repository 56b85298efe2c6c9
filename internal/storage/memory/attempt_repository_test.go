package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/storage/memory"
)

func newAttempt(id, key string) domain.PaymentAttempt {
	now := time.Now().UTC()
	return domain.PaymentAttempt{
		ID:             id,
		OrderID:        "order-1",
		SagaID:         "saga-1",
		IdempotencyKey: key,
		Provider:       "mockpay",
		Status:         domain.AttemptStatusInitiated,
		AmountMinor:    3000,
		Currency:       "USD",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestAttemptRepository_CreateGet(t *testing.T) {
	repo := memory.NewAttemptRepository()
	attempt := newAttempt("attempt-1", "saga-1:capture-funds:1")

	if err := repo.CreateAttempt(attempt); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.GetAttempt("attempt-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.AttemptStatusInitiated {
		t.Fatalf("expected initiated, got %s", stored.Status)
	}
}

func TestAttemptRepository_DuplicateKey(t *testing.T) {
	repo := memory.NewAttemptRepository()

	if err := repo.CreateAttempt(newAttempt("attempt-1", "saga-1:capture-funds:1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.CreateAttempt(newAttempt("attempt-2", "saga-1:capture-funds:1")); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
}

func TestAttemptRepository_FindByKey(t *testing.T) {
	repo := memory.NewAttemptRepository()
	attempt := newAttempt("attempt-1", "saga-1:capture-funds:1")

	if err := repo.CreateAttempt(attempt); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	found, err := repo.FindAttemptByKey("saga-1:capture-funds:1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.ID != "attempt-1" {
		t.Fatalf("expected attempt-1, got %s", found.ID)
	}

	if _, err := repo.FindAttemptByKey("missing"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestAttemptRepository_SaveAndList(t *testing.T) {
	repo := memory.NewAttemptRepository()

	first := newAttempt("attempt-1", "saga-1:capture-funds:1")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	if err := repo.CreateAttempt(first); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	second := newAttempt("attempt-2", "saga-1:capture-funds:2")
	if err := repo.CreateAttempt(second); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first.Status = domain.AttemptStatusAuthorized
	if err := repo.SaveAttempt(first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	attempts, err := repo.ListAttemptsByOrder("order-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].ID != "attempt-1" {
		t.Fatalf("expected creation order, got %s first", attempts[0].ID)
	}
	if attempts[0].Status != domain.AttemptStatusAuthorized {
		t.Fatalf("expected authorized, got %s", attempts[0].Status)
	}
}
