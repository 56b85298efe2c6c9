package postgres

import (
	"testing"
	"time"
)

func TestInboxRepository_PostgresMarkProcessedDeduplicates(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)

	fresh, err := repo.MarkProcessed("event-1", "saga-orchestrator")
	if err != nil {
		t.Fatalf("mark processed first time: %v", err)
	}
	if !fresh {
		t.Fatal("first delivery must be fresh")
	}

	redelivered, err := repo.MarkProcessed("event-1", "saga-orchestrator")
	if err != nil {
		t.Fatalf("mark processed redelivery: %v", err)
	}
	if redelivered {
		t.Fatal("redelivery must be reported as already processed")
	}

	// Другой потребитель дедуплицирует независимо.
	other, err := repo.MarkProcessed("event-1", "timeline-projector")
	if err != nil {
		t.Fatalf("mark processed for other consumer: %v", err)
	}
	if !other {
		t.Fatal("other consumer must see the event as fresh")
	}

	seen, err := repo.Seen("event-1", "saga-orchestrator")
	if err != nil {
		t.Fatalf("seen check: %v", err)
	}
	if !seen {
		t.Fatal("processed event must be seen")
	}

	unseen, err := repo.Seen("event-2", "saga-orchestrator")
	if err != nil {
		t.Fatalf("seen check for unknown event: %v", err)
	}
	if unseen {
		t.Fatal("unknown event must not be seen")
	}
}

func TestInboxRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)

	for _, id := range []string{"old-1", "old-2", "old-3"} {
		if _, err := repo.MarkProcessed(id, "saga-orchestrator"); err != nil {
			t.Fatalf("mark processed %s: %v", id, err)
		}
	}

	// Записи помечены текущим временем; граница в будущем захватывает все.
	cutoff := time.Now().UTC().Add(time.Minute)

	removed, err := repo.DeleteExpired(cutoff, 2)
	if err != nil {
		t.Fatalf("delete expired with limit: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	removed, err = repo.DeleteExpired(cutoff, 0)
	if err != nil {
		t.Fatalf("delete expired without limit: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	removed, err = repo.DeleteExpired(time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("delete expired with past cutoff: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed with past cutoff, got %d", removed)
	}
}
