package memory_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/storage/memory"
)

func TestInboxRepository_MarkProcessedDeduplicates(t *testing.T) {
	repo := memory.NewInboxRepository()

	fresh, err := repo.MarkProcessed("event-1", "timeline-projector")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !fresh {
		t.Fatal("expected first delivery to be fresh")
	}

	redelivered, err := repo.MarkProcessed("event-1", "timeline-projector")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if redelivered {
		t.Fatal("expected redelivery to be reported as duplicate")
	}
}

func TestInboxRepository_ConsumersAreIndependent(t *testing.T) {
	repo := memory.NewInboxRepository()

	if _, err := repo.MarkProcessed("event-1", "timeline-projector"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	fresh, err := repo.MarkProcessed("event-1", "fulfillment-consumer")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !fresh {
		t.Fatal("expected another consumer to process the same event")
	}
}

func TestInboxRepository_Seen(t *testing.T) {
	repo := memory.NewInboxRepository()

	seen, err := repo.Seen("event-1", "timeline-projector")
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if seen {
		t.Fatal("expected unseen event")
	}

	if _, err := repo.MarkProcessed("event-1", "timeline-projector"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	seen, err = repo.Seen("event-1", "timeline-projector")
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if !seen {
		t.Fatal("expected seen event")
	}
}

func TestInboxRepository_DeleteExpired(t *testing.T) {
	repo := memory.NewInboxRepository()

	if _, err := repo.MarkProcessed("event-old", "timeline-projector"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	removed, err := repo.DeleteExpired(time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	seen, err := repo.Seen("event-old", "timeline-projector")
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if seen {
		t.Fatal("expected record to be deleted")
	}
}
