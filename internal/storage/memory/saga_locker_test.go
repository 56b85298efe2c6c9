package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/storage/memory"
)

func TestSagaLocker_AcquireAndBlock(t *testing.T) {
	locker := memory.NewSagaLocker()
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "saga-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = locker.Acquire(ctx, "saga-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected held lease to block other owner")
	}

	// Повторный захват тем же владельцем продлевает лизинг.
	ok, err = locker.Acquire(ctx, "saga-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected re-acquire by the same owner to succeed")
	}
}

func TestSagaLocker_ExpiredLeaseTakeover(t *testing.T) {
	locker := memory.NewSagaLocker()
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "saga-1", "worker-dead", time.Millisecond)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	time.Sleep(5 * time.Millisecond)

	ok, err = locker.Acquire(ctx, "saga-1", "worker-alive", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lease to be taken over")
	}
}

func TestSagaLocker_ExtendAndRelease(t *testing.T) {
	locker := memory.NewSagaLocker()
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "saga-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ok, err := locker.Extend(ctx, "saga-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if !ok {
		t.Fatal("expected owner to extend the lease")
	}

	ok, err = locker.Extend(ctx, "saga-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if ok {
		t.Fatal("expected foreign extend to fail")
	}

	// Release чужим владельцем не снимает лизинг.
	if err := locker.Release(ctx, "saga-1", "worker-b"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = locker.Acquire(ctx, "saga-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected lease to survive foreign release")
	}

	if err := locker.Release(ctx, "saga-1", "worker-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = locker.Acquire(ctx, "saga-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire after owner release")
	}
}
