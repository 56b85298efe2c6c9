package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/config"
)

const defaultLocalRedisAddr = "localhost:6379"

// openRedisForIntegrationTest подключается к локальному Redis или пропускает
// тест, если он недоступен. Адрес берётся из OFS_REDIS_TEST_ADDR,
// затем OFS_REDIS_ADDR, иначе localhost.
func openRedisForIntegrationTest(t *testing.T) *sagaLocker {
	t.Helper()

	addr := os.Getenv("OFS_REDIS_TEST_ADDR")
	if addr == "" {
		addr = os.Getenv("OFS_REDIS_ADDR")
	}
	if addr == "" {
		addr = defaultLocalRedisAddr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("redis is not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})

	return &sagaLocker{client: client}
}

func cleanupLease(t *testing.T, locker *sagaLocker, sagaID string) {
	t.Helper()

	t.Cleanup(func() {
		_ = locker.client.Del(context.Background(), leaseKey(sagaID)).Err()
	})
}

func TestSagaLocker_RedisAcquireIsExclusive(t *testing.T) {
	locker := openRedisForIntegrationTest(t)
	ctx := context.Background()

	sagaID := "saga-lock-excl-" + time.Now().Format("150405.000000")
	cleanupLease(t, locker, sagaID)

	ok, err := locker.Acquire(ctx, sagaID, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected worker-a to acquire a free lease")
	}

	ok, err = locker.Acquire(ctx, sagaID, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire by second owner: %v", err)
	}
	if ok {
		t.Fatalf("expected worker-b to be rejected while worker-a holds the lease")
	}

	// Повторный захват тем же владельцем продлевает лизинг, а не падает.
	ok, err = locker.Acquire(ctx, sagaID, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("re-acquire by owner: %v", err)
	}
	if !ok {
		t.Fatalf("expected worker-a to re-acquire its own lease")
	}
}

func TestSagaLocker_RedisExtendRequiresOwnership(t *testing.T) {
	locker := openRedisForIntegrationTest(t)
	ctx := context.Background()

	sagaID := "saga-lock-extend-" + time.Now().Format("150405.000000")
	cleanupLease(t, locker, sagaID)

	ok, err := locker.Extend(ctx, sagaID, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("extend missing lease: %v", err)
	}
	if ok {
		t.Fatalf("expected extend of a missing lease to report false")
	}

	if _, err := locker.Acquire(ctx, sagaID, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err = locker.Extend(ctx, sagaID, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("extend own lease: %v", err)
	}
	if !ok {
		t.Fatalf("expected owner to extend its lease")
	}

	ok, err = locker.Extend(ctx, sagaID, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("extend foreign lease: %v", err)
	}
	if ok {
		t.Fatalf("expected foreign extend to report false")
	}
}

func TestSagaLocker_RedisReleaseAndTakeover(t *testing.T) {
	locker := openRedisForIntegrationTest(t)
	ctx := context.Background()

	sagaID := "saga-lock-release-" + time.Now().Format("150405.000000")
	cleanupLease(t, locker, sagaID)

	if _, err := locker.Acquire(ctx, sagaID, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Чужое снятие не трогает лизинг и не считается ошибкой.
	if err := locker.Release(ctx, sagaID, "worker-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}

	ok, err := locker.Acquire(ctx, sagaID, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after foreign release: %v", err)
	}
	if ok {
		t.Fatalf("expected lease to survive a foreign release")
	}

	if err := locker.Release(ctx, sagaID, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = locker.Acquire(ctx, sagaID, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatalf("expected worker-b to take over a released lease")
	}

	// Повторное снятие уже снятого лизинга остаётся no-op.
	if err := locker.Release(ctx, sagaID, "worker-a"); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestSagaLocker_RedisLeaseExpires(t *testing.T) {
	locker := openRedisForIntegrationTest(t)
	ctx := context.Background()

	sagaID := "saga-lock-expire-" + time.Now().Format("150405.000000")
	cleanupLease(t, locker, sagaID)

	if _, err := locker.Acquire(ctx, sagaID, "worker-a", 50*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	ok, err := locker.Acquire(ctx, sagaID, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire expired lease: %v", err)
	}
	if !ok {
		t.Fatalf("expected worker-b to take over an expired lease")
	}
}
