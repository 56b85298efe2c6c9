package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

var (
	// acquireLeaseScript захватывает лизинг, если он свободен, и продлевает,
	// если уже принадлежит этому владельцу. Просроченные лизинги Redis
	// удаляет сам по TTL, поэтому перехват сводится к обычному захвату.
	acquireLeaseScript = redis.NewScript(`
		local current = redis.call("get", KEYS[1])
		if current == false then
			redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
			return 1
		elseif current == ARGV[1] then
			redis.call("pexpire", KEYS[1], ARGV[2])
			return 1
		else
			return 0
		end
	`)

	// extendLeaseScript продлевает лизинг только владельцу.
	extendLeaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	// releaseLeaseScript снимает лизинг только владельцу.
	releaseLeaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

type sagaLocker struct {
	client *redis.Client
}

// NewSagaLocker создаёт Redis-реализацию SagaLocker. Один экземпляр обслуживает
// лизинги всех саг; владельцем выступает instance id воркера.
func NewSagaLocker(client *redis.Client) domain.SagaLocker {
	return &sagaLocker{client: client}
}

func leaseKey(sagaID string) string {
	return "ofs:saga-lease:" + sagaID
}

func (l *sagaLocker) Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error) {
	result, err := acquireLeaseScript.Run(
		ctx,
		l.client,
		[]string{leaseKey(sagaID)},
		owner,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("acquire saga lease: %w", err)
	}

	val, ok := result.(int64)
	return ok && val == 1, nil
}

func (l *sagaLocker) Extend(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error) {
	result, err := extendLeaseScript.Run(
		ctx,
		l.client,
		[]string{leaseKey(sagaID)},
		owner,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("extend saga lease: %w", err)
	}

	val, ok := result.(int64)
	return ok && val == 1, nil
}

// Release снимает лизинг владельца. Чужой или уже истёкший лизинг — no-op:
// возобновляемая сага не должна падать из-за гонки со снятием.
func (l *sagaLocker) Release(ctx context.Context, sagaID, owner string) error {
	if err := releaseLeaseScript.Run(
		ctx,
		l.client,
		[]string{leaseKey(sagaID)},
		owner,
	).Err(); err != nil {
		return fmt.Errorf("release saga lease: %w", err)
	}

	return nil
}

var _ domain.SagaLocker = (*sagaLocker)(nil)
