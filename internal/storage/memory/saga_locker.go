package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// sagaLockerInMemory — in-process реализация SagaLocker для single-node запуска.
// Семантика повторяет распределённый вариант: лизинг с TTL, перехват после
// истечения, release/extend только владельцем.
type sagaLockerInMemory struct {
	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// NewSagaLocker возвращает in-process locker.
func NewSagaLocker() domain.SagaLocker {
	return &sagaLockerInMemory{leases: make(map[string]lease)}
}

// Acquire пытается захватить лизинг саги.
func (l *sagaLockerInMemory) Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	current, held := l.leases[sagaID]
	if held && current.expiresAt.After(now) && current.owner != owner {
		return false, nil
	}

	l.leases[sagaID] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Extend продлевает лизинг, если он всё ещё принадлежит owner.
func (l *sagaLockerInMemory) Extend(ctx context.Context, sagaID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, held := l.leases[sagaID]
	if !held || current.owner != owner || !current.expiresAt.After(time.Now()) {
		return false, nil
	}

	current.expiresAt = time.Now().Add(ttl)
	l.leases[sagaID] = current
	return true, nil
}

// Release снимает лизинг, если он принадлежит owner.
func (l *sagaLockerInMemory) Release(ctx context.Context, sagaID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, held := l.leases[sagaID]
	if held && current.owner == owner {
		delete(l.leases, sagaID)
	}
	return nil
}

var _ domain.SagaLocker = (*sagaLockerInMemory)(nil)
