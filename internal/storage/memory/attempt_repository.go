package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// attemptRepositoryInMemory — in-memory реализация PaymentAttemptRepository.
type attemptRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.PaymentAttempt
	byKey map[string]string
}

// NewAttemptRepository возвращает in-memory репозиторий попыток платежей.
func NewAttemptRepository() domain.PaymentAttemptRepository {
	return &attemptRepositoryInMemory{
		items: make(map[string]domain.PaymentAttempt),
		byKey: make(map[string]string),
	}
}

// CreateAttempt сохраняет попытку; дубликат idempotency key — ErrIdempotencyKeyAlreadyExists.
func (r *attemptRepositoryInMemory) CreateAttempt(attempt domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[attempt.ID]; exists {
		return domain.ErrIdempotencyKeyAlreadyExists
	}
	if _, exists := r.byKey[attempt.IdempotencyKey]; exists {
		return domain.ErrIdempotencyKeyAlreadyExists
	}

	r.items[attempt.ID] = attempt
	r.byKey[attempt.IdempotencyKey] = attempt.ID
	return nil
}

// GetAttempt возвращает попытку или ErrAttemptNotFound.
func (r *attemptRepositoryInMemory) GetAttempt(id string) (domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt, ok := r.items[id]
	if !ok {
		return domain.PaymentAttempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

// FindAttemptByKey возвращает попытку по idempotency key или ErrAttemptNotFound.
func (r *attemptRepositoryInMemory) FindAttemptByKey(idempotencyKey string) (domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[idempotencyKey]
	if !ok {
		return domain.PaymentAttempt{}, domain.ErrAttemptNotFound
	}
	return r.items[id], nil
}

// SaveAttempt перезаписывает состояние попытки.
func (r *attemptRepositoryInMemory) SaveAttempt(attempt domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[attempt.ID]; !ok {
		return domain.ErrAttemptNotFound
	}
	r.items[attempt.ID] = attempt
	return nil
}

// ListAttemptsByOrder возвращает попытки заказа в порядке создания.
func (r *attemptRepositoryInMemory) ListAttemptsByOrder(orderID string) ([]domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PaymentAttempt, 0, 4)
	for _, attempt := range r.items {
		if attempt.OrderID != orderID {
			continue
		}
		result = append(result, attempt)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

var _ domain.PaymentAttemptRepository = (*attemptRepositoryInMemory)(nil)
