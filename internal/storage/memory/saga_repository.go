package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// sagaRepositoryInMemory — in-memory реализация SagaRepository.
type sagaRepositoryInMemory struct {
	mu      sync.RWMutex
	items   map[string]domain.SagaInstance
	byOrder map[string]string
}

// NewSagaRepository возвращает in-memory репозиторий саг.
func NewSagaRepository() domain.SagaRepository {
	return &sagaRepositoryInMemory{
		items:   make(map[string]domain.SagaInstance),
		byOrder: make(map[string]string),
	}
}

// Create сохраняет новую сагу; вторая сага на тот же заказ — ErrSagaExists.
func (r *sagaRepositoryInMemory) Create(saga domain.SagaInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[saga.ID]; exists {
		return domain.ErrSagaExists
	}
	if _, exists := r.byOrder[saga.OrderID]; exists {
		return domain.ErrSagaExists
	}

	r.items[saga.ID] = cloneSaga(saga)
	r.byOrder[saga.OrderID] = saga.ID
	return nil
}

// Get возвращает сагу или ErrSagaNotFound.
func (r *sagaRepositoryInMemory) Get(id string) (domain.SagaInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	saga, ok := r.items[id]
	if !ok {
		return domain.SagaInstance{}, domain.ErrSagaNotFound
	}
	return cloneSaga(saga), nil
}

// GetByOrder возвращает сагу заказа (саги связаны с заказами 1:1).
func (r *sagaRepositoryInMemory) GetByOrder(orderID string) (domain.SagaInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return domain.SagaInstance{}, domain.ErrSagaNotFound
	}
	return cloneSaga(r.items[id]), nil
}

// Save перезаписывает сагу, проверяя версию (optimistic locking).
func (r *sagaRepositoryInMemory) Save(saga domain.SagaInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[saga.ID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if current.Version != saga.Version {
		return domain.ErrSagaVersionConflict
	}
	saga.Version++
	r.items[saga.ID] = cloneSaga(saga)
	return nil
}

// ListResumable возвращает нетерминальные саги с истёкшим лизингом.
func (r *sagaRepositoryInMemory) ListResumable(now time.Time, limit int) ([]domain.SagaInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SagaInstance, 0, limit)
	for _, saga := range r.items {
		if saga.Status.Terminal() {
			continue
		}
		if saga.LeaseExpiresAt.After(now) {
			continue
		}
		result = append(result, cloneSaga(saga))
	}

	// Старые саги первыми, чтобы зависшие дольше всех возобновлялись раньше.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func cloneSaga(src domain.SagaInstance) domain.SagaInstance {
	dst := src
	dst.Steps = append([]domain.StepOutcome(nil), src.Steps...)
	return dst
}

var _ domain.SagaRepository = (*sagaRepositoryInMemory)(nil)
