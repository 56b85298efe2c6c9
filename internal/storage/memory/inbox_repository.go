package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// inboxRepositoryInMemory — in-memory реализация InboxRepository.
// Ключ дедупликации — пара (consumer, event id): одно событие могут независимо
// обрабатывать несколько потребителей.
type inboxRepositoryInMemory struct {
	mu    sync.Mutex
	items map[inboxKey]time.Time
}

type inboxKey struct {
	consumer string
	eventID  string
}

// NewInboxRepository возвращает in-memory реализацию inbox.
func NewInboxRepository() domain.InboxRepository {
	return &inboxRepositoryInMemory{items: make(map[inboxKey]time.Time)}
}

// MarkProcessed регистрирует событие за потребителем; false — повторная доставка.
func (r *inboxRepositoryInMemory) MarkProcessed(eventID, consumer string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboxKey{consumer: consumer, eventID: eventID}
	if _, seen := r.items[key]; seen {
		return false, nil
	}
	r.items[key] = time.Now().UTC()
	return true, nil
}

// Seen проверяет, было ли событие обработано потребителем.
func (r *inboxRepositoryInMemory) Seen(eventID, consumer string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, seen := r.items[inboxKey{consumer: consumer, eventID: eventID}]
	return seen, nil
}

// DeleteExpired удаляет записи старше before, возвращает число удалённых.
func (r *inboxRepositoryInMemory) DeleteExpired(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, processedAt := range r.items {
		if !processedAt.Before(before) {
			continue
		}
		delete(r.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

var _ domain.InboxRepository = (*inboxRepositoryInMemory)(nil)
