package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

// walletRepositoryInMemory — in-memory реализация WalletRepository.
// Запись журнала и обновление проекции кошелька выполняются под одним мьютексом,
// что воспроизводит транзакционную семантику SQL-реализации.
type walletRepositoryInMemory struct {
	mu      sync.RWMutex
	wallets map[string]domain.Wallet
	byUser  map[string]string
	entries map[string][]domain.LedgerEntry
	byKey   map[string]domain.LedgerEntry
}

// NewWalletRepository возвращает in-memory репозиторий кошельков.
func NewWalletRepository() domain.WalletRepository {
	return &walletRepositoryInMemory{
		wallets: make(map[string]domain.Wallet),
		byUser:  make(map[string]string),
		entries: make(map[string][]domain.LedgerEntry),
		byKey:   make(map[string]domain.LedgerEntry),
	}
}

// CreateWallet сохраняет новый кошелёк; дубль по ID или пользователю — ErrWalletExists.
func (r *walletRepositoryInMemory) CreateWallet(wallet domain.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.wallets[wallet.ID]; exists {
		return domain.ErrWalletExists
	}
	if _, exists := r.byUser[wallet.UserID]; exists {
		return domain.ErrWalletExists
	}

	r.wallets[wallet.ID] = wallet
	r.byUser[wallet.UserID] = wallet.ID
	return nil
}

// GetWallet возвращает кошелёк или ErrWalletNotFound.
func (r *walletRepositoryInMemory) GetWallet(id string) (domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wallet, ok := r.wallets[id]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return wallet, nil
}

// GetWalletByUser возвращает кошелёк пользователя.
func (r *walletRepositoryInMemory) GetWalletByUser(userID string) (domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUser[userID]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return r.wallets[id], nil
}

// AppendEntry атомарно вставляет запись журнала и обновляет проекцию кошелька.
// Несовпадение ожидаемой версии — ErrWalletVersionConflict; повтор idempotency
// key — ErrLedgerKeyApplied. Ни одна из ошибок не оставляет частичных эффектов.
func (r *walletRepositoryInMemory) AppendEntry(entry domain.LedgerEntry, expectedWalletVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[entry.WalletID]
	if !ok {
		return domain.ErrWalletNotFound
	}
	if _, applied := r.byKey[entry.IdempotencyKey]; applied {
		return domain.ErrLedgerKeyApplied
	}
	if wallet.Version != expectedWalletVersion {
		return domain.ErrWalletVersionConflict
	}

	r.entries[entry.WalletID] = append(r.entries[entry.WalletID], entry)
	r.byKey[entry.IdempotencyKey] = entry

	wallet.BalanceMinor = entry.BalanceAfterMinor
	wallet.LastSeq = entry.Seq
	wallet.Version++
	wallet.UpdatedAt = entry.CreatedAt
	r.wallets[wallet.ID] = wallet

	return nil
}

// FindEntryByKey возвращает запись по idempotency key или ErrLedgerEntryNotFound.
func (r *walletRepositoryInMemory) FindEntryByKey(idempotencyKey string) (domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byKey[idempotencyKey]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	return entry, nil
}

// ListEntries возвращает записи кошелька в порядке возрастания seq.
func (r *walletRepositoryInMemory) ListEntries(walletID string, limit int) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.wallets[walletID]; !ok {
		return nil, domain.ErrWalletNotFound
	}

	entries := r.entries[walletID]
	result := make([]domain.LedgerEntry, len(entries))
	copy(result, entries)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// SumEntries возвращает сумму всех записей кошелька — эталон для сверки проекции.
func (r *walletRepositoryInMemory) SumEntries(walletID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.wallets[walletID]; !ok {
		return 0, domain.ErrWalletNotFound
	}

	var sum int64
	for _, entry := range r.entries[walletID] {
		sum += entry.AmountMinor
	}
	return sum, nil
}

var _ domain.WalletRepository = (*walletRepositoryInMemory)(nil)
