package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking;
	// несовпадение версии — ErrStaleVersion.
	Save(order Order) error
}

// SagaRepository описывает хранилище экземпляров саг.
type SagaRepository interface {
	// Create сохраняет новую сагу; вторая активная сага на заказ — ErrSagaExists.
	Create(saga SagaInstance) error
	// Get возвращает сагу по идентификатору или ErrSagaNotFound.
	Get(id string) (SagaInstance, error)
	// GetByOrder возвращает сагу заказа (саги связаны с заказами 1:1).
	GetByOrder(orderID string) (SagaInstance, error)
	// Save применяет обновления с проверкой версии; конфликт — ErrSagaVersionConflict.
	Save(saga SagaInstance) error
	// ListResumable возвращает нетерминальные саги с истёкшим лизингом —
	// кандидатов на возобновление после падения воркера.
	ListResumable(now time.Time, limit int) ([]SagaInstance, error)
}

// WalletRepository описывает хранилище кошельков и их журналов.
type WalletRepository interface {
	// CreateWallet сохраняет новый кошелёк; дубль по пользователю — ErrWalletExists.
	CreateWallet(wallet Wallet) error
	// GetWallet возвращает кошелёк или ErrWalletNotFound.
	GetWallet(id string) (Wallet, error)
	// GetWalletByUser возвращает кошелёк пользователя (кошельки привязаны 1:1).
	GetWalletByUser(userID string) (Wallet, error)
	// AppendEntry атомарно вставляет запись журнала и обновляет проекцию
	// кошелька (баланс, last_seq, версия+1) при совпадении ожидаемой версии.
	// Несовпадение версии — ErrWalletVersionConflict; повтор idempotency key —
	// ErrLedgerKeyApplied.
	AppendEntry(entry LedgerEntry, expectedWalletVersion int64) error
	// FindEntryByKey возвращает запись по idempotency key или ErrLedgerEntryNotFound.
	FindEntryByKey(idempotencyKey string) (LedgerEntry, error)
	// ListEntries возвращает записи кошелька в порядке возрастания seq.
	ListEntries(walletID string, limit int) ([]LedgerEntry, error)
	// SumEntries возвращает сумму всех записей кошелька — эталон для сверки проекции.
	SumEntries(walletID string) (int64, error)
}

// PaymentAttemptRepository описывает хранилище попыток платежей.
type PaymentAttemptRepository interface {
	// CreateAttempt сохраняет попытку; дубликат idempotency key —
	// ErrIdempotencyKeyAlreadyExists.
	CreateAttempt(attempt PaymentAttempt) error
	// GetAttempt возвращает попытку или ErrAttemptNotFound.
	GetAttempt(id string) (PaymentAttempt, error)
	// FindAttemptByKey возвращает попытку по idempotency key или ErrAttemptNotFound.
	FindAttemptByKey(idempotencyKey string) (PaymentAttempt, error)
	// SaveAttempt применяет обновления состояния попытки.
	SaveAttempt(attempt PaymentAttempt) error
	// ListAttemptsByOrder возвращает попытки заказа в порядке создания.
	ListAttemptsByOrder(orderID string) ([]PaymentAttempt, error)
}
