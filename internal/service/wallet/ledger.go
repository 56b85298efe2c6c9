package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
	"github.com/vladislavdragonenkov/ofs/internal/metrics"
)

// Бюджет внутренних повторов цикла чтение+append при конфликте версий.
const (
	maxConflictRetries = 3
	conflictBaseDelay  = 10 * time.Millisecond
)

// ledger реализует domain.WalletLedger поверх репозитория кошельков.
// Баланс меняется только через append; проекция обновляется атомарно
// вместе со вставкой записи.
type ledger struct {
	wallets domain.WalletRepository
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
}

// NewLedger создаёт сервис журнала кошельков.
func NewLedger(wallets domain.WalletRepository, logger *log.Entry) domain.WalletLedger {
	if logger == nil {
		logger = log.New().WithField("component", "wallet-ledger")
	}
	return &ledger{
		wallets: wallets,
		logger:  logger,
		metrics: metrics.NewLedgerMetrics(),
	}
}

// NewLedgerWithoutMetrics создаёт сервис без метрик (для тестов).
func NewLedgerWithoutMetrics(wallets domain.WalletRepository, logger *log.Entry) domain.WalletLedger {
	if logger == nil {
		logger = log.New().WithField("component", "wallet-ledger")
	}
	return &ledger{
		wallets: wallets,
		logger:  logger,
	}
}

// Append добавляет запись журнала. Повтор уже применённого idempotencyKey
// возвращает записанный ранее результат, не меняя баланс. Конфликт версий
// кошелька повторяется внутри ограниченным числом попыток; после исчерпания
// наружу уходит ErrWalletVersionConflict.
func (l *ledger) Append(ctx context.Context, walletID string, amountMinor int64, idempotencyKey string) (domain.LedgerEntry, int64, error) {
	if idempotencyKey == "" {
		return domain.LedgerEntry{}, 0, domain.ErrIdempotencyKeyRequired
	}

	// Ранний replay-чек: ключ уже применён - отдаём прежний результат
	if prior, err := l.wallets.FindEntryByKey(idempotencyKey); err == nil {
		l.recordReplay(walletID, idempotencyKey)
		return prior, prior.BalanceAfterMinor, nil
	} else if !errors.Is(err, domain.ErrLedgerEntryNotFound) {
		return domain.LedgerEntry{}, 0, err
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			delay := conflictBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return domain.LedgerEntry{}, 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		wallet, err := l.wallets.GetWallet(walletID)
		if err != nil {
			return domain.LedgerEntry{}, 0, err
		}

		balanceAfter := wallet.BalanceMinor + amountMinor
		if amountMinor < 0 && balanceAfter < 0 {
			if l.metrics != nil {
				l.metrics.RecordInsufficientFunds()
			}
			l.logger.WithFields(log.Fields{
				"wallet_id":     walletID,
				"amount_minor":  amountMinor,
				"balance_minor": wallet.BalanceMinor,
			}).Warn("debit rejected, balance would go negative")
			return domain.LedgerEntry{}, 0, domain.ErrInsufficientFunds
		}

		entry := domain.LedgerEntry{
			ID:                uuid.NewString(),
			WalletID:          walletID,
			AmountMinor:       amountMinor,
			Type:              domain.EntryTypeFor(amountMinor),
			Seq:               wallet.LastSeq + 1,
			BalanceAfterMinor: balanceAfter,
			IdempotencyKey:    idempotencyKey,
			CreatedAt:         time.Now().UTC(),
		}
		if errs := entry.Validate(); len(errs) > 0 {
			return domain.LedgerEntry{}, 0, errors.Join(errs...)
		}

		err = l.wallets.AppendEntry(entry, wallet.Version)
		switch {
		case err == nil:
			if l.metrics != nil {
				l.metrics.RecordEntryAppended(string(entry.Type))
			}
			l.logger.WithFields(log.Fields{
				"wallet_id":     walletID,
				"entry_id":      entry.ID,
				"seq":           entry.Seq,
				"amount_minor":  amountMinor,
				"balance_minor": balanceAfter,
			}).Info("ledger entry appended")
			return entry, balanceAfter, nil

		case errors.Is(err, domain.ErrLedgerKeyApplied):
			// Конкурент с тем же ключом успел первым - читаем его результат
			prior, findErr := l.wallets.FindEntryByKey(idempotencyKey)
			if findErr != nil {
				return domain.LedgerEntry{}, 0, findErr
			}
			l.recordReplay(walletID, idempotencyKey)
			return prior, prior.BalanceAfterMinor, nil

		case errors.Is(err, domain.ErrWalletVersionConflict):
			if l.metrics != nil {
				l.metrics.RecordVersionConflict()
			}
			l.logger.WithFields(log.Fields{
				"wallet_id": walletID,
				"attempt":   attempt + 1,
				"version":   wallet.Version,
			}).Warn("wallet version conflict, retrying append")
			lastErr = err
			continue

		default:
			return domain.LedgerEntry{}, 0, err
		}
	}

	return domain.LedgerEntry{}, 0, lastErr
}

// Balance возвращает кэшированную проекцию баланса.
func (l *ledger) Balance(ctx context.Context, walletID string) (int64, error) {
	wallet, err := l.wallets.GetWallet(walletID)
	if err != nil {
		return 0, err
	}
	return wallet.BalanceMinor, nil
}

// Reconcile пересчитывает сумму журнала и сверяет её с проекцией.
// Возвращает пересчитанную сумму; расхождение - фатальная ErrLedgerDivergence.
func (l *ledger) Reconcile(ctx context.Context, walletID string) (int64, error) {
	wallet, err := l.wallets.GetWallet(walletID)
	if err != nil {
		return 0, err
	}

	sum, err := l.wallets.SumEntries(walletID)
	if err != nil {
		return 0, err
	}

	diverged := sum != wallet.BalanceMinor
	if l.metrics != nil {
		l.metrics.RecordReconcileRun(diverged)
	}
	if diverged {
		l.logger.WithFields(log.Fields{
			"wallet_id":        walletID,
			"projection_minor": wallet.BalanceMinor,
			"ledger_sum_minor": sum,
		}).Error("wallet projection diverged from ledger sum")
		return sum, domain.ErrLedgerDivergence
	}

	return sum, nil
}

// EntryByKey возвращает запись журнала по idempotency key.
func (l *ledger) EntryByKey(ctx context.Context, idempotencyKey string) (domain.LedgerEntry, error) {
	return l.wallets.FindEntryByKey(idempotencyKey)
}

func (l *ledger) recordReplay(walletID, idempotencyKey string) {
	if l.metrics != nil {
		l.metrics.RecordIdempotentReplay()
	}
	l.logger.WithFields(log.Fields{
		"wallet_id":       walletID,
		"idempotency_key": idempotencyKey,
	}).Debug("ledger append replayed by idempotency key")
}

var _ domain.WalletLedger = (*ledger)(nil)
