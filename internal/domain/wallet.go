package domain

import "time"

// Wallet хранит кэшированную проекцию баланса. Баланс меняется только через
// append в журнал; прямое присваивание поля запрещено контрактом.
type Wallet struct {
	ID     string
	UserID string
	// BalanceMinor — проекция: running sum всех записей журнала кошелька.
	// Сверяется с журналом; расхождение — фатальная ошибка целостности.
	BalanceMinor int64
	// LastSeq — номер последней записи журнала; следующая запись получает LastSeq+1.
	LastSeq   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryType различает пополнение и списание.
type EntryType string

const (
	// EntryTypeCredit — пополнение (возвраты, клубные начисления). Не может
	// упасть из-за нехватки средств.
	EntryTypeCredit EntryType = "credit"
	// EntryTypeDebit — списание; запрещено, если баланс ушёл бы ниже нуля.
	EntryTypeDebit EntryType = "debit"
)

// LedgerEntry — неизменяемая запись журнала кошелька.
type LedgerEntry struct {
	ID       string
	WalletID string
	// AmountMinor — знаковая сумма: кредит > 0, дебет < 0.
	AmountMinor int64
	Type        EntryType
	// Seq — причинный порядковый номер в рамках кошелька, строго возрастает.
	Seq int64
	// BalanceAfterMinor — баланс после применения записи; повтор по ключу
	// возвращает именно этот результат.
	BalanceAfterMinor int64
	// IdempotencyKey — ключ дедупликации (saga id, step id); второй append
	// с тем же ключом является no-op.
	IdempotencyKey string
	CreatedAt      time.Time
}

// Validate проверяет ключевые поля записи журнала.
func (e *LedgerEntry) Validate() []error {
	var errs []error

	if e.WalletID == "" {
		errs = append(errs, ErrWalletNotFound)
	}
	if e.IdempotencyKey == "" {
		errs = append(errs, ErrIdempotencyKeyRequired)
	}
	switch e.Type {
	case EntryTypeCredit:
		if e.AmountMinor <= 0 {
			errs = append(errs, ErrAmountNegative)
		}
	case EntryTypeDebit:
		if e.AmountMinor >= 0 {
			errs = append(errs, ErrAmountNegative)
		}
	default:
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}

// EntryTypeFor возвращает тип записи по знаку суммы.
func EntryTypeFor(amountMinor int64) EntryType {
	if amountMinor < 0 {
		return EntryTypeDebit
	}
	return EntryTypeCredit
}
