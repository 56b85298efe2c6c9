package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

type walletRepository struct {
	db *sql.DB
}

// NewWalletRepository создаёт PostgreSQL-реализацию WalletRepository.
func NewWalletRepository(store *Store) domain.WalletRepository {
	return &walletRepository{db: store.DB()}
}

func (r *walletRepository) CreateWallet(wallet domain.Wallet) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (
			id, user_id, balance_minor, last_seq, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		wallet.ID, wallet.UserID, wallet.BalanceMinor, wallet.LastSeq,
		wallet.Version, wallet.CreatedAt, wallet.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrWalletExists
		}
		return fmt.Errorf("insert wallet: %w", err)
	}

	return nil
}

func (r *walletRepository) GetWallet(id string) (domain.Wallet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getWalletBy(ctx, `WHERE id = $1`, id)
}

func (r *walletRepository) GetWalletByUser(userID string) (domain.Wallet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getWalletBy(ctx, `WHERE user_id = $1`, userID)
}

func (r *walletRepository) getWalletBy(ctx context.Context, where string, arg any) (domain.Wallet, error) {
	var wallet domain.Wallet
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance_minor, last_seq, version, created_at, updated_at
		FROM wallets
	`+where, arg).Scan(
		&wallet.ID, &wallet.UserID, &wallet.BalanceMinor, &wallet.LastSeq,
		&wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wallet{}, domain.ErrWalletNotFound
		}
		return domain.Wallet{}, fmt.Errorf("select wallet: %w", err)
	}
	return wallet, nil
}

// AppendEntry вставляет запись журнала и обновляет проекцию кошелька в одной
// транзакции. Вставка идёт первой: повтор idempotency key детектируется как
// ErrLedgerKeyApplied до проверки версии, поэтому replay не маскируется
// конфликтом конкурентной записи.
func (r *walletRepository) AppendEntry(entry domain.LedgerEntry, expectedWalletVersion int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, wallet_id, amount_minor, entry_type, seq,
			balance_after_minor, idempotency_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entry.ID, entry.WalletID, entry.AmountMinor, string(entry.Type),
		entry.Seq, entry.BalanceAfterMinor, entry.IdempotencyKey, entry.CreatedAt,
	)
	if err != nil {
		switch {
		case uniqueViolationOn(err, "ledger_entries_idempotency_key_uniq"):
			return domain.ErrLedgerKeyApplied
		case uniqueViolationOn(err, "ledger_entries_wallet_seq_uniq"):
			return domain.ErrWalletVersionConflict
		case isForeignKeyViolation(err):
			return domain.ErrWalletNotFound
		default:
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance_minor = $1,
		    last_seq = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4
		  AND version = $5
	`,
		entry.BalanceAfterMinor,
		entry.Seq,
		entry.CreatedAt,
		entry.WalletID,
		expectedWalletVersion,
	)
	if err != nil {
		return fmt.Errorf("update wallet projection: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		err = domain.ErrWalletVersionConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append entry: %w", err)
	}

	return nil
}

func (r *walletRepository) FindEntryByKey(idempotencyKey string) (domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	entry, err := scanEntry(r.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, amount_minor, entry_type, seq,
		       balance_after_minor, idempotency_key, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1
	`, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("select ledger entry: %w", err)
	}
	return entry, nil
}

func (r *walletRepository) ListEntries(walletID string, limit int) ([]domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, wallet_id, amount_minor, entry_type, seq,
		       balance_after_minor, idempotency_key, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY seq ASC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", walletID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}

	return entries, nil
}

func (r *walletRepository) SumEntries(walletID string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var sum int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0)
		FROM ledger_entries
		WHERE wallet_id = $1
	`, walletID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum ledger entries: %w", err)
	}

	return sum, nil
}

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var (
		entry     domain.LedgerEntry
		entryType string
	)
	if err := row.Scan(
		&entry.ID, &entry.WalletID, &entry.AmountMinor, &entryType, &entry.Seq,
		&entry.BalanceAfterMinor, &entry.IdempotencyKey, &entry.CreatedAt,
	); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.Type = domain.EntryType(entryType)
	return entry, nil
}

var _ domain.WalletRepository = (*walletRepository)(nil)
