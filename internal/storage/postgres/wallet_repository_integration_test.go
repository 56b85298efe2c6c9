package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

func sampleWallet(id, userID string, createdAt time.Time) domain.Wallet {
	return domain.Wallet{
		ID:           id,
		UserID:       userID,
		BalanceMinor: 0,
		LastSeq:      0,
		Version:      1,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func sampleEntry(walletID, key string, amount, seq, balanceAfter int64, createdAt time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:                walletID + "-entry-" + key,
		WalletID:          walletID,
		AmountMinor:       amount,
		Type:              domain.EntryTypeFor(amount),
		Seq:               seq,
		BalanceAfterMinor: balanceAfter,
		IdempotencyKey:    key,
		CreatedAt:         createdAt,
	}
}

func TestWalletRepository_PostgresCreateAndGet(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewWalletRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	wallet := sampleWallet("wallet-1", "user-1", now)

	if err := repo.CreateWallet(wallet); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if err := repo.CreateWallet(wallet); !errors.Is(err, domain.ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists on duplicate, got %v", err)
	}

	duplicateUser := sampleWallet("wallet-other", "user-1", now)
	if err := repo.CreateWallet(duplicateUser); !errors.Is(err, domain.ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists for same user, got %v", err)
	}

	got, err := repo.GetWallet(wallet.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.UserID != wallet.UserID || got.BalanceMinor != 0 || got.Version != 1 {
		t.Fatalf("unexpected wallet payload: %+v", got)
	}

	byUser, err := repo.GetWalletByUser(wallet.UserID)
	if err != nil {
		t.Fatalf("get wallet by user: %v", err)
	}
	if byUser.ID != wallet.ID {
		t.Fatalf("unexpected wallet for user: %s", byUser.ID)
	}

	if _, err := repo.GetWallet("missing-wallet"); !errors.Is(err, domain.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestWalletRepository_PostgresAppendEntryFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewWalletRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	wallet := sampleWallet("wallet-append", "user-append", now)
	if err := repo.CreateWallet(wallet); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	credit := sampleEntry(wallet.ID, "saga-1:reserve-funds", 5000, 1, 5000, now)
	if err := repo.AppendEntry(credit, wallet.Version); err != nil {
		t.Fatalf("append credit: %v", err)
	}

	projected, err := repo.GetWallet(wallet.ID)
	if err != nil {
		t.Fatalf("get wallet after credit: %v", err)
	}
	if projected.BalanceMinor != 5000 || projected.LastSeq != 1 || projected.Version != 2 {
		t.Fatalf("projection not updated: %+v", projected)
	}

	debit := sampleEntry(wallet.ID, "saga-1:capture-funds", -3000, 2, 2000, now.Add(time.Second))
	if err := repo.AppendEntry(debit, projected.Version); err != nil {
		t.Fatalf("append debit: %v", err)
	}

	entries, err := repo.ListEntries(wallet.ID, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("entries must be ordered by seq: %+v", entries)
	}
	if entries[1].Type != domain.EntryTypeDebit || entries[1].BalanceAfterMinor != 2000 {
		t.Fatalf("debit entry lost fields: %+v", entries[1])
	}

	sum, err := repo.SumEntries(wallet.ID)
	if err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	if sum != 2000 {
		t.Fatalf("expected sum 2000, got %d", sum)
	}

	found, err := repo.FindEntryByKey("saga-1:capture-funds")
	if err != nil {
		t.Fatalf("find entry by key: %v", err)
	}
	if found.ID != debit.ID || found.AmountMinor != -3000 {
		t.Fatalf("unexpected entry by key: %+v", found)
	}
}

func TestWalletRepository_PostgresAppendEntryConflicts(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewWalletRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	wallet := sampleWallet("wallet-conflicts", "user-conflicts", now)
	if err := repo.CreateWallet(wallet); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	applied := sampleEntry(wallet.ID, "saga-c:reserve-funds", 1000, 1, 1000, now)
	if err := repo.AppendEntry(applied, wallet.Version); err != nil {
		t.Fatalf("append first entry: %v", err)
	}

	// Повтор ключа идёт первым: ошибка replay важнее конфликта версии.
	replay := sampleEntry(wallet.ID, "saga-c:reserve-funds", 1000, 2, 2000, now)
	replay.ID = wallet.ID + "-entry-replay"
	if err := repo.AppendEntry(replay, 99); !errors.Is(err, domain.ErrLedgerKeyApplied) {
		t.Fatalf("expected ErrLedgerKeyApplied, got %v", err)
	}

	stale := sampleEntry(wallet.ID, "saga-c:capture-funds", -500, 2, 500, now)
	if err := repo.AppendEntry(stale, 99); !errors.Is(err, domain.ErrWalletVersionConflict) {
		t.Fatalf("expected ErrWalletVersionConflict, got %v", err)
	}
	if _, err := repo.FindEntryByKey("saga-c:capture-funds"); !errors.Is(err, domain.ErrLedgerEntryNotFound) {
		t.Fatalf("conflicting append must leave no entry, got %v", err)
	}

	seqTaken := sampleEntry(wallet.ID, "saga-c:mark-paid", 100, 1, 1100, now)
	if err := repo.AppendEntry(seqTaken, 2); !errors.Is(err, domain.ErrWalletVersionConflict) {
		t.Fatalf("expected ErrWalletVersionConflict on seq collision, got %v", err)
	}

	missing := sampleEntry("missing-wallet", "saga-c:refund", 100, 1, 100, now)
	if err := repo.AppendEntry(missing, 1); !errors.Is(err, domain.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	sum, err := repo.SumEntries(wallet.ID)
	if err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	if sum != 1000 {
		t.Fatalf("failed appends must not change ledger sum, got %d", sum)
	}
}
