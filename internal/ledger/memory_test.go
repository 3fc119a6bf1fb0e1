package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

func TestWalletStore_ApplyDeltaVersionGuard(t *testing.T) {
	store := NewMemoryWalletStore()
	ctx := context.Background()

	w, err := store.CreateIfAbsent(ctx, uuid.NewString(), "USD")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	amount, _ := money.New(1_000, "USD")
	updated, err := store.ApplyDelta(ctx, w.ID, DirectionCredit, amount, w.Version)
	if err != nil {
		t.Fatalf("apply credit: %v", err)
	}
	if updated.Balance.Amount() != 1_000 {
		t.Fatalf("expected balance 1000, got %d", updated.Balance.Amount())
	}
	if updated.Version != w.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	// Writing with the stale version must conflict.
	if _, err := store.ApplyDelta(ctx, w.ID, DirectionCredit, amount, w.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestWalletStore_ApplyDeltaInsufficientFunds(t *testing.T) {
	store := NewMemoryWalletStore()
	ctx := context.Background()

	w, err := store.CreateIfAbsent(ctx, uuid.NewString(), "USD")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	amount, _ := money.New(500, "USD")
	if _, err := store.ApplyDelta(ctx, w.ID, DirectionDebit, amount, w.Version); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// The failed debit must not have touched the wallet.
	current, err := store.GetByID(ctx, w.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if current.Balance.Amount() != 0 || current.Version != w.Version {
		t.Fatalf("wallet mutated by failed debit: %+v", current)
	}
}

func TestWalletStore_ApplyDeltaRejectsInactive(t *testing.T) {
	store := NewMemoryWalletStore()
	ctx := context.Background()

	w, _ := store.CreateIfAbsent(ctx, uuid.NewString(), "USD")
	frozen, err := store.SetStatus(ctx, w.ID, WalletFrozen)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	amount, _ := money.New(100, "USD")
	if _, err := store.ApplyDelta(ctx, w.ID, DirectionCredit, amount, frozen.Version); !errors.Is(err, ErrWalletNotActive) {
		t.Fatalf("expected wallet not active, got %v", err)
	}
}

func TestWalletStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	store := NewMemoryWalletStore()
	ctx := context.Background()
	owner := uuid.NewString()

	first, err := store.CreateIfAbsent(ctx, owner, "USD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateIfAbsent(ctx, owner, "USD")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one wallet per owner, got %s and %s", first.ID, second.ID)
	}
}

func TestTransactionStore_DuplicateIdempotencyKey(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	amount, _ := money.New(100, "USD")

	tx := Transaction{
		IdempotencyKey: "dup",
		WalletID:       uuid.NewString(),
		OwnerID:        uuid.NewString(),
		Direction:      DirectionCredit,
		Amount:         amount,
	}
	if _, err := store.InsertPending(ctx, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertPending(ctx, tx); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestTransactionStore_ConcurrentDuplicateInserts(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	amount, _ := money.New(100, "USD")

	const workers = 10
	var wg sync.WaitGroup
	var inserted, rejected int
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.InsertPending(ctx, Transaction{
				IdempotencyKey: "race",
				WalletID:       uuid.NewString(),
				OwnerID:        uuid.NewString(),
				Direction:      DirectionCredit,
				Amount:         amount,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				inserted++
			} else if errors.Is(err, ErrDuplicateIdempotencyKey) {
				rejected++
			}
		}()
	}
	wg.Wait()

	if inserted != 1 || rejected != workers-1 {
		t.Fatalf("expected exactly one insert, got %d inserted / %d rejected", inserted, rejected)
	}
}

func TestTransactionStore_TerminalTransitionIsSingleShot(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	amount, _ := money.New(100, "USD")

	tx, err := store.InsertPending(ctx, Transaction{
		IdempotencyKey: "once",
		WalletID:       uuid.NewString(),
		OwnerID:        uuid.NewString(),
		Direction:      DirectionCredit,
		Amount:         amount,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	after := amount
	completed, err := store.MarkTerminal(ctx, tx.ID, StatusCompleted, &after, "")
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if completed.Status != StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected terminal row: %+v", completed)
	}

	if _, err := store.MarkTerminal(ctx, tx.ID, StatusFailed, nil, "late"); !errors.Is(err, ErrTransactionNotPending) {
		t.Fatalf("expected not-pending error, got %v", err)
	}
}

func TestTransactionStore_MarkReversedRequiresCompleted(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	amount, _ := money.New(100, "USD")

	tx, _ := store.InsertPending(ctx, Transaction{
		IdempotencyKey: "rev",
		WalletID:       uuid.NewString(),
		OwnerID:        uuid.NewString(),
		Direction:      DirectionCredit,
		Amount:         amount,
	})

	if _, err := store.MarkReversed(ctx, tx.ID); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("expected not reversible for pending row, got %v", err)
	}

	after := amount
	if _, err := store.MarkTerminal(ctx, tx.ID, StatusCompleted, &after, ""); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	reversed, err := store.MarkReversed(ctx, tx.ID)
	if err != nil {
		t.Fatalf("mark reversed: %v", err)
	}
	if reversed.Status != StatusReversed {
		t.Fatalf("expected REVERSED, got %s", reversed.Status)
	}
	if _, err := store.MarkReversed(ctx, tx.ID); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("expected not reversible on second flip, got %v", err)
	}
}

func TestTransactionStore_ListForWallet(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	amount, _ := money.New(100, "USD")
	walletID := uuid.NewString()
	owner := uuid.NewString()

	for i := 0; i < 5; i++ {
		if _, err := store.InsertPending(ctx, Transaction{
			IdempotencyKey: fmt.Sprintf("key-%d", i),
			WalletID:       walletID,
			OwnerID:        owner,
			Direction:      DirectionCredit,
			Amount:         amount,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := store.ListForWallet(ctx, walletID, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	if page[0].IdempotencyKey != "key-4" {
		t.Fatalf("expected newest first, got %s", page[0].IdempotencyKey)
	}

	rest, err := store.ListForWallet(ctx, walletID, 10, 4)
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 row at offset 4, got %d", len(rest))
	}
}
