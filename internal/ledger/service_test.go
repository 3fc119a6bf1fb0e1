package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanza-pay/kanza_pay/internal/logging"
	"github.com/kanza-pay/kanza_pay/internal/money"
)

func newTestService(t *testing.T) (*Service, Wallet) {
	t.Helper()
	svc := NewService(NewMemoryWalletStore(), NewMemoryTransactionStore(), nil, nil, logging.Discard())
	w, err := svc.CreateWallet(context.Background(), uuid.NewString(), "USD")
	require.NoError(t, err)
	return svc, w
}

func usd(t *testing.T, minor int64) money.Money {
	t.Helper()
	m, err := money.New(minor, "USD")
	require.NoError(t, err)
	return m
}

// checkInvariant asserts balance == totalCredited - totalDebited and
// balance >= 0.
func checkInvariant(t *testing.T, svc *Service, ownerID string) Wallet {
	t.Helper()
	w, err := svc.GetWallet(context.Background(), ownerID)
	require.NoError(t, err)
	derived, err := w.TotalCredited.Sub(w.TotalDebited)
	require.NoError(t, err, "totals would derive a negative balance")
	assert.Equal(t, derived.Amount(), w.Balance.Amount(), "balance must equal credited minus debited")
	assert.GreaterOrEqual(t, w.Balance.Amount(), int64(0))
	return w
}

func TestCreditAndDebit(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	tx, err := svc.Credit(ctx, MutationInput{
		OwnerID:        w.OwnerID,
		Amount:         usd(t, 10_000),
		ReferenceType:  ReferenceAdminAction,
		IdempotencyKey: "credit-1",
		InitiatedBy:    InitiatorAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	require.NotNil(t, tx.BalanceAfter)
	assert.Equal(t, int64(10_000), tx.BalanceAfter.Amount())

	tx, err = svc.Debit(ctx, MutationInput{
		OwnerID:        w.OwnerID,
		Amount:         usd(t, 4_000),
		ReferenceType:  ReferenceOrder,
		ReferenceID:    "order-77",
		IdempotencyKey: "debit-1",
		InitiatedBy:    InitiatorUser,
	})
	require.NoError(t, err)
	require.NotNil(t, tx.BalanceAfter)
	assert.Equal(t, int64(6_000), tx.BalanceAfter.Amount())

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(6_000), final.Balance.Amount())
	assert.Equal(t, int64(2), final.TransactionCount)
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 500), IdempotencyKey: "c1"})
	require.NoError(t, err)

	tx, err := svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 900), IdempotencyKey: "d1"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.NotEmpty(t, tx.FailureReason)

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(500), final.Balance.Amount())
}

func TestIdempotentReplay(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	in := MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 2_500), IdempotencyKey: "same-key"}
	first, err := svc.Credit(ctx, in)
	require.NoError(t, err)

	second, err := svc.Credit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replay must return the original transaction")

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(2_500), final.Balance.Amount(), "balance unchanged on replay")
	assert.Equal(t, int64(1), final.TransactionCount)
}

func TestConcurrentSameKeyProducesOneTransaction(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 1_000), IdempotencyKey: "race-key"})
			if err == nil {
				ids[i] = tx.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "every caller must observe the same transaction")
	}
	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(1_000), final.Balance.Amount())
}

func TestConcurrentDebits(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	// Balance 1000, 10 concurrent debits of 300: exactly 3 succeed.
	_, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 1_000), IdempotencyKey: "seed"})
	require.NoError(t, err)

	const workers = 10
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Debit(ctx, MutationInput{
				OwnerID:        w.OwnerID,
				Amount:         usd(t, 300),
				IdempotencyKey: fmt.Sprintf("debit-%d", i),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ErrInsufficientFunds):
			insufficient++
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, insufficient)

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(100), final.Balance.Amount())
}

func TestReverseCredit(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	credit, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 5_000), IdempotencyKey: "c1"})
	require.NoError(t, err)

	counter, err := svc.Reverse(ctx, credit.ID, "order cancelled", InitiatorSystem)
	require.NoError(t, err)
	assert.Equal(t, DirectionDebit, counter.Direction)
	assert.Equal(t, credit.Amount.Amount(), counter.Amount.Amount())
	assert.Equal(t, ReferenceReversal, counter.ReferenceType)
	assert.Equal(t, credit.ID, counter.ReferenceID)

	orig, err := svc.txs.Get(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, orig.Status)

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(0), final.Balance.Amount(), "reversal restores the pre-credit balance")

	_, err = svc.Reverse(ctx, credit.ID, "again", InitiatorSystem)
	assert.ErrorIs(t, err, ErrNotReversible)
}

func TestReverseFailedTransaction(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	tx, err := svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 100), IdempotencyKey: "d1"})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.Reverse(ctx, tx.ID, "should not work", InitiatorAdmin)
	assert.ErrorIs(t, err, ErrNotReversible)
}

func TestScenario(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	credit, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 100), IdempotencyKey: "c100"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	_, err = svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 40), IdempotencyKey: "d40"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	_, err = svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 1_000), IdempotencyKey: "d1000"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(60), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	// Reversing the 100 credit would drive the balance to -40: the store
	// rejects it and the original stays COMPLETED.
	_, err = svc.Reverse(ctx, credit.ID, "refund", InitiatorAdmin)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	orig, err := svc.txs.Get(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, orig.Status)
	assert.Equal(t, int64(60), checkInvariant(t, svc, w.OwnerID).Balance.Amount())
}

func TestFrozenWalletRejectsTransactions(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetWalletStatus(ctx, w.ID, WalletFrozen)
	require.NoError(t, err)

	_, err = svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 100), IdempotencyKey: "c1"})
	assert.ErrorIs(t, err, ErrWalletNotActive)
}

func TestGatewayCreditLifecycle(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	pending, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 7_500),
		GatewayTransactionID: "gw-123",
		Metadata:             map[string]string{"provider": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	// No wallet mutation until the gateway confirms.
	assert.Equal(t, int64(0), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	resolved, err := svc.ApplyGatewayResult(ctx, GatewayResult{
		GatewayTransactionID: "gw-123",
		Outcome:              GatewaySuccess,
		Amount:               usd(t, 7_500),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resolved.Status)
	assert.Equal(t, int64(7_500), checkInvariant(t, svc, w.OwnerID).Balance.Amount())
}

func TestGatewayResultIdempotent(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 1_000),
		GatewayTransactionID: "gw-dup",
	})
	require.NoError(t, err)

	res := GatewayResult{GatewayTransactionID: "gw-dup", Outcome: GatewaySuccess}
	for i := 0; i < 3; i++ {
		tx, err := svc.ApplyGatewayResult(ctx, res)
		require.NoError(t, err, "delivery %d", i+1)
		assert.Equal(t, StatusCompleted, tx.Status)
	}

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(1_000), final.Balance.Amount(), "three deliveries, one increment")
	assert.Equal(t, int64(1), final.TransactionCount)
}

func TestGatewayResultConcurrentDeliveries(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 2_000),
		GatewayTransactionID: "gw-race",
	})
	require.NoError(t, err)

	const deliveries = 5
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-race", Outcome: GatewaySuccess})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "delivery %d", i)
	}
	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(2_000), final.Balance.Amount())
}

func TestGatewayResultConflict(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 3_000),
		GatewayTransactionID: "gw-conflict",
	})
	require.NoError(t, err)

	_, err = svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-conflict", Outcome: GatewaySuccess})
	require.NoError(t, err)

	_, err = svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-conflict", Outcome: GatewayFailure})
	assert.ErrorIs(t, err, ErrGatewayResultConflict)

	// The conflict must not undo the recorded outcome.
	assert.Equal(t, int64(3_000), checkInvariant(t, svc, w.OwnerID).Balance.Amount())
}

func TestGatewayResultFailure(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 900),
		GatewayTransactionID: "gw-fail",
	})
	require.NoError(t, err)

	tx, err := svc.ApplyGatewayResult(ctx, GatewayResult{
		GatewayTransactionID: "gw-fail",
		Outcome:              GatewayFailure,
		Reason:               "card declined",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, "card declined", tx.FailureReason)
	assert.Equal(t, int64(0), checkInvariant(t, svc, w.OwnerID).Balance.Amount())
}

func TestGatewayResultUnknownTransaction(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyGatewayResult(context.Background(), GatewayResult{
		GatewayTransactionID: "never-issued",
		Outcome:              GatewaySuccess,
	})
	assert.ErrorIs(t, err, ErrUnknownGatewayTransaction)
}

func TestBeginGatewayCreditReplay(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	in := GatewayCreditInput{OwnerID: w.OwnerID, Amount: usd(t, 400), GatewayTransactionID: "gw-replay"}
	first, err := svc.BeginGatewayCredit(ctx, in)
	require.NoError(t, err)

	second, err := svc.BeginGatewayCredit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestReverseRetryAfterFailedAttempt(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	credit, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 100), IdempotencyKey: "c1"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 40), IdempotencyKey: "d1"})
	require.NoError(t, err)

	// Balance 60: undoing the 100 credit would go negative.
	_, err = svc.Reverse(ctx, credit.ID, "refund", InitiatorAdmin)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	orig, err := svc.txs.Get(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, orig.Status, "failed attempt must not flip the original")

	// Funds return; the earlier failed attempt must not block the retry.
	_, err = svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 40), IdempotencyKey: "c2"})
	require.NoError(t, err)

	counter, err := svc.Reverse(ctx, credit.ID, "refund", InitiatorAdmin)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, counter.Status)

	orig, err = svc.txs.Get(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, orig.Status)

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(0), final.Balance.Amount())
}

func TestGatewayResultReplayAfterReversal(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginGatewayCredit(ctx, GatewayCreditInput{
		OwnerID:              w.OwnerID,
		Amount:               usd(t, 5_000),
		GatewayTransactionID: "gw-reversed",
	})
	require.NoError(t, err)

	confirmed, err := svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-reversed", Outcome: GatewaySuccess})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, confirmed.ID, "top-up charged back", InitiatorAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(0), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	// The provider redelivers the original confirmation after the reversal:
	// the outcome was applied, so the redelivery replays instead of
	// conflicting, and the balance does not move again.
	tx, err := svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-reversed", Outcome: GatewaySuccess})
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, tx.Status)
	assert.Equal(t, int64(0), checkInvariant(t, svc, w.OwnerID).Balance.Amount())

	// A contradicting outcome still conflicts.
	_, err = svc.ApplyGatewayResult(ctx, GatewayResult{GatewayTransactionID: "gw-reversed", Outcome: GatewayFailure})
	assert.ErrorIs(t, err, ErrGatewayResultConflict)
}

// faultyWalletStore delegates reads to a real store but fails every
// ApplyDelta with a fixed error.
type faultyWalletStore struct {
	WalletStore
	deltaErr error
}

func (s *faultyWalletStore) ApplyDelta(context.Context, string, Direction, money.Money, int64) (Wallet, error) {
	return Wallet{}, s.deltaErr
}

func TestTimeoutLeavesTransactionPending(t *testing.T) {
	wallets := NewMemoryWalletStore()
	txs := NewMemoryTransactionStore()
	ctx := context.Background()
	w, err := wallets.CreateIfAbsent(ctx, uuid.NewString(), "USD")
	require.NoError(t, err)

	svc := NewService(&faultyWalletStore{WalletStore: wallets, deltaErr: context.DeadlineExceeded}, txs, nil, nil, logging.Discard())

	tx, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 1_000), IdempotencyKey: "t1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The store outcome is unknown, so the row must stay PENDING for a
	// reconciliation pass or idempotent retry, never FAILED or COMPLETED.
	stored, err := txs.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	current, err := wallets.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Balance.Amount())
}

func TestContentionAfterRetryBudget(t *testing.T) {
	wallets := NewMemoryWalletStore()
	txs := NewMemoryTransactionStore()
	ctx := context.Background()
	w, err := wallets.CreateIfAbsent(ctx, uuid.NewString(), "USD")
	require.NoError(t, err)

	svc := NewService(&faultyWalletStore{WalletStore: wallets, deltaErr: ErrVersionConflict}, txs, nil, nil, logging.Discard())

	tx, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 1_000), IdempotencyKey: "t2"})
	require.ErrorIs(t, err, ErrContention)

	stored, err := txs.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, ErrContention.Error(), stored.FailureReason)

	current, err := wallets.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Balance.Amount())
}

func TestFailedReplayKeepsTypedError(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 500), IdempotencyKey: "c1"})
	require.NoError(t, err)

	first, err := svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 900), IdempotencyKey: "d1"})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// The retry observes the recorded FAILED row and the same typed error.
	second, err := svc.Debit(ctx, MutationInput{OwnerID: w.OwnerID, Amount: usd(t, 900), IdempotencyKey: "d1"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusFailed, second.Status)

	final := checkInvariant(t, svc, w.OwnerID)
	assert.Equal(t, int64(500), final.Balance.Amount())
	assert.Equal(t, int64(1), final.TransactionCount)
}
