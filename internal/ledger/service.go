package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kanza-pay/kanza_pay/internal/money"
	"github.com/kanza-pay/kanza_pay/internal/notification"
)

// maxDeltaRetries bounds the optimistic retry loop around ApplyDelta before
// ErrContention surfaces.
const maxDeltaRetries = 3

// GatewayOutcome is the terminal result a payment gateway reports for a
// pending credit.
type GatewayOutcome string

const (
	GatewaySuccess GatewayOutcome = "SUCCESS"
	GatewayFailure GatewayOutcome = "FAILURE"
)

// Service owns the balance invariant: every wallet mutation flows through
// it as one logical unit of a pending transaction row, a conditional wallet
// update, and a terminal status transition.
type Service struct {
	wallets  WalletStore
	txs      TransactionStore
	notifier notification.Notifier
	metrics  MetricsCollector
	logger   *slog.Logger

	// Per-wallet mutexes serialize the settle phase so that operations on
	// different wallets never block each other.
	locks sync.Map
}

// NewService builds the ledger service. Notifier and metrics are optional.
func NewService(wallets WalletStore, txs TransactionStore, notifier notification.Notifier, metrics MetricsCollector, logger *slog.Logger) *Service {
	if wallets == nil || txs == nil {
		panic("ledger: both stores are required")
	}
	if metrics == nil {
		metrics = NoopMetricsCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, txs: txs, notifier: notifier, metrics: metrics, logger: logger}
}

// MutationInput carries the intent of a credit or debit.
type MutationInput struct {
	OwnerID        string
	Amount         money.Money
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Description    string
	InitiatedBy    Initiator
}

// GatewayCreditInput opens a two-phase gateway-backed credit. The row stays
// PENDING until ApplyGatewayResult resolves it.
type GatewayCreditInput struct {
	OwnerID              string
	Amount               money.Money
	GatewayTransactionID string
	IdempotencyKey       string
	Description          string
	Metadata             map[string]string
}

// GatewayResult is one asynchronous callback delivery from the gateway.
type GatewayResult struct {
	GatewayTransactionID string
	Outcome              GatewayOutcome
	// Amount, when non-zero, must echo the pending transaction's amount.
	Amount money.Money
	Reason string
}

// CreateWallet provisions a wallet for the owner, returning the existing one
// when the owner already has a wallet.
func (s *Service) CreateWallet(ctx context.Context, ownerID, currency string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, errors.New("owner id is required")
	}
	return s.wallets.CreateIfAbsent(ctx, ownerID, currency)
}

// GetWallet fetches the wallet owned by ownerID.
func (s *Service) GetWallet(ctx context.Context, ownerID string) (Wallet, error) {
	return s.wallets.Get(ctx, ownerID)
}

// SetWalletStatus freezes, unfreezes, or closes a wallet.
func (s *Service) SetWalletStatus(ctx context.Context, walletID string, status WalletStatus) (Wallet, error) {
	switch status {
	case WalletActive, WalletFrozen, WalletClosed:
	default:
		return Wallet{}, fmt.Errorf("unknown wallet status %q", status)
	}
	return s.wallets.SetStatus(ctx, walletID, status)
}

// ListTransactions pages through a wallet's history, newest first.
func (s *Service) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.txs.ListForWallet(ctx, walletID, limit, offset)
}

// Credit adds funds to the owner's wallet and settles synchronously.
func (s *Service) Credit(ctx context.Context, in MutationInput) (Transaction, error) {
	return s.mutate(ctx, in, DirectionCredit, "credit")
}

// Debit removes funds from the owner's wallet. ErrInsufficientFunds is an
// expected business outcome and is recorded as a FAILED transaction.
func (s *Service) Debit(ctx context.Context, in MutationInput) (Transaction, error) {
	return s.mutate(ctx, in, DirectionDebit, "debit")
}

func (s *Service) mutate(ctx context.Context, in MutationInput, direction Direction, op string) (Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", money.ErrInvalidAmount)
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	if in.InitiatedBy == "" {
		in.InitiatedBy = InitiatorSystem
	}

	// Idempotent replay: a retried caller observes the prior outcome
	// instead of reprocessing.
	if existing, err := s.txs.FindByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		return replayed(existing)
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	w, err := s.wallets.Get(ctx, in.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	if w.Status != WalletActive {
		return Transaction{}, ErrWalletNotActive
	}
	if !in.Amount.SameCurrency(w.Balance) {
		return Transaction{}, ErrCurrencyMismatch
	}

	lock := s.lockFor(w.ID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.txs.InsertPending(ctx, Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		WalletID:       w.ID,
		OwnerID:        w.OwnerID,
		Direction:      direction,
		Amount:         in.Amount,
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
		InitiatedBy:    in.InitiatedBy,
		Description:    in.Description,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a concurrent race on the same key; the loser observes the
		// winner's row.
		existing, findErr := s.txs.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if findErr != nil {
			return Transaction{}, findErr
		}
		return replayed(existing)
	}
	if err != nil {
		return Transaction{}, err
	}

	return s.resolve(ctx, pending, op)
}

// replayed maps a previously recorded transaction back to the outcome its
// first caller observed, so a retry sees the same error for a FAILED row.
func replayed(tx Transaction) (Transaction, error) {
	if tx.Status != StatusFailed {
		return tx, nil
	}
	for _, sentinel := range []error{ErrInsufficientFunds, ErrWalletNotActive, ErrContention, ErrCurrencyMismatch} {
		if tx.FailureReason == sentinel.Error() {
			return tx, sentinel
		}
	}
	return tx, fmt.Errorf("transaction failed: %s", tx.FailureReason)
}

// Reverse undoes a COMPLETED transaction by appending a counter-transaction
// with the opposite direction and the same amount, then flips the original
// row to REVERSED. The original amount and balance fields are never touched.
func (s *Service) Reverse(ctx context.Context, originalID, reason string, initiatedBy Initiator) (Transaction, error) {
	orig, err := s.txs.Get(ctx, originalID)
	if err != nil {
		return Transaction{}, err
	}

	lock := s.lockFor(orig.WalletID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the wallet lock; a concurrent reversal may have settled.
	orig, err = s.txs.Get(ctx, originalID)
	if err != nil {
		return Transaction{}, err
	}
	if orig.Status != StatusCompleted {
		return Transaction{}, ErrNotReversible
	}
	if _, err := s.txs.FindReversalOf(ctx, originalID); err == nil {
		return Transaction{}, ErrNotReversible
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	w, err := s.wallets.GetByID(ctx, orig.WalletID)
	if err != nil {
		return Transaction{}, err
	}
	if w.Status != WalletActive {
		return Transaction{}, ErrWalletNotActive
	}

	if initiatedBy == "" {
		initiatedBy = InitiatorSystem
	}

	// First attempt uses the deterministic key; a FAILED earlier attempt
	// (for example the funds were spent before the reversal) must not pin
	// that key forever, so retries move to a fresh one.
	key := "reversal:" + originalID
	if prior, err := s.txs.FindByIdempotencyKey(ctx, key); err == nil {
		switch prior.Status {
		case StatusCompleted:
			return prior, nil
		case StatusFailed:
			key = key + ":" + uuid.NewString()
		default:
			return prior, ErrNotReversible
		}
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	pending, err := s.txs.InsertPending(ctx, Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		WalletID:       w.ID,
		OwnerID:        w.OwnerID,
		Direction:      orig.Direction.Opposite(),
		Amount:         orig.Amount,
		ReferenceType:  ReferenceReversal,
		ReferenceID:    originalID,
		InitiatedBy:    initiatedBy,
		Description:    reason,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, findErr := s.txs.FindByIdempotencyKey(ctx, key)
		if findErr != nil {
			return Transaction{}, findErr
		}
		if existing.Status == StatusCompleted {
			return existing, nil
		}
		return existing, ErrNotReversible
	}
	if err != nil {
		return Transaction{}, err
	}

	counter, err := s.resolve(ctx, pending, "reverse")
	if err != nil {
		return counter, err
	}

	if _, err := s.txs.MarkReversed(ctx, originalID); err != nil {
		// The counter-posting is committed; the flip is a status annotation
		// and its failure is recoverable by reconciliation.
		s.logger.Error("mark original reversed failed",
			slog.String("transaction_id", originalID), slog.Any("error", err))
	}
	return counter, nil
}

// BeginGatewayCredit records a PENDING credit awaiting external gateway
// confirmation. The wallet is not touched until ApplyGatewayResult reports
// SUCCESS.
func (s *Service) BeginGatewayCredit(ctx context.Context, in GatewayCreditInput) (Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", money.ErrInvalidAmount)
	}
	if in.GatewayTransactionID == "" {
		return Transaction{}, ErrUnknownGatewayTransaction
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = "gateway:" + in.GatewayTransactionID
	}

	if existing, err := s.txs.FindByGatewayID(ctx, in.GatewayTransactionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	w, err := s.wallets.Get(ctx, in.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	if w.Status != WalletActive {
		return Transaction{}, ErrWalletNotActive
	}
	if !in.Amount.SameCurrency(w.Balance) {
		return Transaction{}, ErrCurrencyMismatch
	}

	pending, err := s.txs.InsertPending(ctx, Transaction{
		ID:                   uuid.NewString(),
		IdempotencyKey:       in.IdempotencyKey,
		WalletID:             w.ID,
		OwnerID:              w.OwnerID,
		Direction:            DirectionCredit,
		Amount:               in.Amount,
		ReferenceType:        ReferenceGatewayTopUp,
		ReferenceID:          in.GatewayTransactionID,
		InitiatedBy:          InitiatorGateway,
		Description:          in.Description,
		GatewayTransactionID: in.GatewayTransactionID,
		GatewayMetadata:      in.Metadata,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return s.txs.FindByGatewayID(ctx, in.GatewayTransactionID)
	}
	if err != nil {
		return Transaction{}, err
	}
	return pending, nil
}

// ApplyGatewayResult resolves a pending gateway credit. Delivery is at
// least once: repeats with the same outcome are answered idempotently, and
// a contradicting outcome surfaces ErrGatewayResultConflict for manual
// reconciliation.
func (s *Service) ApplyGatewayResult(ctx context.Context, res GatewayResult) (Transaction, error) {
	tx, err := s.txs.FindByGatewayID(ctx, res.GatewayTransactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			s.logger.Warn("gateway callback for unknown transaction",
				slog.String("gateway_transaction_id", res.GatewayTransactionID))
			return Transaction{}, ErrUnknownGatewayTransaction
		}
		return Transaction{}, err
	}

	lock := s.lockFor(tx.WalletID)
	lock.Lock()
	defer lock.Unlock()

	// Fresh read under the lock: a concurrent duplicate delivery may have
	// already settled the row.
	tx, err = s.txs.Get(ctx, tx.ID)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Status.Terminal() {
		switch {
		case tx.Status == StatusCompleted && res.Outcome == GatewaySuccess:
			return tx, nil
		// REVERSED means the SUCCESS outcome was applied and later undone
		// by its own counter-transaction, so redelivery is still a replay.
		case tx.Status == StatusReversed && res.Outcome == GatewaySuccess:
			return tx, nil
		case tx.Status == StatusFailed && res.Outcome == GatewayFailure:
			return tx, nil
		default:
			s.logger.Error("conflicting gateway result",
				slog.String("gateway_transaction_id", res.GatewayTransactionID),
				slog.String("recorded_status", string(tx.Status)),
				slog.String("reported_outcome", string(res.Outcome)))
			return tx, ErrGatewayResultConflict
		}
	}

	if !res.Amount.IsZero() {
		if cmp, cmpErr := res.Amount.Cmp(tx.Amount); cmpErr != nil || cmp != 0 {
			s.logger.Error("gateway result amount mismatch",
				slog.String("gateway_transaction_id", res.GatewayTransactionID),
				slog.String("pending_amount", tx.Amount.String()),
				slog.String("reported_amount", res.Amount.String()))
			return tx, ErrGatewayResultConflict
		}
	}

	if res.Outcome == GatewayFailure {
		reason := res.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		failed, err := s.txs.MarkTerminal(ctx, tx.ID, StatusFailed, nil, reason)
		if err != nil {
			return Transaction{}, err
		}
		s.metrics.RecordError("gateway_credit", reason)
		return failed, nil
	}

	return s.resolve(ctx, tx, "gateway_credit")
}

// resolve applies the wallet delta for a PENDING transaction and transitions
// the row to its terminal status. The caller must hold the wallet lock.
// ApplyDelta is deliberately the last fallible step before the terminal
// mark: the wallet is mutated exactly when the row can reach COMPLETED.
func (s *Service) resolve(ctx context.Context, pending Transaction, op string) (Transaction, error) {
	updated, err := s.applyDelta(ctx, pending.WalletID, pending.Direction, pending.Amount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The store outcome is unknown; leaving the row PENDING lets the
			// reconciliation pass or an idempotent retry settle it. Marking
			// FAILED here could contradict a commit that actually landed.
			s.logger.Warn("apply delta timed out, leaving transaction pending",
				slog.String("transaction_id", pending.ID), slog.Any("error", err))
			return pending, err
		}

		if _, markErr := s.txs.MarkTerminal(ctx, pending.ID, StatusFailed, nil, err.Error()); markErr != nil {
			s.logger.Error("mark transaction failed",
				slog.String("transaction_id", pending.ID), slog.Any("error", markErr))
		}
		s.metrics.RecordError(op, err.Error())
		failed := pending
		failed.Status = StatusFailed
		failed.FailureReason = err.Error()
		return failed, err
	}

	balanceAfter := updated.Balance
	completed, err := s.txs.MarkTerminal(ctx, pending.ID, StatusCompleted, &balanceAfter, "")
	if err != nil {
		s.logger.Error("mark transaction completed failed",
			slog.String("transaction_id", pending.ID), slog.Any("error", err))
		return Transaction{}, err
	}

	s.metrics.RecordTransaction(op, completed.Amount.Amount())
	s.notify(ctx, completed)
	return completed, nil
}

// applyDelta wraps the store's conditional update in a bounded optimistic
// retry: re-read the version, write conditionally on it, retry on conflict.
func (s *Service) applyDelta(ctx context.Context, walletID string, direction Direction, amount money.Money) (Wallet, error) {
	w, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	for attempt := 0; attempt < maxDeltaRetries; attempt++ {
		updated, err := s.wallets.ApplyDelta(ctx, walletID, direction, amount, w.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Wallet{}, err
		}
		w, err = s.wallets.GetByID(ctx, walletID)
		if err != nil {
			return Wallet{}, err
		}
	}
	return Wallet{}, ErrContention
}

func (s *Service) lockFor(walletID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(walletID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) notify(ctx context.Context, tx Transaction) {
	if s.notifier == nil {
		return
	}
	kind := notification.KindWalletCredited
	if tx.Direction == DirectionDebit {
		kind = notification.KindWalletDebited
	}
	if tx.ReferenceType == ReferenceReversal {
		kind = notification.KindWalletReversed
	}
	_ = s.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: tx.OwnerID,
		Body:        fmt.Sprintf("%s of %s %s completed", tx.Direction, tx.Amount.String(), tx.Amount.Currency()),
	})
}
