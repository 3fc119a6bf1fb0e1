package ledger

import (
	"context"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

// WalletStore persists wallet rows. ApplyDelta is the only balance mutator
// and must be a single atomic conditional update guarded by the wallet's
// version column.
type WalletStore interface {
	// Get fetches the wallet owned by ownerID, or ErrWalletNotFound.
	Get(ctx context.Context, ownerID string) (Wallet, error)

	// GetByID fetches a wallet by its own id, or ErrWalletNotFound.
	GetByID(ctx context.Context, walletID string) (Wallet, error)

	// CreateIfAbsent provisions a wallet for the owner, returning the
	// existing one when the owner already has a wallet.
	CreateIfAbsent(ctx context.Context, ownerID, currency string) (Wallet, error)

	// ApplyDelta atomically moves the balance and the matching lifetime
	// total by amount, conditioned on the wallet still being at
	// expectedVersion and ACTIVE. It returns ErrVersionConflict when the
	// version moved, ErrInsufficientFunds when a debit would go negative,
	// and ErrWalletNotActive when the wallet left ACTIVE.
	ApplyDelta(ctx context.Context, walletID string, direction Direction, amount money.Money, expectedVersion int64) (Wallet, error)

	// SetStatus transitions the wallet lifecycle status.
	SetStatus(ctx context.Context, walletID string, status WalletStatus) (Wallet, error)
}

// TransactionStore persists the append-only transaction history. Idempotency
// key uniqueness is enforced here, not by caller discipline.
type TransactionStore interface {
	// InsertPending appends a PENDING row, or ErrDuplicateIdempotencyKey
	// when the idempotency key (or gateway transaction id) already exists.
	InsertPending(ctx context.Context, tx Transaction) (Transaction, error)

	// MarkTerminal transitions a PENDING row to COMPLETED or FAILED exactly
	// once; ErrTransactionNotPending when the row already settled.
	MarkTerminal(ctx context.Context, id string, status TransactionStatus, balanceAfter *money.Money, failureReason string) (Transaction, error)

	// MarkReversed flips a COMPLETED row to REVERSED. This is the single
	// permitted mutation of a terminal row.
	MarkReversed(ctx context.Context, id string) (Transaction, error)

	// Get fetches a transaction by id, or ErrTransactionNotFound.
	Get(ctx context.Context, id string) (Transaction, error)

	// FindByIdempotencyKey resolves the transaction recorded for a key, or
	// ErrTransactionNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// FindByGatewayID resolves a gateway-backed credit by the provider's
	// transaction id, or ErrTransactionNotFound.
	FindByGatewayID(ctx context.Context, gatewayTransactionID string) (Transaction, error)

	// FindReversalOf returns the counter-transaction referencing the
	// original transaction id, or ErrTransactionNotFound when none exists.
	FindReversalOf(ctx context.Context, originalID string) (Transaction, error)

	// ListForWallet pages through a wallet's history, newest first.
	ListForWallet(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error)
}
