package ledger

import "errors"

var (
	// ErrWalletNotFound occurs when no wallet exists for the requested owner
	// or wallet id.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletNotActive occurs when a transaction targets a frozen or
	// closed wallet.
	ErrWalletNotActive = errors.New("wallet not active")

	// ErrInsufficientFunds occurs when a debit would drive the balance below
	// zero. It is an expected business outcome, never retried automatically.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey indicates the storage layer rejected an
	// insert because the idempotency key already exists. Callers observe the
	// winner's result instead of this error.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrVersionConflict indicates a conditional wallet update lost a race
	// and should be retried with a fresh read.
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrContention surfaces after the bounded retry budget for version
	// conflicts is exhausted.
	ErrContention = errors.New("wallet contention")

	// ErrNotReversible occurs when reversing a transaction that is not
	// COMPLETED or has already been reversed.
	ErrNotReversible = errors.New("transaction not reversible")

	// ErrTransactionNotFound occurs when no transaction matches the lookup.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionNotPending indicates a terminal transition was attempted
	// on a row that already reached a terminal status.
	ErrTransactionNotPending = errors.New("transaction not pending")

	// ErrUnknownGatewayTransaction occurs when a gateway callback references
	// an id the ledger never issued a pending credit for.
	ErrUnknownGatewayTransaction = errors.New("unknown gateway transaction")

	// ErrGatewayResultConflict occurs when a gateway callback reports an
	// outcome that contradicts an earlier callback for the same id. It is
	// surfaced for manual reconciliation, never auto-resolved.
	ErrGatewayResultConflict = errors.New("conflicting gateway result")

	// ErrCurrencyMismatch occurs when a transaction amount is denominated in
	// a currency other than the wallet's.
	ErrCurrencyMismatch = errors.New("transaction currency does not match wallet")
)
