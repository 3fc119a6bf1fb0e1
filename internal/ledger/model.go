package ledger

import (
	"time"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

// WalletStatus describes whether a wallet accepts new transactions.
type WalletStatus string

const (
	WalletActive WalletStatus = "ACTIVE"
	WalletFrozen WalletStatus = "FROZEN"
	WalletClosed WalletStatus = "CLOSED"
)

// Direction is the sign of a balance mutation. Amounts are always positive;
// the direction carries the sign.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Opposite returns the counter-direction, used when reversing a transaction.
func (d Direction) Opposite() Direction {
	if d == DirectionCredit {
		return DirectionDebit
	}
	return DirectionCredit
}

// TransactionStatus is the lifecycle state of a wallet transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

// Terminal reports whether no further transition is permitted from s,
// except the documented COMPLETED -> REVERSED status flip.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Initiator identifies which kind of actor started a transaction.
type Initiator string

const (
	InitiatorUser    Initiator = "USER"
	InitiatorSystem  Initiator = "SYSTEM"
	InitiatorAdmin   Initiator = "ADMIN"
	InitiatorGateway Initiator = "GATEWAY"
)

// Reference types linking transactions to the causing business event. The
// values are opaque to the ledger except for ReferenceReversal, which marks
// the counter-transaction created by Reverse.
const (
	ReferenceOrder        = "ORDER"
	ReferenceRefund       = "REFUND"
	ReferenceAdminAction  = "ADMIN_ACTION"
	ReferenceGatewayTopUp = "GATEWAY_TOPUP"
	ReferenceReversal     = "REVERSAL"
)

// Wallet is the per-owner stored value account. Balance always equals
// TotalCredited minus TotalDebited; both totals only move together with
// the balance inside a single ApplyDelta.
type Wallet struct {
	ID                string
	OwnerID           string
	Currency          string
	Balance           money.Money
	Status            WalletStatus
	TotalCredited     money.Money
	TotalDebited      money.Money
	TransactionCount  int64
	LastTransactionAt time.Time
	Version           int64
	CreatedAt         time.Time
}

// Transaction is one attempted balance mutation. Rows are append-only: a
// PENDING row transitions exactly once to a terminal status, and only a
// COMPLETED row may later be flipped to REVERSED by its counter-transaction.
type Transaction struct {
	ID             string
	IdempotencyKey string
	WalletID       string
	OwnerID        string
	Direction      Direction
	Amount         money.Money
	BalanceAfter   *money.Money
	Status         TransactionStatus
	ReferenceType  string
	ReferenceID    string
	InitiatedBy    Initiator
	Description    string
	FailureReason  string

	// Gateway-backed credits only.
	GatewayTransactionID string
	GatewayMetadata      map[string]string

	CreatedAt   time.Time
	CompletedAt *time.Time
}
