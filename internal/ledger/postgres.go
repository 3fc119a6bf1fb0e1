package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

const uniqueViolation = "23505"

// PostgresWalletStore persists wallets in PostgreSQL with optimistic
// concurrency on a version column.
type PostgresWalletStore struct {
	db *pgxpool.Pool
}

// NewPostgresWalletStore constructs a Postgres-backed wallet store.
func NewPostgresWalletStore(db *pgxpool.Pool) *PostgresWalletStore {
	return &PostgresWalletStore{db: db}
}

const walletColumns = `id, owner_id, currency, balance, status, total_credited, total_debited,
        transaction_count, last_transaction_at, version, created_at`

// Get fetches the wallet owned by ownerID.
func (s *PostgresWalletStore) Get(ctx context.Context, ownerID string) (Wallet, error) {
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, owner)
	return scanWallet(row)
}

// GetByID fetches a wallet by its identifier.
func (s *PostgresWalletStore) GetByID(ctx context.Context, walletID string) (Wallet, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

// CreateIfAbsent provisions a wallet for the owner; the unique constraint on
// owner_id makes concurrent creation safe.
func (s *PostgresWalletStore) CreateIfAbsent(ctx context.Context, ownerID, currency string) (Wallet, error) {
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	_, err = s.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, currency, balance, status, total_credited,
            total_debited, transaction_count, version, created_at)
        VALUES ($1, $2, $3, 0, $4, 0, 0, 0, 1, $5)
        ON CONFLICT (owner_id) DO NOTHING`,
		uuid.New(), owner, currency, string(WalletActive), time.Now().UTC())
	if err != nil {
		return Wallet{}, err
	}
	return s.Get(ctx, ownerID)
}

// ApplyDelta performs the single conditional update that moves balance and
// the matching lifetime total together. Zero rows means a guard failed; a
// follow-up read distinguishes which precondition broke.
func (s *PostgresWalletStore) ApplyDelta(ctx context.Context, walletID string, direction Direction, amount money.Money, expectedVersion int64) (Wallet, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}

	var query string
	switch direction {
	case DirectionCredit:
		query = `UPDATE wallets
            SET balance = balance + $3,
                total_credited = total_credited + $3,
                transaction_count = transaction_count + 1,
                last_transaction_at = now(),
                version = version + 1
            WHERE id = $1 AND version = $2 AND status = 'ACTIVE'
            RETURNING ` + walletColumns
	case DirectionDebit:
		query = `UPDATE wallets
            SET balance = balance - $3,
                total_debited = total_debited + $3,
                transaction_count = transaction_count + 1,
                last_transaction_at = now(),
                version = version + 1
            WHERE id = $1 AND version = $2 AND status = 'ACTIVE' AND balance >= $3
            RETURNING ` + walletColumns
	default:
		return Wallet{}, errors.New("unknown direction")
	}

	row := s.db.QueryRow(ctx, query, id, expectedVersion, amount.Amount())
	w, err := scanWallet(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}

	current, readErr := s.GetByID(ctx, walletID)
	if readErr != nil {
		return Wallet{}, readErr
	}
	switch {
	case current.Version != expectedVersion:
		return Wallet{}, ErrVersionConflict
	case current.Status != WalletActive:
		return Wallet{}, ErrWalletNotActive
	default:
		return Wallet{}, ErrInsufficientFunds
	}
}

// SetStatus transitions the wallet lifecycle status.
func (s *PostgresWalletStore) SetStatus(ctx context.Context, walletID string, status WalletStatus) (Wallet, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	row := s.db.QueryRow(ctx, `UPDATE wallets SET status = $2, version = version + 1
        WHERE id = $1 RETURNING `+walletColumns, id, string(status))
	return scanWallet(row)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		id, owner uuid.UUID
		balance   int64
		credited  int64
		debited   int64
		status    string
		lastTxAt  *time.Time
		createdAt time.Time
	)
	err := row.Scan(&id, &owner, &w.Currency, &balance, &status, &credited, &debited,
		&w.TransactionCount, &lastTxAt, &w.Version, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.ID = id.String()
	w.OwnerID = owner.String()
	w.Status = WalletStatus(status)
	if w.Balance, err = money.New(balance, w.Currency); err != nil {
		return Wallet{}, err
	}
	if w.TotalCredited, err = money.New(credited, w.Currency); err != nil {
		return Wallet{}, err
	}
	if w.TotalDebited, err = money.New(debited, w.Currency); err != nil {
		return Wallet{}, err
	}
	if lastTxAt != nil {
		w.LastTransactionAt = lastTxAt.UTC()
	}
	w.CreatedAt = createdAt.UTC()
	return w, nil
}

// PostgresTransactionStore persists the append-only transaction history.
// Unique indexes on idempotency_key and gateway_transaction_id reject
// concurrent duplicate inserts at the storage layer.
type PostgresTransactionStore struct {
	db *pgxpool.Pool
}

// NewPostgresTransactionStore constructs a Postgres-backed transaction store.
func NewPostgresTransactionStore(db *pgxpool.Pool) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

const txColumns = `id, idempotency_key, wallet_id, owner_id, direction, amount, currency,
        balance_after, status, reference_type, reference_id, initiated_by, description,
        COALESCE(failure_reason, ''), gateway_transaction_id,
        COALESCE(gateway_metadata, '{}'::jsonb), created_at, completed_at`

// InsertPending appends a PENDING row.
func (s *PostgresTransactionStore) InsertPending(ctx context.Context, tx Transaction) (Transaction, error) {
	id := uuid.New()
	if tx.ID != "" {
		parsed, err := uuid.Parse(tx.ID)
		if err != nil {
			return Transaction{}, err
		}
		id = parsed
	}
	walletID, err := uuid.Parse(tx.WalletID)
	if err != nil {
		return Transaction{}, err
	}
	ownerID, err := uuid.Parse(tx.OwnerID)
	if err != nil {
		return Transaction{}, err
	}

	var gatewayID *string
	if tx.GatewayTransactionID != "" {
		gatewayID = &tx.GatewayTransactionID
	}
	var metadata map[string]string
	if len(tx.GatewayMetadata) > 0 {
		metadata = tx.GatewayMetadata
	}

	row := s.db.QueryRow(ctx, `INSERT INTO wallet_transactions
            (id, idempotency_key, wallet_id, owner_id, direction, amount, currency, status,
             reference_type, reference_id, initiated_by, description, gateway_transaction_id,
             gateway_metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        RETURNING `+txColumns,
		id, tx.IdempotencyKey, walletID, ownerID, string(tx.Direction), tx.Amount.Amount(),
		tx.Amount.Currency(), string(StatusPending), tx.ReferenceType, tx.ReferenceID,
		string(tx.InitiatedBy), tx.Description, gatewayID, metadata, time.Now().UTC())

	inserted, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
		return Transaction{}, err
	}
	return inserted, nil
}

// MarkTerminal transitions a PENDING row exactly once; the status guard in
// the WHERE clause makes the transition single-shot under concurrent
// duplicate deliveries.
func (s *PostgresTransactionStore) MarkTerminal(ctx context.Context, id string, status TransactionStatus, balanceAfter *money.Money, failureReason string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	var after *int64
	if balanceAfter != nil {
		v := balanceAfter.Amount()
		after = &v
	}
	row := s.db.QueryRow(ctx, `UPDATE wallet_transactions
        SET status = $2, balance_after = $3, failure_reason = $4, completed_at = now()
        WHERE id = $1 AND status = 'PENDING'
        RETURNING `+txColumns, txID, string(status), after, failureReason)
	updated, err := scanTransaction(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return Transaction{}, getErr
	}
	return Transaction{}, ErrTransactionNotPending
}

// MarkReversed flips a COMPLETED row to REVERSED.
func (s *PostgresTransactionStore) MarkReversed(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	row := s.db.QueryRow(ctx, `UPDATE wallet_transactions SET status = $2
        WHERE id = $1 AND status = 'COMPLETED'
        RETURNING `+txColumns, txID, string(StatusReversed))
	updated, err := scanTransaction(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return Transaction{}, getErr
	}
	return Transaction{}, ErrNotReversible
}

// Get fetches a transaction by id.
func (s *PostgresTransactionStore) Get(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, txID)
	return scanTransaction(row)
}

// FindByIdempotencyKey resolves the transaction recorded for a key.
func (s *PostgresTransactionStore) FindByIdempotencyKey(ctx context.Context, key string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

// FindByGatewayID resolves a gateway-backed credit by the provider's id.
func (s *PostgresTransactionStore) FindByGatewayID(ctx context.Context, gatewayTransactionID string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE gateway_transaction_id = $1`, gatewayTransactionID)
	return scanTransaction(row)
}

// FindReversalOf returns the non-failed counter-transaction for an original
// transaction id.
func (s *PostgresTransactionStore) FindReversalOf(ctx context.Context, originalID string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE reference_type = $1 AND reference_id = $2 AND status <> $3
        LIMIT 1`, ReferenceReversal, originalID, string(StatusFailed))
	return scanTransaction(row)
}

// ListForWallet pages through a wallet's history, newest first.
func (s *PostgresTransactionStore) ListForWallet(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return nil, ErrWalletNotFound
	}
	rows, err := s.db.Query(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx           Transaction
		id, walletID uuid.UUID
		ownerID      uuid.UUID
		direction    string
		amount       int64
		currency     string
		balanceAfter *int64
		status       string
		initiatedBy  string
		gatewayID    *string
		metadata     map[string]string
		createdAt    time.Time
		completedAt  *time.Time
	)
	err := row.Scan(&id, &tx.IdempotencyKey, &walletID, &ownerID, &direction, &amount,
		&currency, &balanceAfter, &status, &tx.ReferenceType, &tx.ReferenceID,
		&initiatedBy, &tx.Description, &tx.FailureReason, &gatewayID, &metadata,
		&createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}

	tx.ID = id.String()
	tx.WalletID = walletID.String()
	tx.OwnerID = ownerID.String()
	tx.Direction = Direction(direction)
	tx.Status = TransactionStatus(status)
	tx.InitiatedBy = Initiator(initiatedBy)
	if tx.Amount, err = money.New(amount, currency); err != nil {
		return Transaction{}, err
	}
	if balanceAfter != nil {
		after, err := money.New(*balanceAfter, currency)
		if err != nil {
			return Transaction{}, err
		}
		tx.BalanceAfter = &after
	}
	if gatewayID != nil {
		tx.GatewayTransactionID = *gatewayID
	}
	tx.GatewayMetadata = metadata
	tx.CreatedAt = createdAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		tx.CompletedAt = &t
	}
	return tx, nil
}
