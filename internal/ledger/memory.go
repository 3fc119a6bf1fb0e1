package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

type memoryWalletStore struct {
	mu      sync.RWMutex
	byID    map[string]Wallet
	byOwner map[string]string
}

// NewMemoryWalletStore creates a concurrency-safe in-memory wallet store
// with the same conditional-update semantics as the Postgres store. Useful
// for unit tests and dev mode.
func NewMemoryWalletStore() WalletStore {
	return &memoryWalletStore{
		byID:    make(map[string]Wallet),
		byOwner: make(map[string]string),
	}
}

func (s *memoryWalletStore) Get(_ context.Context, ownerID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[ownerID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return s.byID[id], nil
}

func (s *memoryWalletStore) GetByID(_ context.Context, walletID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byID[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *memoryWalletStore) CreateIfAbsent(_ context.Context, ownerID, currency string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOwner[ownerID]; ok {
		return s.byID[id], nil
	}
	w := Wallet{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Currency:      currency,
		Balance:       money.Zero(currency),
		Status:        WalletActive,
		TotalCredited: money.Zero(currency),
		TotalDebited:  money.Zero(currency),
		Version:       1,
		CreatedAt:     time.Now().UTC(),
	}
	s.byID[w.ID] = w
	s.byOwner[ownerID] = w.ID
	return w, nil
}

func (s *memoryWalletStore) ApplyDelta(_ context.Context, walletID string, direction Direction, amount money.Money, expectedVersion int64) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byID[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if w.Version != expectedVersion {
		return Wallet{}, ErrVersionConflict
	}
	if w.Status != WalletActive {
		return Wallet{}, ErrWalletNotActive
	}
	if !amount.SameCurrency(w.Balance) {
		return Wallet{}, ErrCurrencyMismatch
	}

	switch direction {
	case DirectionCredit:
		balance, err := w.Balance.Add(amount)
		if err != nil {
			return Wallet{}, err
		}
		credited, err := w.TotalCredited.Add(amount)
		if err != nil {
			return Wallet{}, err
		}
		w.Balance = balance
		w.TotalCredited = credited
	case DirectionDebit:
		balance, err := w.Balance.Sub(amount)
		if err != nil {
			return Wallet{}, ErrInsufficientFunds
		}
		debited, err := w.TotalDebited.Add(amount)
		if err != nil {
			return Wallet{}, err
		}
		w.Balance = balance
		w.TotalDebited = debited
	}

	w.TransactionCount++
	w.LastTransactionAt = time.Now().UTC()
	w.Version++
	s.byID[walletID] = w
	return w, nil
}

func (s *memoryWalletStore) SetStatus(_ context.Context, walletID string, status WalletStatus) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	w.Status = status
	w.Version++
	s.byID[walletID] = w
	return w, nil
}

type memoryTransactionStore struct {
	mu        sync.RWMutex
	byID      map[string]Transaction
	byIdemKey map[string]string
	byGateway map[string]string
	order     []string
}

// NewMemoryTransactionStore creates an in-memory transaction store enforcing
// idempotency-key uniqueness and single-shot terminal transitions.
func NewMemoryTransactionStore() TransactionStore {
	return &memoryTransactionStore{
		byID:      make(map[string]Transaction),
		byIdemKey: make(map[string]string),
		byGateway: make(map[string]string),
	}
}

func (s *memoryTransactionStore) InsertPending(_ context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIdemKey[tx.IdempotencyKey]; exists {
		return Transaction{}, ErrDuplicateIdempotencyKey
	}
	if tx.GatewayTransactionID != "" {
		if _, exists := s.byGateway[tx.GatewayTransactionID]; exists {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Status = StatusPending
	tx.CreatedAt = time.Now().UTC()

	s.byID[tx.ID] = tx
	s.byIdemKey[tx.IdempotencyKey] = tx.ID
	if tx.GatewayTransactionID != "" {
		s.byGateway[tx.GatewayTransactionID] = tx.ID
	}
	s.order = append(s.order, tx.ID)
	return tx, nil
}

func (s *memoryTransactionStore) MarkTerminal(_ context.Context, id string, status TransactionStatus, balanceAfter *money.Money, failureReason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return Transaction{}, ErrTransactionNotPending
	}

	now := time.Now().UTC()
	tx.Status = status
	tx.BalanceAfter = balanceAfter
	tx.FailureReason = failureReason
	tx.CompletedAt = &now
	s.byID[id] = tx
	return tx, nil
}

func (s *memoryTransactionStore) MarkReversed(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != StatusCompleted {
		return Transaction{}, ErrNotReversible
	}
	tx.Status = StatusReversed
	s.byID[id] = tx
	return tx, nil
}

func (s *memoryTransactionStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *memoryTransactionStore) FindByIdempotencyKey(_ context.Context, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdemKey[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.byID[id], nil
}

func (s *memoryTransactionStore) FindByGatewayID(_ context.Context, gatewayTransactionID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byGateway[gatewayTransactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.byID[id], nil
}

func (s *memoryTransactionStore) FindReversalOf(_ context.Context, originalID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		tx := s.byID[id]
		if tx.ReferenceType == ReferenceReversal && tx.ReferenceID == originalID && tx.Status != StatusFailed {
			return tx, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (s *memoryTransactionStore) ListForWallet(_ context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Transaction
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.byID[s.order[i]]
		if tx.WalletID == walletID {
			matches = append(matches, tx)
		}
	}
	if offset >= len(matches) {
		return nil, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}
