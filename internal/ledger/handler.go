package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kanza-pay/kanza_pay/internal/money"
)

// Handler exposes wallet and ledger HTTP endpoints.
type Handler struct {
	service         *Service
	defaultCurrency string
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(service *Service, defaultCurrency string) *Handler {
	return &Handler{service: service, defaultCurrency: defaultCurrency}
}

type createWalletRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
}

type mutationRequest struct {
	Amount         string `json:"amount"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
	InitiatedBy    string `json:"initiated_by"`
}

type reverseRequest struct {
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiated_by"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type walletResponse struct {
	ID               string `json:"id"`
	OwnerID          string `json:"owner_id"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	Status           string `json:"status"`
	TotalCredited    string `json:"total_credited"`
	TotalDebited     string `json:"total_debited"`
	TransactionCount int64  `json:"transaction_count"`
}

type transactionResponse struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	WalletID       string     `json:"wallet_id"`
	Direction      string     `json:"direction"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	BalanceAfter   *string    `json:"balance_after,omitempty"`
	Status         string     `json:"status"`
	ReferenceType  string     `json:"reference_type,omitempty"`
	ReferenceID    string     `json:"reference_id,omitempty"`
	InitiatedBy    string     `json:"initiated_by"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// CreateWallet provisions a wallet for an owner.
func (h *Handler) CreateWallet(c *fiber.Ctx) error {
	var req createWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}
	w, err := h.service.CreateWallet(c.UserContext(), req.OwnerID, currency)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w))
}

// GetWallet returns the wallet summary for an owner.
func (h *Handler) GetWallet(c *fiber.Ctx) error {
	w, err := h.service.GetWallet(c.UserContext(), c.Params("ownerId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toWalletResponse(w))
}

// Credit adds funds to the owner's wallet.
func (h *Handler) Credit(c *fiber.Ctx) error {
	return h.mutate(c, DirectionCredit)
}

// Debit removes funds from the owner's wallet.
func (h *Handler) Debit(c *fiber.Ctx) error {
	return h.mutate(c, DirectionDebit)
}

func (h *Handler) mutate(c *fiber.Ctx, direction Direction) error {
	ownerID := c.Params("ownerId")
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	w, err := h.service.GetWallet(c.UserContext(), ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	amount, err := money.Parse(req.Amount, w.Currency)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	in := MutationInput{
		OwnerID:        ownerID,
		Amount:         amount,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		InitiatedBy:    Initiator(req.InitiatedBy),
	}

	var tx Transaction
	if direction == DirectionCredit {
		tx, err = h.service.Credit(c.UserContext(), in)
	} else {
		tx, err = h.service.Debit(c.UserContext(), in)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Reverse appends a counter-transaction undoing a completed transaction.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	var req reverseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	initiator := Initiator(req.InitiatedBy)
	if initiator == "" {
		initiator = InitiatorAdmin
	}
	tx, err := h.service.Reverse(c.UserContext(), c.Params("transactionId"), req.Reason, initiator)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// SetStatus freezes, reactivates, or closes a wallet.
func (h *Handler) SetStatus(c *fiber.Ctx) error {
	var req setStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	status := WalletStatus(req.Status)
	switch status {
	case WalletActive, WalletFrozen, WalletClosed:
	default:
		return fiber.NewError(http.StatusBadRequest, "status must be one of ACTIVE, FROZEN, CLOSED")
	}
	w, err := h.service.SetWalletStatus(c.UserContext(), c.Params("walletId"), status)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toWalletResponse(w))
}

// ListTransactions pages through a wallet's history.
func (h *Handler) ListTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	txs, err := h.service.ListTransactions(c.UserContext(), c.Params("walletId"), limit, offset)
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out, "limit": limit, "offset": offset})
}

func toWalletResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:               w.ID,
		OwnerID:          w.OwnerID,
		Currency:         w.Currency,
		Balance:          w.Balance.String(),
		Status:           string(w.Status),
		TotalCredited:    w.TotalCredited.String(),
		TotalDebited:     w.TotalDebited.String(),
		TransactionCount: w.TransactionCount,
	}
}

func toTransactionResponse(tx Transaction) transactionResponse {
	resp := transactionResponse{
		ID:             tx.ID,
		IdempotencyKey: tx.IdempotencyKey,
		WalletID:       tx.WalletID,
		Direction:      string(tx.Direction),
		Amount:         tx.Amount.String(),
		Currency:       tx.Amount.Currency(),
		Status:         string(tx.Status),
		ReferenceType:  tx.ReferenceType,
		ReferenceID:    tx.ReferenceID,
		InitiatedBy:    string(tx.InitiatedBy),
		FailureReason:  tx.FailureReason,
		CreatedAt:      tx.CreatedAt,
		CompletedAt:    tx.CompletedAt,
	}
	if tx.BalanceAfter != nil {
		s := tx.BalanceAfter.String()
		resp.BalanceAfter = &s
	}
	return resp
}

// toHTTPError maps ledger errors to HTTP statuses. Business rejections get
// their own message; anything else becomes a generic retryable failure.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, ErrCurrencyMismatch):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrWalletNotActive):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotReversible), errors.Is(err, ErrGatewayResultConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownGatewayTransaction):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "could not process payment, please retry")
	}
}
