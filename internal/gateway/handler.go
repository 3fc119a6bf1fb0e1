package gateway

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/kanza-pay/kanza_pay/internal/ledger"
	"github.com/kanza-pay/kanza_pay/internal/money"
)

const signatureHeader = "X-Gateway-Signature"

// Handler exposes HTTP endpoints for gateway-backed top-ups and the
// provider's webhook.
type Handler struct {
	service *Service
}

// NewHandler constructs a gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// TopUpRequest captures user-provided data to fund a wallet via the gateway.
type TopUpRequest struct {
	Amount         string `json:"amount"`
	Method         string `json:"method"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

// TopUpResponse represents the API response for an opened top-up.
type TopUpResponse struct {
	TransactionID        string `json:"transaction_id"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Status               string `json:"status"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
}

// TopUp opens a gateway-backed credit for the wallet owner.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	ownerID := c.Params("ownerId")
	var req TopUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	pending, err := h.service.TopUp(c.UserContext(), TopUpInput{
		OwnerID:        ownerID,
		Amount:         req.Amount,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, money.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrWalletNotActive):
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		default:
			return fiber.NewError(http.StatusBadGateway, err.Error())
		}
	}

	return c.Status(http.StatusAccepted).JSON(TopUpResponse{
		TransactionID:        pending.ID,
		GatewayTransactionID: pending.GatewayTransactionID,
		Status:               string(pending.Status),
		Amount:               pending.Amount.String(),
		Currency:             pending.Amount.Currency(),
	})
}

// Webhook receives the provider's asynchronous confirmation. Replays answer
// 200, contradictory outcomes answer 409 for manual reconciliation.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	body := c.Body()
	if !h.service.VerifySignature(body, c.Get(signatureHeader)) {
		return fiber.NewError(http.StatusUnauthorized, "invalid webhook signature")
	}

	var ev WebhookEvent
	if err := c.BodyParser(&ev); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	tx, err := h.service.HandleWebhook(c.UserContext(), ev)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrUnknownGatewayTransaction):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrGatewayResultConflict):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, money.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, "could not process gateway result")
		}
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transaction_id": tx.ID,
		"status":         string(tx.Status),
	})
}
