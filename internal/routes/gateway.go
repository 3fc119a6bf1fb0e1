package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kanza-pay/kanza_pay/internal/gateway"
)

// RegisterGatewayRoutes wires gateway top-up initiation endpoints.
func RegisterGatewayRoutes(r fiber.Router, h *gateway.Handler) {
	r.Post("/wallets/:ownerId/topup", h.TopUp)
}

// RegisterGatewayWebhookRoute wires the asynchronous gateway callback.
func RegisterGatewayWebhookRoute(r fiber.Router, h *gateway.Handler) {
	r.Post("/gateway/webhook", h.Webhook)
}
