package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kanza-pay/kanza_pay/internal/ledger"
)

// RegisterWalletRoutes wires wallet and transaction endpoints.
func RegisterWalletRoutes(r fiber.Router, h *ledger.Handler) {
	r.Post("/wallets", h.CreateWallet)
	r.Get("/wallets/:ownerId", h.GetWallet)
	r.Post("/wallets/:ownerId/credit", h.Credit)
	r.Post("/wallets/:ownerId/debit", h.Debit)
	r.Patch("/wallets/:walletId/status", h.SetStatus)
	r.Get("/wallets/:walletId/transactions", h.ListTransactions)
	r.Post("/transactions/:transactionId/reverse", h.Reverse)
}
