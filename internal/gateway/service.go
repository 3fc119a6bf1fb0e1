package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/kanza-pay/kanza_pay/internal/ledger"
	"github.com/kanza-pay/kanza_pay/internal/money"
)

// Service bridges the external payment gateway and the ledger: it opens
// pending gateway credits and translates webhook deliveries into idempotent
// ApplyGatewayResult calls.
type Service struct {
	ledger   *ledger.Service
	provider Provider
	secret   []byte
	logger   *slog.Logger
}

// NewService builds the gateway service. A nil provider falls back to the
// static stub.
func NewService(ledgerSvc *ledger.Service, provider Provider, webhookSecret string, logger *slog.Logger) (*Service, error) {
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if provider == nil {
		provider = StaticProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerSvc, provider: provider, secret: []byte(webhookSecret), logger: logger}, nil
}

// TopUpInput captures a wallet top-up request routed through the gateway.
type TopUpInput struct {
	OwnerID        string
	Amount         string
	Method         string
	IdempotencyKey string
	Description    string
}

// TopUp authorizes a top-up with the provider and records the PENDING
// credit. The wallet balance moves only when the provider's webhook later
// confirms.
func (s *Service) TopUp(ctx context.Context, in TopUpInput) (ledger.Transaction, error) {
	w, err := s.ledger.GetWallet(ctx, in.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := money.Parse(in.Amount, w.Currency)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("%w: amount must be positive", money.ErrInvalidAmount)
	}

	decision, err := s.provider.InitiateTopUp(ctx, TopUpAuthorization{
		OwnerID:     in.OwnerID,
		AmountMinor: amount.Amount(),
		Currency:    amount.Currency(),
		Method:      in.Method,
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("initiate top-up: %w", err)
	}

	pending, err := s.ledger.BeginGatewayCredit(ctx, ledger.GatewayCreditInput{
		OwnerID:              in.OwnerID,
		Amount:               amount,
		GatewayTransactionID: decision.GatewayTransactionID,
		IdempotencyKey:       in.IdempotencyKey,
		Description:          in.Description,
		Metadata:             map[string]string{"method": in.Method, "provider_status": decision.Status},
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info("gateway top-up opened",
		slog.String("gateway_transaction_id", decision.GatewayTransactionID),
		slog.String("wallet_id", pending.WalletID),
		slog.String("amount", amount.String()))
	return pending, nil
}

// WebhookEvent is the provider's callback payload.
type WebhookEvent struct {
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Outcome              string `json:"outcome"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Reason               string `json:"reason"`
}

// HandleWebhook resolves the pending credit referenced by the event. Safe
// to call any number of times with the same event.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) (ledger.Transaction, error) {
	var outcome ledger.GatewayOutcome
	switch ev.Outcome {
	case string(ledger.GatewaySuccess):
		outcome = ledger.GatewaySuccess
	case string(ledger.GatewayFailure):
		outcome = ledger.GatewayFailure
	default:
		return ledger.Transaction{}, fmt.Errorf("unknown gateway outcome %q", ev.Outcome)
	}

	res := ledger.GatewayResult{
		GatewayTransactionID: ev.GatewayTransactionID,
		Outcome:              outcome,
		Reason:               ev.Reason,
	}
	if ev.Amount != "" {
		amount, err := money.Parse(ev.Amount, ev.Currency)
		if err != nil {
			return ledger.Transaction{}, err
		}
		res.Amount = amount
	}

	return s.ledger.ApplyGatewayResult(ctx, res)
}

// VerifySignature checks the HMAC-SHA256 hex signature the provider attaches
// to each webhook delivery. Verification is skipped when no secret is
// configured (dev mode).
func (s *Service) VerifySignature(payload []byte, signature string) bool {
	if len(s.secret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
