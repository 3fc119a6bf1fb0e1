package gateway

import (
	"context"

	"github.com/google/uuid"
)

// Provider represents a connector to an external payment gateway.
type Provider interface {
	InitiateTopUp(ctx context.Context, input TopUpAuthorization) (AuthorizationDecision, error)
}

// TopUpAuthorization encapsulates details sent to the provider when opening
// a top-up.
type TopUpAuthorization struct {
	OwnerID     string
	AmountMinor int64
	Currency    string
	Method      string
}

// AuthorizationDecision captures the provider's response. The transaction id
// is the correlation handle for later webhook callbacks and must be stored
// verbatim.
type AuthorizationDecision struct {
	GatewayTransactionID string
	Status               string
}

// StaticProvider simulates a provider that accepts every top-up. Useful in
// dev mode and tests.
type StaticProvider struct{}

// InitiateTopUp accepts the request with a synthetic transaction id.
func (StaticProvider) InitiateTopUp(_ context.Context, _ TopUpAuthorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{GatewayTransactionID: uuid.NewString(), Status: "accepted"}, nil
}
