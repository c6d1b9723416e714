package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// Outcome is the terminal reading of a provider intent.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Intent is the provider-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Outcome      Outcome
	ChargeID     string
	ErrorCode    string
	ErrorMessage string
}

type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       enums.Currency
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundResult struct {
	ID     string
	Status string
}

// WebhookEvent is a verified provider notification about an intent.
type WebhookEvent struct {
	ID     string
	Type   string
	Intent *Intent
}

// Provider is the payment gateway capability.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (*RefundResult, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// toMinorUnits converts a two-decimal amount into cents.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
