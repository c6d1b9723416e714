package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	pkgstripe "github.com/angelmondragon/grubhaul-backend/pkg/stripe"
)

type stripeAPI interface {
	CreatePaymentIntent(ctx context.Context, p pkgstripe.IntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*stripe.Refund, error)
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
}

// StripeProvider adapts the Stripe client to Provider.
type StripeProvider struct {
	api stripeAPI
}

func NewStripeProvider(api stripeAPI) *StripeProvider {
	return &StripeProvider{api: api}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	pi, err := p.api.CreatePaymentIntent(ctx, pkgstripe.IntentParams{
		AmountCents:    toMinorUnits(req.Amount),
		Currency:       string(req.Currency),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	pi, err := p.api.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (*RefundResult, error) {
	refund, err := p.api.CreateRefund(ctx, intentID, toMinorUnits(amount), idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &RefundResult{ID: refund.ID, Status: string(refund.Status)}, nil
}

// ParseWebhook verifies the signature. Events other than intent outcomes come
// back with a nil Intent.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := p.api.VerifyWebhook(payload, signature)
	if err != nil {
		return nil, err
	}
	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		if event.Data == nil {
			return nil, fmt.Errorf("stripe event %s has no data", event.ID)
		}
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = intentFromStripe(&pi)
		if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
			out.Intent.Outcome = OutcomeFailed
		}
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	if pi == nil {
		return &Intent{Outcome: OutcomePending}
	}
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Outcome:      OutcomePending,
	}
	if pi.LatestCharge != nil {
		intent.ChargeID = pi.LatestCharge.ID
	}
	if pi.LastPaymentError != nil {
		intent.ErrorCode = string(pi.LastPaymentError.Code)
		intent.ErrorMessage = pi.LastPaymentError.Msg
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		intent.Outcome = OutcomeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		intent.Outcome = OutcomeFailed
		if intent.ErrorCode == "" {
			intent.ErrorCode = "canceled"
			intent.ErrorMessage = string(pi.CancellationReason)
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// Stripe returns here after a declined attempt.
		if pi.LastPaymentError != nil {
			intent.Outcome = OutcomeFailed
		}
	}
	return intent
}
