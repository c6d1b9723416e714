package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

var errNotInitialized = errors.New("stripe client not initialized")

// IntentParams describes a payment intent for one order.
type IntentParams struct {
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// CreatePaymentIntent opens a card intent with automatic payment methods.
func (c *Client) CreatePaymentIntent(ctx context.Context, p IntentParams) (*stripe.PaymentIntent, error) {
	if c == nil || c.api == nil {
		return nil, errNotInitialized
	}
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if c.descriptorSuffix != "" {
		params.StatementDescriptorSuffix = stripe.String(c.descriptorSuffix)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	return c.api.V1PaymentIntents.Create(ctx, params)
}

// GetPaymentIntent reads the current state of an intent.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	if c == nil || c.api == nil {
		return nil, errNotInitialized
	}
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")
	return c.api.V1PaymentIntents.Retrieve(ctx, id, params)
}

// CreateRefund refunds amountCents of the intent's captured charge.
func (c *Client) CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*stripe.Refund, error) {
	if c == nil || c.api == nil {
		return nil, errNotInitialized
	}
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amountCents),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	return c.api.V1Refunds.Create(ctx, params)
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
func (c *Client) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	if c == nil {
		return stripe.Event{}, errNotInitialized
	}
	return webhook.ConstructEventWithOptions(payload, signature, c.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
