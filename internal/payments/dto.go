package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// CreateIntentRequest is the body of POST /payments/intents.
type CreateIntentRequest struct {
	OrderID    uuid.UUID `json:"order_id" validate:"required"`
	DeviceInfo *string   `json:"device_info,omitempty" validate:"omitempty,max=200"`
}

type CreateIntentInput struct {
	Actor          pkgAuth.Actor
	IdempotencyKey string
	ClientIP       string
	UserAgent      string
	CreateIntentRequest
}

// IntentResult is returned when a provider intent is opened for a payment.
type IntentResult struct {
	Payment          PaymentDTO `json:"payment"`
	ClientSecret     string     `json:"client_secret"`
	ProviderIntentID string     `json:"provider_intent_id"`
}

// ConfirmPaymentRequest is the body of POST /payments/confirm.
type ConfirmPaymentRequest struct {
	PaymentIntentID string    `json:"payment_intent_id" validate:"required"`
	OrderID         uuid.UUID `json:"order_id" validate:"required"`
}

type ConfirmPaymentInput struct {
	Actor pkgAuth.Actor
	ConfirmPaymentRequest
}

type RetryPaymentInput struct {
	Actor     pkgAuth.Actor
	PaymentID uuid.UUID
}

// RefundRequest is the body of POST /payments/{id}/refund. A missing amount
// refunds whatever is still refundable.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type RefundInput struct {
	Actor     pkgAuth.Actor
	PaymentID uuid.UUID
	Amount    *decimal.Decimal
}

// PaymentDTO is the API shape of a payment.
type PaymentDTO struct {
	ID               uuid.UUID           `json:"id"`
	OrderID          uuid.UUID           `json:"order_id"`
	CustomerID       uuid.UUID           `json:"customer_id"`
	Amount           decimal.Decimal     `json:"amount"`
	RefundedAmount   decimal.Decimal     `json:"refunded_amount"`
	Currency         enums.Currency      `json:"currency"`
	Status           enums.PaymentStatus `json:"status"`
	Method           enums.PaymentMethod `json:"method"`
	ProviderIntentID *string             `json:"provider_intent_id,omitempty"`
	ErrorCode        *string             `json:"error_code,omitempty"`
	ErrorMessage     *string             `json:"error_message,omitempty"`
	RetryCount       int                 `json:"retry_count"`
	LastRetryAt      *time.Time          `json:"last_retry_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func paymentFromModel(m models.Payment) PaymentDTO {
	return PaymentDTO{
		ID:               m.ID,
		OrderID:          m.OrderID,
		CustomerID:       m.CustomerID,
		Amount:           m.Amount,
		RefundedAmount:   m.RefundedAmount,
		Currency:         m.Currency,
		Status:           m.Status,
		Method:           m.Method,
		ProviderIntentID: m.ProviderIntentID,
		ErrorCode:        m.ErrorCode,
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		LastRetryAt:      m.LastRetryAt,
		CompletedAt:      m.CompletedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
