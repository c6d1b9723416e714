package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Payment is one attempt to collect funds for an order. Retries reuse the row
// and swap the provider intent id.
type Payment struct {
	ID                uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID              `gorm:"column:order_id;type:uuid;not null;index;uniqueIndex:idx_payments_order_settled,where:completed_at IS NOT NULL"`
	OrderAmount       decimal.Decimal        `gorm:"column:order_amount;type:numeric(12,2);not null"`
	CustomerID        uuid.UUID              `gorm:"column:customer_id;type:uuid;not null;index"`
	RestaurantID      uuid.UUID              `gorm:"column:restaurant_id;type:uuid;not null"`
	RestaurantOwnerID uuid.UUID              `gorm:"column:restaurant_owner_id;type:uuid;not null"`
	Amount            decimal.Decimal        `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency          enums.Currency         `gorm:"column:currency;type:text;not null"`
	Status            enums.PaymentStatus    `gorm:"column:status;type:payment_status;not null;index"`
	Method            enums.PaymentMethod    `gorm:"column:method;type:payment_method;not null"`
	ProviderIntentID  *string                `gorm:"column:provider_intent_id;uniqueIndex"`
	ProviderChargeID  *string                `gorm:"column:provider_charge_id"`
	RefundID          *string                `gorm:"column:refund_id"`
	RefundedAmount    decimal.Decimal        `gorm:"column:refunded_amount;type:numeric(12,2);not null;default:0"`
	ErrorCode         *string                `gorm:"column:error_code"`
	ErrorMessage      *string                `gorm:"column:error_message"`
	RetryCount        int                    `gorm:"column:retry_count;not null;default:0"`
	LastRetryAt       *time.Time             `gorm:"column:last_retry_at"`
	Analytics         types.PaymentAnalytics `gorm:"column:analytics;type:jsonb"`
	CompletedAt       *time.Time             `gorm:"column:completed_at"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

// RefundableAmount is what can still be returned to the customer.
func (p Payment) RefundableAmount() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}
