package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// OrderCreatedEvent announces a new pending order to the restaurant.
type OrderCreatedEvent struct {
	OrderID           uuid.UUID           `json:"order_id"`
	CustomerID        uuid.UUID           `json:"customer_id"`
	CustomerName      string              `json:"customer_name"`
	RestaurantID      uuid.UUID           `json:"restaurant_id"`
	RestaurantName    string              `json:"restaurant_name"`
	RestaurantOwnerID uuid.UUID           `json:"restaurant_owner_id"`
	TotalAmount       decimal.Decimal     `json:"total_amount"`
	PaymentMethod     enums.PaymentMethod `json:"payment_method"`
	ItemCount         int                 `json:"item_count"`
}

// OrderStatusChangedEvent is emitted for every accepted transition other than
// cancellation.
type OrderStatusChangedEvent struct {
	OrderID           uuid.UUID         `json:"order_id"`
	CustomerID        uuid.UUID         `json:"customer_id"`
	RestaurantID      uuid.UUID         `json:"restaurant_id"`
	RestaurantName    string            `json:"restaurant_name"`
	RestaurantOwnerID uuid.UUID         `json:"restaurant_owner_id"`
	From              enums.OrderStatus `json:"from"`
	To                enums.OrderStatus `json:"to"`
	DeliveryAddress   types.Address     `json:"delivery_address"`
	Instructions      string            `json:"delivery_instructions,omitempty"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	ChangedAt         time.Time         `json:"changed_at"`
}

// OrderCancelledEvent is emitted when an order enters cancelled.
type OrderCancelledEvent struct {
	OrderID           uuid.UUID         `json:"order_id"`
	CustomerID        uuid.UUID         `json:"customer_id"`
	RestaurantID      uuid.UUID         `json:"restaurant_id"`
	RestaurantName    string            `json:"restaurant_name"`
	RestaurantOwnerID uuid.UUID         `json:"restaurant_owner_id"`
	From              enums.OrderStatus `json:"from"`
	CancelledBy       enums.Role        `json:"cancelled_by"`
	Reason            string            `json:"reason"`
	CancelledAt       time.Time         `json:"cancelled_at"`
}

// PaymentEvent covers payment_succeeded, payment_failed and payment_refunded.
type PaymentEvent struct {
	PaymentID         uuid.UUID           `json:"payment_id"`
	OrderID           uuid.UUID           `json:"order_id"`
	CustomerID        uuid.UUID           `json:"customer_id"`
	RestaurantOwnerID uuid.UUID           `json:"restaurant_owner_id"`
	Amount            decimal.Decimal     `json:"amount"`
	RefundedAmount    decimal.Decimal     `json:"refunded_amount"`
	Currency          enums.Currency      `json:"currency"`
	Status            enums.PaymentStatus `json:"status"`
	ErrorCode         string              `json:"error_code,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
}

// DeliveryEvent covers delivery_created, delivery_assigned and
// delivery_status_changed.
type DeliveryEvent struct {
	DeliveryID        uuid.UUID            `json:"delivery_id"`
	OrderID           uuid.UUID            `json:"order_id"`
	CustomerID        uuid.UUID            `json:"customer_id"`
	RestaurantOwnerID uuid.UUID            `json:"restaurant_owner_id"`
	DeliveryPersonID  *uuid.UUID           `json:"delivery_person_id,omitempty"`
	Status            enums.DeliveryStatus `json:"status"`
	Note              string               `json:"note,omitempty"`
	PickupAddress     string               `json:"pickup_address,omitempty"`
}
