package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// PaymentResult is what the payment workflow reports back to an order.
type PaymentResult string

const (
	PaymentResultPaid     PaymentResult = "paid"
	PaymentResultFailed   PaymentResult = "failed"
	PaymentResultRefunded PaymentResult = "refunded"
)

// LineItemInput is one submitted menu item snapshot.
type LineItemInput struct {
	MenuItemID   uuid.UUID       `json:"menu_item_id" validate:"required"`
	Name         string          `json:"name" validate:"required,max=200"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity" validate:"required,min=1,max=100"`
	Instructions *string         `json:"instructions,omitempty" validate:"omitempty,max=500"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	RestaurantID         uuid.UUID           `json:"restaurant_id" validate:"required"`
	Items                []LineItemInput     `json:"items" validate:"required,min=1,dive"`
	DeliveryAddress      types.Address       `json:"delivery_address" validate:"required"`
	PaymentMethod        enums.PaymentMethod `json:"payment_method" validate:"omitempty,oneof=card cash wallet"`
	DeliveryInstructions *string             `json:"delivery_instructions,omitempty" validate:"omitempty,max=500"`
}

// CreateOrderInput couples the request with the authenticated caller.
type CreateOrderInput struct {
	Actor pkgAuth.Actor
	CreateOrderRequest
}

// UpdateStatusRequest is the body of PATCH /orders/{id}/status.
type UpdateStatusRequest struct {
	Status string  `json:"status" validate:"required"`
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type UpdateStatusInput struct {
	Actor   pkgAuth.Actor
	OrderID uuid.UUID
	Status  enums.OrderStatus
	Reason  string
}

// CancelOrderRequest is the body of POST /orders/{id}/cancel.
type CancelOrderRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type CancelOrderInput struct {
	Actor   pkgAuth.Actor
	OrderID uuid.UUID
	Reason  string
}

// ApplyPaymentRequest is the body of PUT /internal/v1/orders/{id}/payment.
type ApplyPaymentRequest struct {
	Result    PaymentResult `json:"result" validate:"required,oneof=paid failed refunded"`
	PaymentID *uuid.UUID    `json:"payment_id,omitempty"`
}

type ApplyPaymentInput struct {
	Actor   pkgAuth.Actor
	OrderID uuid.UUID
	ApplyPaymentRequest
}

// ListOrdersInput carries caller scope plus the optional filters.
type ListOrdersInput struct {
	Actor       pkgAuth.Actor
	Status      *enums.OrderStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Cursor      string
}

// ListFilters is the repository view of a listing.
type ListFilters struct {
	CustomerID        *uuid.UUID
	RestaurantOwnerID *uuid.UUID
	RestaurantID      *uuid.UUID
	Status            *enums.OrderStatus
	CreatedFrom       *time.Time
	CreatedTo         *time.Time
}

type LineItemDTO struct {
	ID           uuid.UUID       `json:"id"`
	MenuItemID   uuid.UUID       `json:"menu_item_id"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	Instructions *string         `json:"instructions,omitempty"`
}

// OrderDTO is the API shape of an order.
type OrderDTO struct {
	ID                   uuid.UUID                `json:"id"`
	CustomerID           uuid.UUID                `json:"customer_id"`
	CustomerName         string                   `json:"customer_name"`
	CustomerEmail        string                   `json:"customer_email"`
	RestaurantID         uuid.UUID                `json:"restaurant_id"`
	RestaurantName       string                   `json:"restaurant_name"`
	RestaurantOwnerID    uuid.UUID                `json:"restaurant_owner_id"`
	Items                []LineItemDTO            `json:"items"`
	TotalAmount          decimal.Decimal          `json:"total_amount"`
	Status               enums.OrderStatus        `json:"status"`
	PaymentStatus        enums.OrderPaymentStatus `json:"payment_status"`
	PaymentMethod        enums.PaymentMethod      `json:"payment_method"`
	DeliveryAddress      types.Address            `json:"delivery_address"`
	DeliveryInstructions *string                  `json:"delivery_instructions,omitempty"`
	CancellationReason   *string                  `json:"cancellation_reason,omitempty"`
	EstimatedDeliveryAt  *time.Time               `json:"estimated_delivery_at,omitempty"`
	DeliveredAt          *time.Time               `json:"delivered_at,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

// HistoryDTO is one audit row of an order's status changes.
type HistoryDTO struct {
	From      *enums.OrderStatus `json:"from,omitempty"`
	To        enums.OrderStatus  `json:"to"`
	ActorID   *uuid.UUID         `json:"actor_id,omitempty"`
	ActorRole enums.Role         `json:"actor_role"`
	Reason    *string            `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

func orderFromModel(m models.Order) OrderDTO {
	items := make([]LineItemDTO, 0, len(m.Items))
	for _, item := range m.Items {
		items = append(items, LineItemDTO{
			ID:           item.ID,
			MenuItemID:   item.MenuItemID,
			Name:         item.Name,
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
			Instructions: item.Instructions,
		})
	}
	return OrderDTO{
		ID:                   m.ID,
		CustomerID:           m.CustomerID,
		CustomerName:         m.CustomerName,
		CustomerEmail:        m.CustomerEmail,
		RestaurantID:         m.RestaurantID,
		RestaurantName:       m.RestaurantName,
		RestaurantOwnerID:    m.RestaurantOwnerID,
		Items:                items,
		TotalAmount:          m.TotalAmount,
		Status:               m.Status,
		PaymentStatus:        m.PaymentStatus,
		PaymentMethod:        m.PaymentMethod,
		DeliveryAddress:      m.DeliveryAddress,
		DeliveryInstructions: m.DeliveryInstructions,
		CancellationReason:   m.CancellationReason,
		EstimatedDeliveryAt:  m.EstimatedDeliveryAt,
		DeliveredAt:          m.DeliveredAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func historyFromModel(m models.OrderStatusHistory) HistoryDTO {
	return HistoryDTO{
		From:      m.FromStatus,
		To:        m.ToStatus,
		ActorID:   m.ActorID,
		ActorRole: m.ActorRole,
		Reason:    m.Reason,
		At:        m.CreatedAt,
	}
}
