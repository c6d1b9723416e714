package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Order is one customer purchase request. Customer and restaurant fields are
// snapshots taken at creation time and are never refreshed.
type Order struct {
	ID                   uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	CustomerID           uuid.UUID                `gorm:"column:customer_id;type:uuid;not null;index"`
	CustomerName         string                   `gorm:"column:customer_name;not null"`
	CustomerEmail        string                   `gorm:"column:customer_email;not null"`
	RestaurantID         uuid.UUID                `gorm:"column:restaurant_id;type:uuid;not null;index"`
	RestaurantName       string                   `gorm:"column:restaurant_name;not null"`
	RestaurantOwnerID    uuid.UUID                `gorm:"column:restaurant_owner_id;type:uuid;not null;index"`
	TotalAmount          decimal.Decimal          `gorm:"column:total_amount;type:numeric(12,2);not null"`
	Status               enums.OrderStatus        `gorm:"column:status;type:order_status;not null;index"`
	PaymentStatus        enums.OrderPaymentStatus `gorm:"column:payment_status;type:order_payment_status;not null"`
	PaymentMethod        enums.PaymentMethod      `gorm:"column:payment_method;type:payment_method;not null"`
	DeliveryAddress      types.Address            `gorm:"column:delivery_address;type:jsonb;not null"`
	DeliveryInstructions *string                  `gorm:"column:delivery_instructions"`
	CancellationReason   *string                  `gorm:"column:cancellation_reason"`
	EstimatedDeliveryAt  *time.Time               `gorm:"column:estimated_delivery_at"`
	DeliveredAt          *time.Time               `gorm:"column:delivered_at"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderLineItem `gorm:"foreignKey:OrderID;references:ID"`
}

// OrderLineItem is a priced snapshot of one menu item on an order.
type OrderLineItem struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID      uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	MenuItemID   uuid.UUID       `gorm:"column:menu_item_id;type:uuid;not null"`
	Name         string          `gorm:"column:name;not null"`
	UnitPrice    decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	Quantity     int             `gorm:"column:quantity;not null"`
	Instructions *string         `gorm:"column:instructions"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// OrderStatusHistory is the audit trail of order transitions.
type OrderStatusHistory struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	FromStatus *enums.OrderStatus `gorm:"column:from_status;type:order_status"`
	ToStatus   enums.OrderStatus  `gorm:"column:to_status;type:order_status;not null"`
	ActorID    *uuid.UUID         `gorm:"column:actor_id;type:uuid"`
	ActorRole  enums.Role         `gorm:"column:actor_role;type:user_role;not null"`
	Reason     *string            `gorm:"column:reason"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (OrderStatusHistory) TableName() string {
	return "order_status_history"
}
