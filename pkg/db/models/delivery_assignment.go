package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// DeliveryAssignment is the physical fulfillment of one order. DeliveryPersonID
// is written once, on acceptance.
type DeliveryAssignment struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID             uuid.UUID            `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	CustomerID          uuid.UUID            `gorm:"column:customer_id;type:uuid;not null"`
	RestaurantOwnerID   uuid.UUID            `gorm:"column:restaurant_owner_id;type:uuid;not null"`
	DeliveryPersonID    *uuid.UUID           `gorm:"column:delivery_person_id;type:uuid;index"`
	Status              enums.DeliveryStatus `gorm:"column:status;type:delivery_status;not null;index"`
	PickupLocation      types.Location       `gorm:"column:pickup_location;type:jsonb;not null"`
	DeliveryLocation    types.Location       `gorm:"column:delivery_location;type:jsonb;not null"`
	EstimatedDeliveryAt *time.Time           `gorm:"column:estimated_delivery_at"`
	ActualDeliveryAt    *time.Time           `gorm:"column:actual_delivery_at"`
	Notes               *string              `gorm:"column:notes"`
	TrackingLog         types.TrackingLog    `gorm:"column:tracking_log;type:jsonb;not null"`
	AcceptedAt          *time.Time           `gorm:"column:accepted_at"`
	CreatedAt           time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
