package deliveries

import (
	"time"

	"github.com/google/uuid"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// CreateAssignmentRequest is the body of POST /deliveries. Missing locations
// are filled from the restaurant and the order.
type CreateAssignmentRequest struct {
	OrderID             uuid.UUID       `json:"order_id" validate:"required"`
	PickupLocation      *types.Location `json:"pickup_location,omitempty"`
	DeliveryLocation    *types.Location `json:"delivery_location,omitempty"`
	EstimatedDeliveryAt *time.Time      `json:"estimated_delivery_at,omitempty"`
	Notes               *string         `json:"notes,omitempty" validate:"omitempty,max=500"`
}

type CreateAssignmentInput struct {
	Actor pkgAuth.Actor
	CreateAssignmentRequest
}

// AcceptRequest is the optional body of POST /deliveries/{id}/accept.
type AcceptRequest struct {
	Location *types.Point `json:"location,omitempty"`
}

type AcceptInput struct {
	Actor      pkgAuth.Actor
	DeliveryID uuid.UUID
	Location   *types.Point
}

// UpdateStatusRequest is the body of PATCH /deliveries/{id}/status.
type UpdateStatusRequest struct {
	Status   string       `json:"status" validate:"required"`
	Location *types.Point `json:"location,omitempty"`
	Note     *string      `json:"note,omitempty" validate:"omitempty,max=500"`
}

type UpdateStatusInput struct {
	Actor      pkgAuth.Actor
	DeliveryID uuid.UUID
	Status     enums.DeliveryStatus
	Location   *types.Point
	Note       string
}

type ListInput struct {
	Actor  pkgAuth.Actor
	Limit  int
	Cursor string
}

// DeliveryDTO is the API shape of a delivery assignment.
type DeliveryDTO struct {
	ID                  uuid.UUID            `json:"id"`
	OrderID             uuid.UUID            `json:"order_id"`
	CustomerID          uuid.UUID            `json:"customer_id"`
	RestaurantOwnerID   uuid.UUID            `json:"restaurant_owner_id"`
	DeliveryPersonID    *uuid.UUID           `json:"delivery_person_id,omitempty"`
	Status              enums.DeliveryStatus `json:"status"`
	PickupLocation      types.Location       `json:"pickup_location"`
	DeliveryLocation    types.Location       `json:"delivery_location"`
	EstimatedDeliveryAt *time.Time           `json:"estimated_delivery_at,omitempty"`
	ActualDeliveryAt    *time.Time           `json:"actual_delivery_at,omitempty"`
	Notes               *string              `json:"notes,omitempty"`
	TrackingLog         types.TrackingLog    `json:"tracking_log"`
	AcceptedAt          *time.Time           `json:"accepted_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func deliveryFromModel(m models.DeliveryAssignment) DeliveryDTO {
	log := m.TrackingLog
	if log == nil {
		log = types.TrackingLog{}
	}
	return DeliveryDTO{
		ID:                  m.ID,
		OrderID:             m.OrderID,
		CustomerID:          m.CustomerID,
		RestaurantOwnerID:   m.RestaurantOwnerID,
		DeliveryPersonID:    m.DeliveryPersonID,
		Status:              m.Status,
		PickupLocation:      m.PickupLocation,
		DeliveryLocation:    m.DeliveryLocation,
		EstimatedDeliveryAt: m.EstimatedDeliveryAt,
		ActualDeliveryAt:    m.ActualDeliveryAt,
		Notes:               m.Notes,
		TrackingLog:         log,
		AcceptedAt:          m.AcceptedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}
