package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// CreateRestaurantInput is the body of POST /restaurants.
type CreateRestaurantInput struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Description *string        `json:"description,omitempty" validate:"omitempty,max=2000"`
	Phone       *string        `json:"phone,omitempty"`
	Address     types.Location `json:"address" validate:"required"`
	IsOpen      *bool          `json:"is_open,omitempty"`
}

// CreateMenuItemInput is the body of POST /restaurants/{id}/menu-items.
type CreateMenuItemInput struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description *string         `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Category    *string         `json:"category,omitempty"`
	IsAvailable *bool           `json:"is_available,omitempty"`
}

// UpdateMenuItemInput carries a partial menu item update.
type UpdateMenuItemInput struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Category    *string          `json:"category,omitempty"`
	IsAvailable *bool            `json:"is_available,omitempty"`
}

// ListRestaurantsInput filters the restaurant listing.
type ListRestaurantsInput struct {
	OwnerID  *uuid.UUID
	OpenOnly bool
	Limit    int
	Cursor   string
}

// RestaurantDTO is the public shape of a restaurant.
type RestaurantDTO struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     uuid.UUID      `json:"owner_id"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Phone       *string        `json:"phone,omitempty"`
	Address     types.Location `json:"address"`
	IsOpen      bool           `json:"is_open"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MenuItemDTO is the public shape of a menu item.
type MenuItemDTO struct {
	ID           uuid.UUID       `json:"id"`
	RestaurantID uuid.UUID       `json:"restaurant_id"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Category     *string         `json:"category,omitempty"`
	IsAvailable  bool            `json:"is_available"`
}

func restaurantFromModel(m models.Restaurant) RestaurantDTO {
	return RestaurantDTO{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		Description: m.Description,
		Phone:       m.Phone,
		Address:     m.Address,
		IsOpen:      m.IsOpen,
		CreatedAt:   m.CreatedAt,
	}
}

func menuItemFromModel(m models.MenuItem) MenuItemDTO {
	return MenuItemDTO{
		ID:           m.ID,
		RestaurantID: m.RestaurantID,
		Name:         m.Name,
		Description:  m.Description,
		Price:        m.Price,
		Category:     m.Category,
		IsAvailable:  m.IsAvailable,
	}
}
