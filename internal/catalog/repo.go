package catalog

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

// Repository persists restaurants and their menus.
type Repository struct {
	base repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{base: repo.NewBase(db)}
}

func (r *Repository) CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	return r.base.DB(ctx).Create(restaurant).Error
}

func (r *Repository) FindRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	var restaurant models.Restaurant
	if err := r.base.DB(ctx).First(&restaurant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &restaurant, nil
}

func (r *Repository) ListRestaurants(ctx context.Context, input ListRestaurantsInput) ([]models.Restaurant, error) {
	scope, err := pagination.Scope(pagination.Params{Limit: input.Limit, Cursor: input.Cursor}, "restaurants")
	if err != nil {
		return nil, err
	}
	query := r.base.DB(ctx).Model(&models.Restaurant{})
	if input.OwnerID != nil {
		query = query.Where("owner_id = ?", *input.OwnerID)
	}
	if input.OpenOnly {
		query = query.Where("is_open = ?", true)
	}
	var rows []models.Restaurant
	if err := query.Scopes(scope).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) CreateMenuItem(ctx context.Context, item *models.MenuItem) error {
	return r.base.DB(ctx).Create(item).Error
}

func (r *Repository) FindMenuItem(ctx context.Context, restaurantID, itemID uuid.UUID) (*models.MenuItem, error) {
	var item models.MenuItem
	err := r.base.DB(ctx).
		Where("id = ? AND restaurant_id = ?", itemID, restaurantID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateMenuItem applies column updates and returns the refreshed row.
func (r *Repository) UpdateMenuItem(ctx context.Context, item *models.MenuItem, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.base.DB(ctx).Model(item).Updates(updates).Error
}

func (r *Repository) ListMenuItems(ctx context.Context, restaurantID uuid.UUID, availableOnly bool) ([]models.MenuItem, error) {
	query := r.base.DB(ctx).Where("restaurant_id = ?", restaurantID)
	if availableOnly {
		query = query.Where("is_available = ?", true)
	}
	var items []models.MenuItem
	if err := query.Order("name ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
