package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

type repository interface {
	CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error
	FindRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error)
	ListRestaurants(ctx context.Context, input ListRestaurantsInput) ([]models.Restaurant, error)
	CreateMenuItem(ctx context.Context, item *models.MenuItem) error
	FindMenuItem(ctx context.Context, restaurantID, itemID uuid.UUID) (*models.MenuItem, error)
	UpdateMenuItem(ctx context.Context, item *models.MenuItem, updates map[string]any) error
	ListMenuItems(ctx context.Context, restaurantID uuid.UUID, availableOnly bool) ([]models.MenuItem, error)
}

// Service manages restaurants and menus.
type Service struct {
	repo repository
}

func NewService(r repository) (*Service, error) {
	if r == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	return &Service{repo: r}, nil
}

func (s *Service) CreateRestaurant(ctx context.Context, actor pkgAuth.Actor, input CreateRestaurantInput) (*RestaurantDTO, error) {
	if !actor.Is(enums.RoleRestaurantAdmin, enums.RoleAdmin) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "restaurant admin role required").
			WithDetails(map[string]any{"required_role": enums.RoleRestaurantAdmin})
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(map[string]string{"name": "is required"})
	}
	isOpen := true
	if input.IsOpen != nil {
		isOpen = *input.IsOpen
	}
	restaurant := &models.Restaurant{
		OwnerID:     actor.UserID,
		Name:        name,
		Description: input.Description,
		Phone:       input.Phone,
		Address:     input.Address,
		IsOpen:      isOpen,
	}
	if err := s.repo.CreateRestaurant(ctx, restaurant); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create restaurant")
	}
	dto := restaurantFromModel(*restaurant)
	return &dto, nil
}

func (s *Service) GetRestaurant(ctx context.Context, id uuid.UUID) (*RestaurantDTO, error) {
	restaurant, err := s.repo.FindRestaurant(ctx, id)
	if err != nil {
		return nil, repo.Classify(err, "restaurant not found", "load restaurant")
	}
	dto := restaurantFromModel(*restaurant)
	return &dto, nil
}

func (s *Service) ListRestaurants(ctx context.Context, input ListRestaurantsInput) (pagination.Page[RestaurantDTO], error) {
	rows, err := s.repo.ListRestaurants(ctx, input)
	if err != nil {
		return pagination.Page[RestaurantDTO]{}, repo.Classify(err, "", "list restaurants")
	}
	dtos := make([]RestaurantDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, restaurantFromModel(row))
	}
	return pagination.Finish(dtos, input.Limit, func(r RestaurantDTO) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	}), nil
}

func (s *Service) AddMenuItem(ctx context.Context, actor pkgAuth.Actor, restaurantID uuid.UUID, input CreateMenuItemInput) (*MenuItemDTO, error) {
	if _, err := s.ownedRestaurant(ctx, actor, restaurantID); err != nil {
		return nil, err
	}
	if input.Price.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(map[string]string{"price": "must be non-negative"})
	}
	available := true
	if input.IsAvailable != nil {
		available = *input.IsAvailable
	}
	item := &models.MenuItem{
		RestaurantID: restaurantID,
		Name:         strings.TrimSpace(input.Name),
		Description:  input.Description,
		Price:        input.Price.Round(2),
		Category:     input.Category,
		IsAvailable:  available,
	}
	if err := s.repo.CreateMenuItem(ctx, item); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create menu item")
	}
	dto := menuItemFromModel(*item)
	return &dto, nil
}

func (s *Service) UpdateMenuItem(ctx context.Context, actor pkgAuth.Actor, restaurantID, itemID uuid.UUID, input UpdateMenuItemInput) (*MenuItemDTO, error) {
	if _, err := s.ownedRestaurant(ctx, actor, restaurantID); err != nil {
		return nil, err
	}
	item, err := s.repo.FindMenuItem(ctx, restaurantID, itemID)
	if err != nil {
		return nil, repo.Classify(err, "menu item not found", "load menu item")
	}

	updates := map[string]any{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(map[string]string{"name": "cannot be blank"})
		}
		updates["name"] = name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.Price != nil {
		if input.Price.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(map[string]string{"price": "must be non-negative"})
		}
		updates["price"] = input.Price.Round(2)
	}
	if input.Category != nil {
		updates["category"] = *input.Category
	}
	if input.IsAvailable != nil {
		updates["is_available"] = *input.IsAvailable
	}
	if err := s.repo.UpdateMenuItem(ctx, item, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update menu item")
	}
	refreshed, err := s.repo.FindMenuItem(ctx, restaurantID, itemID)
	if err != nil {
		return nil, repo.Classify(err, "menu item not found", "reload menu item")
	}
	dto := menuItemFromModel(*refreshed)
	return &dto, nil
}

func (s *Service) ListMenuItems(ctx context.Context, restaurantID uuid.UUID, availableOnly bool) ([]MenuItemDTO, error) {
	if _, err := s.repo.FindRestaurant(ctx, restaurantID); err != nil {
		return nil, repo.Classify(err, "restaurant not found", "load restaurant")
	}
	items, err := s.repo.ListMenuItems(ctx, restaurantID, availableOnly)
	if err != nil {
		return nil, repo.Classify(err, "", "list menu items")
	}
	out := make([]MenuItemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, menuItemFromModel(item))
	}
	return out, nil
}

func (s *Service) ownedRestaurant(ctx context.Context, actor pkgAuth.Actor, restaurantID uuid.UUID) (*models.Restaurant, error) {
	restaurant, err := s.repo.FindRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, repo.Classify(err, "restaurant not found", "load restaurant")
	}
	if actor.Role == enums.RoleAdmin {
		return restaurant, nil
	}
	if actor.Role != enums.RoleRestaurantAdmin || restaurant.OwnerID != actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "restaurant does not belong to caller")
	}
	return restaurant, nil
}
