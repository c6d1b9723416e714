package deliveries

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

// Repository persists delivery assignments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// CreateIfAbsent inserts the assignment unless one exists for the order
	// and reports whether this call created it.
	CreateIfAbsent(ctx context.Context, assignment *models.DeliveryAssignment) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.DeliveryAssignment, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.DeliveryAssignment, error)
	// Assign sets the delivery person only while the assignment is pending and
	// unassigned.
	Assign(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error)
	UpdateIf(ctx context.Context, id uuid.UUID, current enums.DeliveryStatus, updates map[string]any) (bool, error)
	ListAvailable(ctx context.Context, params pagination.Params) ([]models.DeliveryAssignment, error)
	ListByPerson(ctx context.Context, personID uuid.UUID, params pagination.Params) ([]models.DeliveryAssignment, error)
}

type repository struct {
	base repo.Base
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.WithTx(tx)}
}

func (r *repository) CreateIfAbsent(ctx context.Context, assignment *models.DeliveryAssignment) (bool, error) {
	res := r.base.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(assignment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.DeliveryAssignment, error) {
	var row models.DeliveryAssignment
	if err := r.base.DB(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.DeliveryAssignment, error) {
	var row models.DeliveryAssignment
	if err := r.base.DB(ctx).Where("order_id = ?", orderID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) Assign(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	res := r.base.DB(ctx).
		Model(&models.DeliveryAssignment{}).
		Where("id = ? AND delivery_person_id IS NULL AND status = ?", id, enums.DeliveryStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateIf(ctx context.Context, id uuid.UUID, current enums.DeliveryStatus, updates map[string]any) (bool, error) {
	res := r.base.DB(ctx).
		Model(&models.DeliveryAssignment{}).
		Where("id = ? AND status = ?", id, current).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListAvailable(ctx context.Context, params pagination.Params) ([]models.DeliveryAssignment, error) {
	scope, err := pagination.Scope(params, "delivery_assignments")
	if err != nil {
		return nil, err
	}
	var rows []models.DeliveryAssignment
	err = r.base.DB(ctx).
		Where("status = ? AND delivery_person_id IS NULL", enums.DeliveryStatusPending).
		Scopes(scope).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListByPerson(ctx context.Context, personID uuid.UUID, params pagination.Params) ([]models.DeliveryAssignment, error) {
	scope, err := pagination.Scope(params, "delivery_assignments")
	if err != nil {
		return nil, err
	}
	var rows []models.DeliveryAssignment
	err = r.base.DB(ctx).
		Where("delivery_person_id = ?", personID).
		Scopes(scope).
		Find(&rows).Error
	return rows, err
}
