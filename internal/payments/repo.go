package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

type repository struct {
	base repo.Base
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.WithTx(tx)}
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	return r.base.DB(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.base.DB(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := repo.ForUpdate(r.base.DB(ctx)).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByProviderIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.base.DB(ctx).Where("provider_intent_id = ?", intentID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var rows []models.Payment
	err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) HasCompletedForOrder(ctx context.Context, orderID, exclude uuid.UUID) (bool, error) {
	var row models.Payment
	err := r.base.DB(ctx).
		Select("id").
		Where("order_id = ? AND id <> ? AND status IN ?", orderID, exclude, []enums.PaymentStatus{
			enums.PaymentStatusCompleted,
			enums.PaymentStatusPartiallyRefunded,
			enums.PaymentStatusRefunded,
		}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) UpdateIf(ctx context.Context, id uuid.UUID, statuses []enums.PaymentStatus, updates map[string]any) (bool, error) {
	res := r.base.DB(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListCompletedBetween returns completed payments settled in [from, to),
// oldest first.
func (r *repository) ListCompletedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Payment
	err := r.base.DB(ctx).
		Where("status = ? AND completed_at >= ? AND completed_at < ?", enums.PaymentStatusCompleted, from, to).
		Order("completed_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
