package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Repository exposes persistence helpers for notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateIfAbsent(ctx context.Context, notification *models.Notification) (bool, error)
	FindByEventAndUser(ctx context.Context, eventID, userID uuid.UUID) (*models.Notification, error)
	RecordChannels(ctx context.Context, id uuid.UUID, attempts types.ChannelAttempts) error
	List(ctx context.Context, params listParams) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (markResult, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) (bool, error)
	DeleteExpired(ctx context.Context, tx *gorm.DB, now time.Time) (int64, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

type listParams struct {
	UserID     uuid.UUID
	UnreadOnly bool
	pagination.Params
}

type markResult struct {
	Updated bool
	Found   bool
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.WithTx(tx)}
}

// CreateIfAbsent inserts the row unless the same event already produced a
// notification for the same user.
func (r *repository) CreateIfAbsent(ctx context.Context, notification *models.Notification) (bool, error) {
	res := r.base.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(notification)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) FindByEventAndUser(ctx context.Context, eventID, userID uuid.UUID) (*models.Notification, error) {
	var row models.Notification
	if err := r.base.DB(ctx).Where("event_id = ? AND user_id = ?", eventID, userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) RecordChannels(ctx context.Context, id uuid.UUID, attempts types.ChannelAttempts) error {
	return r.base.DB(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		UpdateColumn("channels", attempts).Error
}

func (r *repository) List(ctx context.Context, params listParams) ([]models.Notification, error) {
	scope, err := pagination.Scope(params.Params, "notifications")
	if err != nil {
		return nil, err
	}
	query := r.base.DB(ctx).Where("user_id = ?", params.UserID)
	if params.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}
	var rows []models.Notification
	if err := query.Scopes(scope).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (markResult, error) {
	result := r.base.DB(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", notificationID, userID).
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return markResult{}, result.Error
	}

	mark := markResult{Updated: result.RowsAffected > 0}
	if mark.Updated {
		mark.Found = true
		return mark, nil
	}

	var count int64
	if err := r.base.DB(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Count(&count).Error; err != nil {
		return markResult{}, err
	}
	mark.Found = count > 0
	return mark, nil
}

func (r *repository) MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	result := r.base.DB(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repository) Delete(ctx context.Context, userID, notificationID uuid.UUID) (bool, error) {
	res := r.base.DB(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteExpired purges rows past their expiry, read or not.
func (r *repository) DeleteExpired(ctx context.Context, tx *gorm.DB, now time.Time) (int64, error) {
	db := r.base.WithTx(tx).DB(ctx)
	res := db.Where("expires_at <= ?", now).Delete(&models.Notification{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
