package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// Repository persists payment attempts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByProviderIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	HasCompletedForOrder(ctx context.Context, orderID, exclude uuid.UUID) (bool, error)
	// UpdateIf applies updates only while the row is in one of the given
	// statuses and reports whether it did.
	UpdateIf(ctx context.Context, id uuid.UUID, statuses []enums.PaymentStatus, updates map[string]any) (bool, error)
	ListCompletedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Payment, error)
}
