package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

const defaultReconcileMinAge = 10 * time.Minute

type settlementReconciler interface {
	ReconcileSettlements(ctx context.Context, cutoff time.Time) (int, error)
}

// PaymentReconcileJobParams wires the settlement reconciliation.
type PaymentReconcileJobParams struct {
	Logger   *logger.Logger
	Payments settlementReconciler
	MinAge   time.Duration
}

// NewPaymentReconcileJob re-pushes completed payments whose order never
// recorded the paid result. Payments younger than MinAge are left to the
// webhook path.
func NewPaymentReconcileJob(params PaymentReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	minAge := params.MinAge
	if minAge <= 0 {
		minAge = defaultReconcileMinAge
	}
	return &paymentReconcileJob{
		logg:     params.Logger,
		payments: params.Payments,
		minAge:   minAge,
		now:      time.Now,
	}, nil
}

type paymentReconcileJob struct {
	logg     *logger.Logger
	payments settlementReconciler
	minAge   time.Duration
	now      func() time.Time
}

func (j *paymentReconcileJob) Name() string { return "payment-reconcile" }

func (j *paymentReconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.minAge)
	pushed, err := j.payments.ReconcileSettlements(ctx, cutoff)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"orders_settled": pushed,
	})
	if err != nil {
		return fmt.Errorf("payment reconcile: %w", err)
	}
	j.logg.Info(logCtx, "payment reconcile complete")
	return nil
}
