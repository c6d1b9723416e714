package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

const (
	outboxRetentionDays = 14
	dlqRetentionDays    = 30
	outboxMinAttempts   = 10
)

// OutboxRetentionJobParams wires the outbox sweep. MinAttempts should match
// the publisher's dead-letter threshold. DLQ is optional; without it only the
// outbox table is swept.
type OutboxRetentionJobParams struct {
	Logger           *logger.Logger
	DB               txRunner
	Repository       outboxRetentionRepo
	DLQ              dlqRetentionRepo
	Retention        int
	DLQRetentionDays int
	MinAttempts      int
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

type dlqRetentionRepo interface {
	DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
	CountByReason(ctx context.Context, tx *gorm.DB) (map[enums.OutboxDLQErrorReason]int64, error)
}

// NewOutboxRetentionJob drops published or dead-lettered outbox rows older
// than the retention window, prunes old dead letters and reports what is
// left in the DLQ.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	return &outboxRetentionJob{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		dlq:          params.DLQ,
		retention:    orDefault(params.Retention, outboxRetentionDays),
		dlqRetention: orDefault(params.DLQRetentionDays, dlqRetentionDays),
		minAttempts:  orDefault(params.MinAttempts, outboxMinAttempts),
		now:          time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg         *logger.Logger
	db           txRunner
	repo         outboxRetentionRepo
	dlq          dlqRetentionRepo
	retention    int
	dlqRetention int
	minAttempts  int
	now          func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.AddDate(0, 0, -j.retention)
	dlqCutoff := now.AddDate(0, 0, -j.dlqRetention)

	var (
		outboxDeleted, dlqDeleted int64
		backlog                   map[enums.OutboxDLQErrorReason]int64
	)
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		if outboxDeleted, err = j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.minAttempts); err != nil {
			return fmt.Errorf("outbox rows: %w", err)
		}
		if j.dlq == nil {
			return nil
		}
		if dlqDeleted, err = j.dlq.DeleteFailedBefore(ctx, tx, dlqCutoff); err != nil {
			return fmt.Errorf("dead letters: %w", err)
		}
		if backlog, err = j.dlq.CountByReason(ctx, tx); err != nil {
			return fmt.Errorf("dead letter backlog: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}

	fields := map[string]any{
		"cutoff":           cutoff,
		"retention_days":   j.retention,
		"min_attempts":     j.minAttempts,
		"rows_deleted":     outboxDeleted,
		"dlq_rows_deleted": dlqDeleted,
	}
	for reason, count := range backlog {
		fields["dlq_"+string(reason)] = count
	}
	logCtx := j.logg.WithFields(ctx, fields)
	if len(backlog) > 0 {
		j.logg.Warn(logCtx, "dead-lettered outbox events awaiting replay")
	}
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
