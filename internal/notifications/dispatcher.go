package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

const defaultRetention = 30 * 24 * time.Hour

type attemptRecorder interface {
	NotificationAttempt(channel, status string)
}

// Dispatcher persists the notifications an event fans out to and delivers
// each one on every configured channel.
type Dispatcher struct {
	repo      Repository
	channels  []Channel
	metrics   attemptRecorder
	logg      *logger.Logger
	retention time.Duration
	now       func() time.Time
}

type DispatcherParams struct {
	Repo      Repository
	Channels  []Channel
	Metrics   attemptRecorder
	Logger    *logger.Logger
	Retention time.Duration
	Now       func() time.Time
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		repo:      params.Repo,
		channels:  params.Channels,
		metrics:   params.Metrics,
		logg:      params.Logger,
		retention: retention,
		now:       now,
	}, nil
}

// Dispatch returns the number of notifications created. Persistence failures
// are returned as DEPENDENCY_ERROR; channel failures are only recorded. Rows a
// previous attempt stored but never delivered are delivered again.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) (int, error) {
	drafts, err := Build(eventType, envelope.Data)
	if err != nil {
		return 0, err
	}
	var eventID *uuid.UUID
	if id, err := uuid.Parse(envelope.EventID); err == nil && id != uuid.Nil {
		eventID = &id
	}

	created := 0
	pending := make([]*models.Notification, 0, len(drafts))
	for _, draft := range drafts {
		now := d.now().UTC()
		row := &models.Notification{
			UserID:    draft.UserID,
			EventID:   eventID,
			Type:      draft.Type,
			Title:     draft.Title,
			Message:   draft.Message,
			Data:      draft.Data,
			ExpiresAt: now.Add(d.retention),
			CreatedAt: now,
		}
		inserted, err := d.repo.CreateIfAbsent(ctx, row)
		if err != nil {
			return created, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist notification")
		}
		if inserted {
			created++
			pending = append(pending, row)
			continue
		}
		if eventID == nil {
			continue
		}
		existing, err := d.repo.FindByEventAndUser(ctx, *eventID, draft.UserID)
		if err != nil {
			return created, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load notification")
		}
		if len(existing.Channels) == 0 {
			pending = append(pending, existing)
		}
	}

	for _, row := range pending {
		d.deliver(ctx, row)
	}
	return created, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) {
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"notification_id": n.ID.String(),
		"user_id":         n.UserID.String(),
	})
	attempts := make(types.ChannelAttempts, 0, len(d.channels))
	for _, ch := range d.channels {
		attempt := types.ChannelAttempt{Channel: ch.Name(), Status: enums.ChannelAttemptSent}
		if err := ch.Send(ctx, n); err != nil {
			if errors.Is(err, ErrChannelDisabled) {
				attempt.Status = enums.ChannelAttemptSkipped
			} else {
				attempt.Status = enums.ChannelAttemptFailed
				attempt.Error = err.Error()
				d.logg.Warn(d.logg.WithField(logCtx, "channel", string(ch.Name())), fmt.Sprintf("channel delivery failed: %v", err))
			}
		}
		attempt.Timestamp = d.now().UTC()
		attempts = append(attempts, attempt)
		if d.metrics != nil {
			d.metrics.NotificationAttempt(string(attempt.Channel), string(attempt.Status))
		}
	}
	n.Channels = attempts
	if err := d.repo.RecordChannels(ctx, n.ID, attempts); err != nil {
		d.logg.Error(logCtx, "record channel attempts", err)
	}
}
