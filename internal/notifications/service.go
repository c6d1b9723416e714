package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Service covers the owner operations on notifications and the internal
// event intake.
type Service interface {
	List(ctx context.Context, input ListInput) (pagination.Page[NotificationDTO], error)
	MarkRead(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) error
	MarkAllRead(ctx context.Context, actor pkgAuth.Actor) (int64, error)
	Delete(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) error
	AcceptEvent(ctx context.Context, actor pkgAuth.Actor, req EventRequest) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ListInput struct {
	Actor      pkgAuth.Actor
	Limit      int
	Cursor     string
	UnreadOnly bool
}

// NotificationDTO is the API shape of a notification.
type NotificationDTO struct {
	ID        uuid.UUID              `json:"id"`
	Type      enums.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      types.JSONMap          `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
	Channels  types.ChannelAttempts  `json:"channels"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

func notificationFromModel(m models.Notification) NotificationDTO {
	channels := m.Channels
	if channels == nil {
		channels = types.ChannelAttempts{}
	}
	return NotificationDTO{
		ID:        m.ID,
		Type:      m.Type,
		Title:     m.Title,
		Message:   m.Message,
		Data:      m.Data,
		Read:      m.ReadAt != nil,
		ReadAt:    m.ReadAt,
		Channels:  channels,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

type ServiceParams struct {
	Repo   Repository
	Tx     txRunner
	Outbox eventEmitter
	Logger *logger.Logger
	Now    func() time.Time
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox eventEmitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{repo: params.Repo, tx: params.Tx, outbox: params.Outbox, logg: params.Logger, now: now}, nil
}

func (s *service) List(ctx context.Context, input ListInput) (pagination.Page[NotificationDTO], error) {
	if err := requireUser(input.Actor); err != nil {
		return pagination.Page[NotificationDTO]{}, err
	}
	if _, err := pagination.ParseCursor(input.Cursor); err != nil {
		return pagination.Page[NotificationDTO]{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, listParams{
		UserID:     input.Actor.UserID,
		UnreadOnly: input.UnreadOnly,
		Params:     pagination.Params{Limit: input.Limit, Cursor: input.Cursor},
	})
	if err != nil {
		return pagination.Page[NotificationDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}
	dtos := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, notificationFromModel(row))
	}
	return pagination.Finish(dtos, input.Limit, func(n NotificationDTO) pagination.Cursor {
		return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
	}), nil
}

// MarkRead is idempotent: marking an already read notification succeeds.
func (s *service) MarkRead(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	result, err := s.repo.MarkRead(ctx, actor.UserID, id, s.now().UTC())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}
	if !result.Found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, actor pkgAuth.Actor) (int64, error) {
	if err := requireUser(actor); err != nil {
		return 0, err
	}
	count, err := s.repo.MarkAllRead(ctx, actor.UserID, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notifications read")
	}
	return count, nil
}

func (s *service) Delete(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	deleted, err := s.repo.Delete(ctx, actor.UserID, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete notification")
	}
	if !deleted {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

// AcceptEvent queues an event handed over by another component. The outbox
// publisher routes it to the topic of its aggregate.
func (s *service) AcceptEvent(ctx context.Context, actor pkgAuth.Actor, req EventRequest) error {
	if actor.Role != enums.RoleService {
		return pkgerrors.New(pkgerrors.CodeForbidden, "service credential required").
			WithDetails(map[string]any{"required_role": enums.RoleService})
	}
	if !req.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"type": "unknown event type"})
	}
	if req.AggregateID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"aggregate_id": "required"})
	}
	if !json.Valid(req.Payload) {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"payload": "must be a JSON document"})
	}
	if _, err := Build(req.Type, req.Payload); err != nil {
		return err
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   req.Type,
			AggregateID: req.AggregateID,
			Data:        req.Payload,
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue event")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"event_type":   req.Type,
		"aggregate_id": req.AggregateID.String(),
	}), "event accepted")
	return nil
}

func requireUser(actor pkgAuth.Actor) error {
	if actor.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return nil
}
