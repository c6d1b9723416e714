package deliveries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/catalog"
	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

const defaultCancelReason = "delivery cancelled"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	EmitSafely(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent)
}

// OrderGateway reads orders on the verification path and pushes delivery
// progress back as a side effect.
type OrderGateway interface {
	GetOrder(ctx context.Context, bearer string, orderID uuid.UUID) (*orders.OrderDTO, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus, reason string) (*orders.OrderDTO, error)
}

type RestaurantLookup interface {
	GetRestaurant(ctx context.Context, id uuid.UUID) (*catalog.RestaurantDTO, error)
}

type updateRecorder interface {
	DeliveryUpdate(status string)
}

// Service is the delivery workflow.
type Service interface {
	CreateAssignment(ctx context.Context, input CreateAssignmentInput) (*DeliveryDTO, error)
	AcceptDelivery(ctx context.Context, input AcceptInput) (*DeliveryDTO, error)
	UpdateDeliveryStatus(ctx context.Context, input UpdateStatusInput) (*DeliveryDTO, error)
	ListAvailable(ctx context.Context, input ListInput) (pagination.Page[DeliveryDTO], error)
	ListMine(ctx context.Context, input ListInput) (pagination.Page[DeliveryDTO], error)
	Get(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) (*DeliveryDTO, error)
}

type ServiceParams struct {
	Repo        Repository
	Tx          txRunner
	Outbox      outboxPublisher
	Orders      OrderGateway
	Restaurants RestaurantLookup
	Metrics     updateRecorder
	Logger      *logger.Logger
	Now         func() time.Time
}

type service struct {
	repo        Repository
	tx          txRunner
	outbox      outboxPublisher
	orders      OrderGateway
	restaurants RestaurantLookup
	metrics     updateRecorder
	logg        *logger.Logger
	now         func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("deliveries repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order gateway required")
	}
	if params.Restaurants == nil {
		return nil, fmt.Errorf("restaurant lookup required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:        params.Repo,
		tx:          params.Tx,
		outbox:      params.Outbox,
		orders:      params.Orders,
		restaurants: params.Restaurants,
		metrics:     params.Metrics,
		logg:        params.Logger,
		now:         now,
	}, nil
}

// CreateAssignment opens a pending delivery for an order. A second call for
// the same order returns the existing assignment.
func (s *service) CreateAssignment(ctx context.Context, input CreateAssignmentInput) (*DeliveryDTO, error) {
	actor := input.Actor
	if !actor.Is(enums.RoleRestaurantAdmin, enums.RoleAdmin, enums.RoleService) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot create deliveries").
			WithDetails(map[string]any{"required_role": []enums.Role{enums.RoleRestaurantAdmin, enums.RoleAdmin, enums.RoleService}})
	}
	ctx = s.logg.WithOrderID(ctx, input.OrderID.String())

	existing, err := s.repo.FindByOrderID(ctx, input.OrderID)
	if err == nil {
		if !canRead(actor, existing) {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another restaurant")
		}
		dto := deliveryFromModel(*existing)
		return &dto, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load delivery")
	}

	bearer := actor.Token
	if actor.Role == enums.RoleService {
		bearer = ""
	}
	order, err := s.orders.GetOrder(ctx, bearer, input.OrderID)
	if err != nil {
		return nil, upstreamError(err, "load order")
	}
	if actor.Role == enums.RoleRestaurantAdmin && order.RestaurantOwnerID != actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another restaurant")
	}
	if order.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is closed").
			WithDetails(map[string]any{"current": order.Status, "required": enums.OrderStatusReadyForPickup})
	}

	pickup := input.PickupLocation
	if pickup == nil {
		restaurant, err := s.restaurants.GetRestaurant(ctx, order.RestaurantID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeRestaurantUnavailable, err, "restaurant lookup failed").
				WithDetails(map[string]any{"restaurant_id": order.RestaurantID})
		}
		pickup = &restaurant.Address
	}
	dropoff := input.DeliveryLocation
	if dropoff == nil {
		dropoff = &types.Location{Address: order.DeliveryAddress}
	}

	now := s.now().UTC()
	assignment := &models.DeliveryAssignment{
		OrderID:             order.ID,
		CustomerID:          order.CustomerID,
		RestaurantOwnerID:   order.RestaurantOwnerID,
		Status:              enums.DeliveryStatusPending,
		PickupLocation:      *pickup,
		DeliveryLocation:    *dropoff,
		EstimatedDeliveryAt: input.EstimatedDeliveryAt,
		Notes:               input.Notes,
		TrackingLog: types.TrackingLog{}.Append(types.TrackingEntry{
			Status:    enums.DeliveryStatusPending,
			Timestamp: now,
		}),
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		created, err := txRepo.CreateIfAbsent(ctx, assignment)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create delivery")
		}
		if !created {
			found, err := txRepo.FindByOrderID(ctx, order.ID)
			if err != nil {
				return repo.Classify(err, "delivery not found", "load delivery")
			}
			assignment = found
			return nil
		}
		s.emit(ctx, tx, enums.EventDeliveryCreated, actor, assignment, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithDeliveryID(ctx, assignment.ID.String()), "delivery assignment created")
	dto := deliveryFromModel(*assignment)
	return &dto, nil
}

func (s *service) AcceptDelivery(ctx context.Context, input AcceptInput) (*DeliveryDTO, error) {
	actor := input.Actor
	if actor.Role != enums.RoleDeliveryPerson {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only delivery people can accept deliveries").
			WithDetails(map[string]any{"required_role": enums.RoleDeliveryPerson})
	}
	ctx = s.logg.WithDeliveryID(ctx, input.DeliveryID.String())

	var accepted models.DeliveryAssignment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		current, err := txRepo.FindByID(ctx, input.DeliveryID)
		if err != nil {
			return repo.Classify(err, "delivery not found", "load delivery")
		}
		if err := acceptable(current); err != nil {
			return err
		}

		now := s.now().UTC()
		personID := actor.UserID
		log := current.TrackingLog.Append(types.TrackingEntry{
			Status:    enums.DeliveryStatusPickedUp,
			Location:  input.Location,
			Note:      "accepted",
			Timestamp: now,
		})
		ok, err := txRepo.Assign(ctx, current.ID, map[string]any{
			"delivery_person_id": personID,
			"status":             enums.DeliveryStatusPickedUp,
			"accepted_at":        now,
			"tracking_log":       log,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "assign delivery")
		}
		if !ok {
			latest, err := txRepo.FindByID(ctx, current.ID)
			if err != nil {
				return repo.Classify(err, "delivery not found", "reload delivery")
			}
			if err := acceptable(latest); err != nil {
				return err
			}
			return pkgerrors.New(pkgerrors.CodeConflict, "delivery changed while accepting")
		}

		accepted = *current
		accepted.DeliveryPersonID = &personID
		accepted.Status = enums.DeliveryStatusPickedUp
		accepted.AcceptedAt = &now
		accepted.TrackingLog = log
		s.emit(ctx, tx, enums.EventDeliveryAssigned, actor, &accepted, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordUpdate(enums.DeliveryStatusPickedUp)
	s.logg.Info(ctx, "delivery accepted")
	s.pushToOrder(ctx, accepted.OrderID, enums.OrderStatusOutForDelivery, "")
	dto := deliveryFromModel(accepted)
	return &dto, nil
}

// UpdateDeliveryStatus accepts any known status from the assigned delivery
// person until the assignment is closed.
func (s *service) UpdateDeliveryStatus(ctx context.Context, input UpdateStatusInput) (*DeliveryDTO, error) {
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"status": "unknown delivery status"})
	}
	ctx = s.logg.WithDeliveryID(ctx, input.DeliveryID.String())
	note := strings.TrimSpace(input.Note)

	var updated models.DeliveryAssignment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		current, err := txRepo.FindByID(ctx, input.DeliveryID)
		if err != nil {
			return repo.Classify(err, "delivery not found", "load delivery")
		}
		if current.DeliveryPersonID == nil || *current.DeliveryPersonID != input.Actor.UserID || input.Actor.Role != enums.RoleDeliveryPerson {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the assigned delivery person can update this delivery")
		}
		if current.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is closed").
				WithDetails(map[string]any{"current": current.Status, "required": "not delivered or cancelled"})
		}

		now := s.now().UTC()
		log := current.TrackingLog.Append(types.TrackingEntry{
			Status:    input.Status,
			Location:  input.Location,
			Note:      note,
			Timestamp: now,
		})
		updates := map[string]any{
			"status":       input.Status,
			"tracking_log": log,
		}
		updated = *current
		updated.Status = input.Status
		updated.TrackingLog = log
		if input.Status == enums.DeliveryStatusDelivered {
			updates["actual_delivery_at"] = now
			updated.ActualDeliveryAt = &now
		}
		ok, err := txRepo.UpdateIf(ctx, current.ID, current.Status, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update delivery")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "delivery changed during update")
		}
		s.emit(ctx, tx, enums.EventDeliveryStatusChanged, input.Actor, &updated, note)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordUpdate(updated.Status)
	s.logg.Info(ctx, fmt.Sprintf("delivery moved to %s", updated.Status))
	switch updated.Status {
	case enums.DeliveryStatusDelivered:
		s.pushToOrder(ctx, updated.OrderID, enums.OrderStatusDelivered, "")
	case enums.DeliveryStatusCancelled:
		reason := note
		if reason == "" {
			reason = defaultCancelReason
		}
		s.pushToOrder(ctx, updated.OrderID, enums.OrderStatusCancelled, reason)
	}
	dto := deliveryFromModel(updated)
	return &dto, nil
}

func (s *service) ListAvailable(ctx context.Context, input ListInput) (pagination.Page[DeliveryDTO], error) {
	if !input.Actor.Is(enums.RoleDeliveryPerson, enums.RoleAdmin) {
		return pagination.Page[DeliveryDTO]{}, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot browse deliveries")
	}
	rows, err := s.repo.ListAvailable(ctx, pagination.Params{Limit: input.Limit, Cursor: input.Cursor})
	if err != nil {
		return pagination.Page[DeliveryDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list deliveries")
	}
	return page(rows, input.Limit), nil
}

func (s *service) ListMine(ctx context.Context, input ListInput) (pagination.Page[DeliveryDTO], error) {
	if input.Actor.Role != enums.RoleDeliveryPerson {
		return pagination.Page[DeliveryDTO]{}, pkgerrors.New(pkgerrors.CodeForbidden, "only delivery people have assignments")
	}
	rows, err := s.repo.ListByPerson(ctx, input.Actor.UserID, pagination.Params{Limit: input.Limit, Cursor: input.Cursor})
	if err != nil {
		return pagination.Page[DeliveryDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list deliveries")
	}
	return page(rows, input.Limit), nil
}

func (s *service) Get(ctx context.Context, actor pkgAuth.Actor, id uuid.UUID) (*DeliveryDTO, error) {
	row, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, repo.Classify(err, "delivery not found", "load delivery")
	}
	if !canRead(actor, row) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "delivery not accessible")
	}
	dto := deliveryFromModel(*row)
	return &dto, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, actor pkgAuth.Actor, d *models.DeliveryAssignment, note string) {
	var ref *outbox.ActorRef
	if actor.UserID != uuid.Nil {
		ref = &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role}
	}
	s.outbox.EmitSafely(ctx, tx, outbox.DomainEvent{
		EventType:   eventType,
		AggregateID: d.ID,
		Actor:       ref,
		Data: payloads.DeliveryEvent{
			DeliveryID:        d.ID,
			OrderID:           d.OrderID,
			CustomerID:        d.CustomerID,
			RestaurantOwnerID: d.RestaurantOwnerID,
			DeliveryPersonID:  d.DeliveryPersonID,
			Status:            d.Status,
			Note:              note,
			PickupAddress:     d.PickupLocation.Address.String(),
		},
	})
}

func (s *service) pushToOrder(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus, reason string) {
	if _, err := s.orders.UpdateStatus(ctx, orderID, status, reason); err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, orderID.String()), fmt.Sprintf("push order status %s", status), err)
	}
}

func (s *service) recordUpdate(status enums.DeliveryStatus) {
	if s.metrics != nil {
		s.metrics.DeliveryUpdate(string(status))
	}
}

func acceptable(d *models.DeliveryAssignment) error {
	if d.DeliveryPersonID != nil {
		return pkgerrors.New(pkgerrors.CodeAlreadyAssigned, "delivery already assigned")
	}
	if d.Status != enums.DeliveryStatusPending {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is not open").
			WithDetails(map[string]any{"current": d.Status, "required": enums.DeliveryStatusPending})
	}
	return nil
}

func canRead(actor pkgAuth.Actor, d *models.DeliveryAssignment) bool {
	switch actor.Role {
	case enums.RoleAdmin, enums.RoleService:
		return true
	case enums.RoleCustomer:
		return d.CustomerID == actor.UserID
	case enums.RoleRestaurantAdmin:
		return d.RestaurantOwnerID == actor.UserID
	case enums.RoleDeliveryPerson:
		if d.DeliveryPersonID == nil {
			return d.Status == enums.DeliveryStatusPending
		}
		return *d.DeliveryPersonID == actor.UserID
	}
	return false
}

func page(rows []models.DeliveryAssignment, limit int) pagination.Page[DeliveryDTO] {
	dtos := make([]DeliveryDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, deliveryFromModel(row))
	}
	return pagination.Finish(dtos, limit, func(d DeliveryDTO) pagination.Cursor {
		return pagination.Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
	})
}

func upstreamError(err error, op string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}
