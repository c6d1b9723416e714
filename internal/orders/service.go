package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/catalog"
	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

const (
	defaultCustomerCancelReason   = "cancelled by customer"
	defaultRestaurantCancelReason = "cancelled by restaurant"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	EmitSafely(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent)
}

// RestaurantLookup resolves restaurants on the verification path.
type RestaurantLookup interface {
	GetRestaurant(ctx context.Context, id uuid.UUID) (*catalog.RestaurantDTO, error)
}

type transitionRecorder interface {
	OrderTransition(from, to string)
}

// Service is the order workflow.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*OrderDTO, error)
	GetOrder(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) (*OrderDTO, error)
	ListOrders(ctx context.Context, input ListOrdersInput) (pagination.Page[OrderDTO], error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderDTO, error)
	CancelOrder(ctx context.Context, input CancelOrderInput) (*OrderDTO, error)
	ApplyPaymentResult(ctx context.Context, input ApplyPaymentInput) (*OrderDTO, error)
	History(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) ([]HistoryDTO, error)
}

type ServiceParams struct {
	Repo        Repository
	Tx          txRunner
	Outbox      outboxPublisher
	Restaurants RestaurantLookup
	Metrics     transitionRecorder
	Logger      *logger.Logger
	Now         func() time.Time
}

type service struct {
	repo        Repository
	tx          txRunner
	outbox      outboxPublisher
	restaurants RestaurantLookup
	metrics     transitionRecorder
	logg        *logger.Logger
	now         func() time.Time
}

// NewService builds the order workflow with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
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
		restaurants: params.Restaurants,
		metrics:     params.Metrics,
		logg:        params.Logger,
		now:         now,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*OrderDTO, error) {
	actor := input.Actor
	if actor.Role != enums.RoleCustomer {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only customers can place orders").
			WithDetails(map[string]any{"required_role": enums.RoleCustomer})
	}
	if err := validateItems(input.Items); err != nil {
		return nil, err
	}
	method := input.PaymentMethod
	if method == "" {
		method = enums.PaymentMethodCard
	}
	if !method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"payment_method": "must be one of card, cash, wallet"})
	}

	restaurant, err := s.restaurants.GetRestaurant(ctx, input.RestaurantID)
	if err != nil {
		details := map[string]any{"restaurant_id": input.RestaurantID}
		if typed := pkgerrors.As(err); typed != nil {
			details["upstream_code"] = typed.Code()
			if upstream, ok := typed.Details().(map[string]any); ok {
				if status, ok := upstream["upstream_status"]; ok {
					details["upstream_status"] = status
				}
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeRestaurantUnavailable, err, "restaurant lookup failed").WithDetails(details)
	}
	if !restaurant.IsOpen {
		return nil, pkgerrors.New(pkgerrors.CodeRestaurantUnavailable, "restaurant is not accepting orders").
			WithDetails(map[string]any{"restaurant_id": restaurant.ID})
	}

	items, total := snapshotItems(input.Items)
	order := &models.Order{
		CustomerID:           actor.UserID,
		CustomerName:         actor.Name,
		CustomerEmail:        actor.Email,
		RestaurantID:         restaurant.ID,
		RestaurantName:       restaurant.Name,
		RestaurantOwnerID:    restaurant.OwnerID,
		TotalAmount:          total,
		Status:               enums.OrderStatusPending,
		PaymentStatus:        enums.OrderPaymentStatusPending,
		PaymentMethod:        method,
		DeliveryAddress:      input.DeliveryAddress,
		DeliveryInstructions: input.DeliveryInstructions,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.CreateOrder(ctx, order, items); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		if err := txRepo.AppendHistory(ctx, historyEntry(order.ID, nil, enums.OrderStatusPending, actor, nil)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record order history")
		}
		s.outbox.EmitSafely(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventOrderCreated,
			AggregateID: order.ID,
			Actor:       actorRef(actor),
			Data: payloads.OrderCreatedEvent{
				OrderID:           order.ID,
				CustomerID:        order.CustomerID,
				CustomerName:      order.CustomerName,
				RestaurantID:      order.RestaurantID,
				RestaurantName:    order.RestaurantName,
				RestaurantOwnerID: order.RestaurantOwnerID,
				TotalAmount:       order.TotalAmount,
				PaymentMethod:     order.PaymentMethod,
				ItemCount:         len(items),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order created")
	dto := orderFromModel(*order)
	return &dto, nil
}

func (s *service) GetOrder(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.loadReadable(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	dto := orderFromModel(*order)
	return &dto, nil
}

func (s *service) ListOrders(ctx context.Context, input ListOrdersInput) (pagination.Page[OrderDTO], error) {
	filters := ListFilters{
		Status:      input.Status,
		CreatedFrom: input.CreatedFrom,
		CreatedTo:   input.CreatedTo,
	}
	actorID := input.Actor.UserID
	switch input.Actor.Role {
	case enums.RoleCustomer:
		filters.CustomerID = &actorID
	case enums.RoleRestaurantAdmin:
		filters.RestaurantOwnerID = &actorID
	case enums.RoleAdmin, enums.RoleService:
	default:
		return pagination.Page[OrderDTO]{}, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot list orders")
	}
	if input.CreatedFrom != nil && input.CreatedTo != nil && input.CreatedTo.Before(*input.CreatedFrom) {
		return pagination.Page[OrderDTO]{}, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"created_to": "must not be before created_from"})
	}

	rows, err := s.repo.ListOrders(ctx, filters, pagination.Params{Limit: input.Limit, Cursor: input.Cursor})
	if err != nil {
		return pagination.Page[OrderDTO]{}, repo.Classify(err, "", "list orders")
	}
	dtos := make([]OrderDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, orderFromModel(row))
	}
	return pagination.Finish(dtos, input.Limit, func(o OrderDTO) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderDTO, error) {
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"status": "unknown order status"})
	}
	reason := strings.TrimSpace(input.Reason)

	var result models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		order, err := txRepo.FindOrder(ctx, input.OrderID)
		if err != nil {
			return repo.Classify(err, "order not found", "load order")
		}
		if !canDriveOrder(input.Actor, order) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller's restaurant").
				WithDetails(map[string]any{"required_role": enums.RoleRestaurantAdmin})
		}
		if err := ValidateTransition(order.Status, input.Status); err != nil {
			return err
		}
		if input.Status == enums.OrderStatusCancelled && reason == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
				WithDetails(map[string]string{"reason": "is required when cancelling"})
		}
		updated, err := s.transition(ctx, tx, order, input.Status, input.Actor, reason)
		if err != nil {
			return err
		}
		result = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := orderFromModel(result)
	return &dto, nil
}

func (s *service) CancelOrder(ctx context.Context, input CancelOrderInput) (*OrderDTO, error) {
	var result models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		order, err := txRepo.FindOrder(ctx, input.OrderID)
		if err != nil {
			return repo.Classify(err, "order not found", "load order")
		}

		reason := strings.TrimSpace(input.Reason)
		switch {
		case input.Actor.Role == enums.RoleCustomer && order.CustomerID == input.Actor.UserID:
			if reason == "" {
				reason = defaultCustomerCancelReason
			}
		case input.Actor.Role == enums.RoleRestaurantAdmin && order.RestaurantOwnerID == input.Actor.UserID:
			if reason == "" {
				reason = defaultRestaurantCancelReason
			}
		default:
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
		}

		if !inCancellationWindow(order.Status) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "cancellation window closed").
				WithDetails(map[string]any{"current": order.Status, "required": cancellable})
		}
		updated, err := s.transition(ctx, tx, order, enums.OrderStatusCancelled, input.Actor, reason)
		if err != nil {
			return err
		}
		result = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := orderFromModel(result)
	return &dto, nil
}

// ApplyPaymentResult is idempotent: repeating a result leaves the order as is.
func (s *service) ApplyPaymentResult(ctx context.Context, input ApplyPaymentInput) (*OrderDTO, error) {
	if input.Actor.Role != enums.RoleService && input.Actor.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "internal endpoint").
			WithDetails(map[string]any{"required_role": enums.RoleService})
	}

	var result models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		order, err := txRepo.FindOrder(ctx, input.OrderID)
		if err != nil {
			return repo.Classify(err, "order not found", "load order")
		}

		switch input.Result {
		case PaymentResultPaid:
			if order.Status == enums.OrderStatusCancelled {
				s.logg.Warn(s.logg.WithOrderID(ctx, order.ID.String()), "ignoring payment settled after cancellation")
				break
			}
			if order.PaymentStatus != enums.OrderPaymentStatusPaid {
				if err := txRepo.UpdatePaymentStatus(ctx, order.ID, enums.OrderPaymentStatusPaid); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
				}
				order.PaymentStatus = enums.OrderPaymentStatusPaid
			}
			if order.Status == enums.OrderStatusPending {
				updated, err := s.transition(ctx, tx, order, enums.OrderStatusConfirmed, input.Actor, "")
				if err != nil {
					return err
				}
				order = updated
			}
		case PaymentResultFailed:
			// A late failure report must not undo a recorded payment.
			if order.PaymentStatus == enums.OrderPaymentStatusPending {
				if err := txRepo.UpdatePaymentStatus(ctx, order.ID, enums.OrderPaymentStatusFailed); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
				}
				order.PaymentStatus = enums.OrderPaymentStatusFailed
			}
		case PaymentResultRefunded:
			if order.PaymentStatus != enums.OrderPaymentStatusRefunded {
				if err := txRepo.UpdatePaymentStatus(ctx, order.ID, enums.OrderPaymentStatusRefunded); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
				}
				order.PaymentStatus = enums.OrderPaymentStatusRefunded
			}
		default:
			return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
				WithDetails(map[string]string{"result": "must be one of paid, failed, refunded"})
		}
		result = *order
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := orderFromModel(result)
	return &dto, nil
}

func (s *service) History(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) ([]HistoryDTO, error) {
	if _, err := s.loadReadable(ctx, actor, orderID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListHistory(ctx, orderID)
	if err != nil {
		return nil, repo.Classify(err, "", "list order history")
	}
	out := make([]HistoryDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyFromModel(row))
	}
	return out, nil
}

// transition moves order to target with a conditional update, records the
// history row and queues the matching event. Callers validate the move.
func (s *service) transition(ctx context.Context, tx *gorm.DB, order *models.Order, target enums.OrderStatus, actor pkgAuth.Actor, reason string) (*models.Order, error) {
	txRepo := s.repo.WithTx(tx)
	from := order.Status
	now := s.now().UTC()

	updates := map[string]any{"status": target, "updated_at": now}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	switch target {
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = now
	case enums.OrderStatusCancelled:
		updates["cancellation_reason"] = reason
	}

	ok, err := txRepo.UpdateStatusIf(ctx, order.ID, from, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order status changed concurrently").
			WithDetails(map[string]any{"expected": from})
	}
	if err := txRepo.AppendHistory(ctx, historyEntry(order.ID, &from, target, actor, reasonPtr)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record order history")
	}

	order.Status = target
	order.UpdatedAt = now
	if target == enums.OrderStatusDelivered {
		order.DeliveredAt = &now
	}
	if target == enums.OrderStatusCancelled {
		order.CancellationReason = reasonPtr
	}

	s.outbox.EmitSafely(ctx, tx, transitionEvent(order, from, actor, reason, now))
	if s.metrics != nil {
		s.metrics.OrderTransition(string(from), string(target))
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id": order.ID.String(),
		"from":     from,
		"to":       target,
	}), "order status changed")
	return order, nil
}

func transitionEvent(order *models.Order, from enums.OrderStatus, actor pkgAuth.Actor, reason string, at time.Time) outbox.DomainEvent {
	if order.Status == enums.OrderStatusCancelled {
		return outbox.DomainEvent{
			EventType:   enums.EventOrderCancelled,
			AggregateID: order.ID,
			Actor:       actorRef(actor),
			OccurredAt:  at,
			Data: payloads.OrderCancelledEvent{
				OrderID:           order.ID,
				CustomerID:        order.CustomerID,
				RestaurantID:      order.RestaurantID,
				RestaurantName:    order.RestaurantName,
				RestaurantOwnerID: order.RestaurantOwnerID,
				From:              from,
				CancelledBy:       actor.Role,
				Reason:            reason,
				CancelledAt:       at,
			},
		}
	}
	instructions := ""
	if order.DeliveryInstructions != nil {
		instructions = *order.DeliveryInstructions
	}
	return outbox.DomainEvent{
		EventType:   enums.EventOrderStatusChanged,
		AggregateID: order.ID,
		Actor:       actorRef(actor),
		OccurredAt:  at,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:           order.ID,
			CustomerID:        order.CustomerID,
			RestaurantID:      order.RestaurantID,
			RestaurantName:    order.RestaurantName,
			RestaurantOwnerID: order.RestaurantOwnerID,
			From:              from,
			To:                order.Status,
			DeliveryAddress:   order.DeliveryAddress,
			Instructions:      instructions,
			TotalAmount:       order.TotalAmount,
			ChangedAt:         at,
		},
	}
}

func (s *service) loadReadable(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, repo.Classify(err, "order not found", "load order")
	}
	if !canReadOrder(actor, order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}
	return order, nil
}

func canReadOrder(actor pkgAuth.Actor, order *models.Order) bool {
	switch actor.Role {
	case enums.RoleAdmin, enums.RoleService, enums.RoleDeliveryPerson:
		return true
	case enums.RoleCustomer:
		return order.CustomerID == actor.UserID
	case enums.RoleRestaurantAdmin:
		return order.RestaurantOwnerID == actor.UserID
	default:
		return false
	}
}

func canDriveOrder(actor pkgAuth.Actor, order *models.Order) bool {
	if actor.Role == enums.RoleService {
		return true
	}
	return actor.Role == enums.RoleRestaurantAdmin && order.RestaurantOwnerID == actor.UserID
}

func historyEntry(orderID uuid.UUID, from *enums.OrderStatus, to enums.OrderStatus, actor pkgAuth.Actor, reason *string) *models.OrderStatusHistory {
	entry := &models.OrderStatusHistory{
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		ActorRole:  actor.Role,
		Reason:     reason,
	}
	if actor.UserID != uuid.Nil {
		id := actor.UserID
		entry.ActorID = &id
	}
	return entry
}

func actorRef(actor pkgAuth.Actor) *outbox.ActorRef {
	return &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role}
}
