package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/internal/analytics/types"
	"github.com/angelmondragon/grubhaul-backend/internal/analytics/writer"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
)

// ErrUnsupportedEventType is returned for events the lifecycle table does not track.
var ErrUnsupportedEventType = errors.New("unsupported analytics event type")

type rowWriter interface {
	Insert(ctx context.Context, row types.LifecycleRow) error
}

type rowBuilder func(env types.Envelope, row *types.LifecycleRow) error

// Router maps outbox events onto lifecycle rows and hands them to the writer.
type Router struct {
	writer   rowWriter
	logg     *logger.Logger
	builders map[enums.OutboxEventType]rowBuilder
}

// NewRouter builds a router backed by the provided writer.
func NewRouter(w rowWriter, logg *logger.Logger) (*Router, error) {
	if w == nil {
		return nil, errors.New("analytics writer is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		writer: w,
		logg:   logg,
		builders: map[enums.OutboxEventType]rowBuilder{
			enums.EventOrderCreated:          orderCreated,
			enums.EventOrderStatusChanged:    orderStatusChanged,
			enums.EventOrderCancelled:        orderCancelled,
			enums.EventPaymentSucceeded:      paymentRow,
			enums.EventPaymentFailed:         paymentRow,
			enums.EventPaymentRefunded:       paymentRow,
			enums.EventDeliveryCreated:       deliveryRow,
			enums.EventDeliveryAssigned:      deliveryRow,
			enums.EventDeliveryStatusChanged: deliveryRow,
		},
	}, nil
}

// Handle converts one envelope into a row and writes it.
func (r *Router) Handle(ctx context.Context, env types.Envelope) error {
	row, err := r.Row(env)
	if err != nil {
		return err
	}
	if err := r.writer.Insert(ctx, row); err != nil {
		return fmt.Errorf("write %s row: %w", env.EventType, err)
	}
	r.logg.Debug(ctx, "lifecycle row written")
	return nil
}

// Flush pushes any rows the writer still buffers.
func (r *Router) Flush(ctx context.Context) error {
	if f, ok := r.writer.(interface{ Flush(context.Context) error }); ok {
		return f.Flush(ctx)
	}
	return nil
}

// Row builds the lifecycle row without writing it.
func (r *Router) Row(env types.Envelope) (types.LifecycleRow, error) {
	build, ok := r.builders[env.EventType]
	if !ok {
		return types.LifecycleRow{}, fmt.Errorf("%w: %s", ErrUnsupportedEventType, env.EventType)
	}

	payload, err := writer.EncodeJSON(env.Payload)
	if err != nil {
		return types.LifecycleRow{}, fmt.Errorf("encode payload: %w", err)
	}

	row := types.LifecycleRow{
		EventID:       env.EventID,
		EventType:     string(env.EventType),
		AggregateType: string(env.AggregateType),
		AggregateID:   env.AggregateID,
		OccurredAt:    env.OccurredAt.UTC(),
		Payload:       payload,
	}
	if env.Actor != nil && env.Actor.Role != "" {
		row.ActorRole = ptr(string(env.Actor.Role))
	}
	if err := build(env, &row); err != nil {
		return types.LifecycleRow{}, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return row, nil
}

func orderCreated(env types.Envelope, row *types.LifecycleRow) error {
	var p payloads.OrderCreatedEvent
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	row.OrderID = idPtr(p.OrderID)
	row.CustomerID = idPtr(p.CustomerID)
	row.RestaurantID = idPtr(p.RestaurantID)
	row.ToStatus = ptr(string(enums.OrderStatusPending))
	row.AmountCents = cents(p.TotalAmount)
	return nil
}

func orderStatusChanged(env types.Envelope, row *types.LifecycleRow) error {
	var p payloads.OrderStatusChangedEvent
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	row.OrderID = idPtr(p.OrderID)
	row.CustomerID = idPtr(p.CustomerID)
	row.RestaurantID = idPtr(p.RestaurantID)
	row.FromStatus = ptr(string(p.From))
	row.ToStatus = ptr(string(p.To))
	row.AmountCents = cents(p.TotalAmount)
	return nil
}

func orderCancelled(env types.Envelope, row *types.LifecycleRow) error {
	var p payloads.OrderCancelledEvent
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	row.OrderID = idPtr(p.OrderID)
	row.CustomerID = idPtr(p.CustomerID)
	row.RestaurantID = idPtr(p.RestaurantID)
	row.FromStatus = ptr(string(p.From))
	row.ToStatus = ptr(string(enums.OrderStatusCancelled))
	if p.Reason != "" {
		row.Reason = ptr(p.Reason)
	}
	if p.CancelledBy != "" && row.ActorRole == nil {
		row.ActorRole = ptr(string(p.CancelledBy))
	}
	return nil
}

func paymentRow(env types.Envelope, row *types.LifecycleRow) error {
	var p payloads.PaymentEvent
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	row.OrderID = idPtr(p.OrderID)
	row.CustomerID = idPtr(p.CustomerID)
	row.ToStatus = ptr(string(p.Status))
	row.AmountCents = cents(p.Amount)
	if p.RefundedAmount.IsPositive() {
		row.RefundCents = cents(p.RefundedAmount)
	}
	if p.Currency != "" {
		row.Currency = ptr(string(p.Currency))
	}
	if p.ErrorCode != "" {
		row.Reason = ptr(p.ErrorCode)
	}
	return nil
}

func deliveryRow(env types.Envelope, row *types.LifecycleRow) error {
	var p payloads.DeliveryEvent
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	row.OrderID = idPtr(p.OrderID)
	row.CustomerID = idPtr(p.CustomerID)
	if p.DeliveryPersonID != nil {
		row.DeliveryPersonID = idPtr(*p.DeliveryPersonID)
	}
	row.ToStatus = ptr(string(p.Status))
	if p.Note != "" {
		row.Reason = ptr(p.Note)
	}
	return nil
}

func cents(amount decimal.Decimal) *int64 {
	v := amount.Shift(2).Round(0).IntPart()
	return &v
}

func idPtr(id uuid.UUID) *string {
	if id == uuid.Nil {
		return nil
	}
	return ptr(id.String())
}

func ptr(value string) *string {
	return &value
}
