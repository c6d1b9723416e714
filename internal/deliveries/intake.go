package deliveries

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

const intakeConsumer = "delivery-intake"

type assignmentCreator interface {
	CreateAssignment(ctx context.Context, input CreateAssignmentInput) (*DeliveryDTO, error)
}

type processedGuard interface {
	IsProcessedKey(ctx context.Context, consumer, id string) (bool, error)
	MarkKey(ctx context.Context, consumer, id string) error
}

// IntakeConsumer opens a delivery assignment when an order becomes ready for
// pickup.
type IntakeConsumer struct {
	svc          assignmentCreator
	subscription *pubsub.Subscriber
	idempotency  processedGuard
	logg         *logger.Logger
}

func NewIntakeConsumer(svc assignmentCreator, subscription *pubsub.Subscriber, guard processedGuard, logg *logger.Logger) (*IntakeConsumer, error) {
	if svc == nil {
		return nil, fmt.Errorf("delivery service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("delivery intake subscription required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &IntakeConsumer{svc: svc, subscription: subscription, idempotency: guard, logg: logg}, nil
}

// Run receives until ctx is cancelled.
func (c *IntakeConsumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.handle(ctx, msg.ID, msg.Attributes["event_type"], msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether the message should be acked.
func (c *IntakeConsumer) handle(ctx context.Context, messageID, eventType string, data []byte) bool {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": eventType,
		"consumer":   intakeConsumer,
	})
	if eventType != string(enums.EventOrderStatusChanged) {
		return true
	}

	envelope, err := outbox.DecodeEnvelope(data)
	if err != nil {
		c.logg.Error(logCtx, "malformed envelope", err)
		return true
	}
	var payload payloads.OrderStatusChangedEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		c.logg.Error(logCtx, "malformed order status payload", err)
		return true
	}
	if payload.To != enums.OrderStatusReadyForPickup {
		return true
	}
	logCtx = c.logg.WithOrderID(logCtx, payload.OrderID.String())

	already, err := c.idempotency.IsProcessedKey(ctx, intakeConsumer, envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return false
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return true
	}

	_, err = c.svc.CreateAssignment(ctx, CreateAssignmentInput{
		Actor: pkgAuth.Actor{Role: enums.RoleService},
		CreateAssignmentRequest: CreateAssignmentRequest{
			OrderID:          payload.OrderID,
			DeliveryLocation: &types.Location{Address: payload.DeliveryAddress},
			Notes:            nonEmpty(payload.Instructions),
		},
	})
	if err != nil {
		if !pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "delivery intake rejected", err)
			return true
		}
		c.logg.Error(logCtx, "delivery intake failed", err)
		return false
	}
	if err := c.idempotency.MarkKey(ctx, intakeConsumer, envelope.EventID); err != nil {
		c.logg.Error(logCtx, "failed to mark event processed", err)
	}
	c.logg.Info(logCtx, "delivery assignment opened")
	return true
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
