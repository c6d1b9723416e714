package notifications

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
)

type dispatcher interface {
	Dispatch(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) (int, error)
}

type processedGuard interface {
	IsProcessedKey(ctx context.Context, consumer, id string) (bool, error)
	MarkKey(ctx context.Context, consumer, id string) error
}

// Consumer drains one event subscription into the dispatcher. The worker runs
// one per topic.
type Consumer struct {
	name         string
	dispatcher   dispatcher
	subscription *pubsub.Subscriber
	idempotency  processedGuard
	logg         *logger.Logger
}

// NewConsumer builds a notification consumer named after its subscription.
func NewConsumer(name string, d dispatcher, subscription *pubsub.Subscriber, guard processedGuard, logg *logger.Logger) (*Consumer, error) {
	if name == "" {
		return nil, fmt.Errorf("consumer name required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("subscription required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		name:         name,
		dispatcher:   d,
		subscription: subscription,
		idempotency:  guard,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.ID, msg.Attributes["event_type"], msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// process reports whether the message should be acked.
func (c *Consumer) process(ctx context.Context, messageID, rawType string, data []byte) bool {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": rawType,
		"consumer":   c.name,
	})

	eventType, err := enums.ParseOutboxEventType(rawType)
	if err != nil {
		c.logg.Warn(logCtx, "skipping unknown event type")
		return true
	}
	envelope, err := outbox.DecodeEnvelope(data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return true
	}

	already, err := c.idempotency.IsProcessedKey(ctx, c.name, envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return false
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return true
	}

	created, err := c.dispatcher.Dispatch(ctx, eventType, envelope)
	if err != nil {
		if !pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "dropping undeliverable event", err)
			return true
		}
		c.logg.Error(logCtx, "notification fan-out failed", err)
		return false
	}
	// The dispatcher dedupes on (event, user), so a lost marker only costs a replay.
	if err := c.idempotency.MarkKey(ctx, c.name, envelope.EventID); err != nil {
		c.logg.Error(logCtx, "failed to mark event processed", err)
	}
	c.logg.Info(c.logg.WithField(logCtx, "notifications", created), "event fanned out")
	return true
}
