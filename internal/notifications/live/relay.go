package live

import (
	"context"
	"encoding/json"
	"fmt"

	redislib "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

type subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (*redislib.PubSub, error)
}

// Relay forwards in-app events from a Redis channel into a Registry.
type Relay struct {
	redis    subscriber
	channel  string
	registry *Registry
	logg     *logger.Logger
}

func NewRelay(redis subscriber, channel string, registry *Registry, logg *logger.Logger) (*Relay, error) {
	if redis == nil {
		return nil, fmt.Errorf("redis subscriber required")
	}
	if channel == "" {
		return nil, fmt.Errorf("live channel required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Relay{redis: redis, channel: channel, registry: registry, logg: logg}, nil
}

// Run blocks until ctx is cancelled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.redis.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	messages := sub.Channel()
	r.logg.Info(r.logg.WithField(ctx, "channel", r.channel), "live relay subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, payload string) int {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logg.Error(ctx, "malformed live event", err)
		return 0
	}
	return r.registry.Deliver(event)
}
