package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/grubhaul-backend/internal/notifications/live"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// ErrChannelDisabled marks a channel without configuration; the attempt is
// recorded as skipped.
var ErrChannelDisabled = errors.New("channel not configured")

// Channel delivers a persisted notification on one medium.
type Channel interface {
	Name() enums.NotificationChannel
	Send(ctx context.Context, n *models.Notification) error
}

type livePublisher interface {
	Publish(ctx context.Context, channel string, payload any) (int64, error)
}

// InAppChannel publishes on the Redis live channel; API processes relay the
// message to open streams.
type InAppChannel struct {
	redis   livePublisher
	channel string
}

func NewInAppChannel(redis livePublisher, channel string) *InAppChannel {
	return &InAppChannel{redis: redis, channel: channel}
}

func (c *InAppChannel) Name() enums.NotificationChannel { return enums.NotificationChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, n *models.Notification) error {
	if c == nil || c.redis == nil || c.channel == "" {
		return ErrChannelDisabled
	}
	payload, err := json.Marshal(live.Event{
		UserID:         n.UserID,
		NotificationID: n.ID,
		Type:           string(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		Data:           n.Data,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = c.redis.Publish(ctx, c.channel, string(payload))
	return err
}

// WebhookChannel hands email and SMS to an HTTP delivery provider. The
// provider resolves the user's address from user_id.
type WebhookChannel struct {
	name   enums.NotificationChannel
	url    string
	apiKey string
	from   string
	client *http.Client
}

type WebhookConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration
}

func NewEmailChannel(cfg WebhookConfig) *WebhookChannel {
	return newWebhookChannel(enums.NotificationChannelEmail, cfg)
}

func NewSMSChannel(cfg WebhookConfig) *WebhookChannel {
	return newWebhookChannel(enums.NotificationChannelSMS, cfg)
}

func newWebhookChannel(name enums.NotificationChannel, cfg WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    strings.TrimSpace(cfg.URL),
		apiKey: cfg.APIKey,
		from:   cfg.From,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookMessage struct {
	Channel        enums.NotificationChannel `json:"channel"`
	UserID         string                    `json:"user_id"`
	NotificationID string                    `json:"notification_id"`
	From           string                    `json:"from,omitempty"`
	Subject        string                    `json:"subject"`
	Body           string                    `json:"body"`
}

func (c *WebhookChannel) Name() enums.NotificationChannel { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, n *models.Notification) error {
	if c.url == "" {
		return ErrChannelDisabled
	}
	body, err := json.Marshal(webhookMessage{
		Channel:        c.name,
		UserID:         n.UserID.String(),
		NotificationID: n.ID.String(),
		From:           c.from,
		Subject:        n.Title,
		Body:           n.Message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s provider returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// ChannelsFor builds the enabled channels in configured order. Unknown names
// are rejected.
func ChannelsFor(names []string, inApp *InAppChannel, email, sms WebhookConfig) ([]Channel, error) {
	out := make([]Channel, 0, len(names))
	for _, raw := range names {
		name, err := enums.ParseNotificationChannel(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		switch name {
		case enums.NotificationChannelInApp:
			out = append(out, inApp)
		case enums.NotificationChannelEmail:
			out = append(out, NewEmailChannel(email))
		case enums.NotificationChannelSMS:
			out = append(out, NewSMSChannel(sms))
		}
	}
	return out, nil
}
