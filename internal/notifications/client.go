package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

// EventRequest is the body of POST /internal/v1/events.
type EventRequest struct {
	Type        enums.OutboxEventType `json:"type" validate:"required"`
	AggregateID uuid.UUID             `json:"aggregate_id" validate:"required"`
	Payload     json.RawMessage       `json:"payload" validate:"required"`
}

// Client hands events to the notification component. Calls authenticate
// with the service token source.
type Client struct {
	http *svcclient.Client
}

func NewClient(http *svcclient.Client) *Client {
	return &Client{http: http}
}

// Publish sends one event. Callers treat failures as best-effort.
func (c *Client) Publish(ctx context.Context, eventType enums.OutboxEventType, aggregateID uuid.UUID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("encode %s payload", eventType))
	}
	return c.http.Do(ctx, svcclient.Request{
		Method: http.MethodPost,
		Path:   "/internal/v1/events",
		Body:   EventRequest{Type: eventType, AggregateID: aggregateID, Payload: raw},
	}, nil)
}
