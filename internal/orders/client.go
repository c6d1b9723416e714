package orders

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

// Client calls the order workflow over HTTP. Reads forward the caller's
// bearer; pushes authenticate with the service token source.
type Client struct {
	http *svcclient.Client
}

func NewClient(http *svcclient.Client) *Client {
	return &Client{http: http}
}

func (c *Client) GetOrder(ctx context.Context, bearer string, orderID uuid.UUID) (*OrderDTO, error) {
	var out OrderDTO
	err := c.http.Do(ctx, svcclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/api/v1/orders/%s", orderID),
		Bearer: bearer,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApplyPaymentResult(ctx context.Context, orderID uuid.UUID, req ApplyPaymentRequest) (*OrderDTO, error) {
	var out OrderDTO
	err := c.http.Do(ctx, svcclient.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/internal/v1/orders/%s/payment", orderID),
		Body:   req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus, reason string) (*OrderDTO, error) {
	body := UpdateStatusRequest{Status: string(status)}
	if reason != "" {
		body.Reason = &reason
	}
	var out OrderDTO
	err := c.http.Do(ctx, svcclient.Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/api/v1/orders/%s/status", orderID),
		Body:   body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
