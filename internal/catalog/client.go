package catalog

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

// Client reads restaurants from the catalog component over HTTP.
type Client struct {
	http *svcclient.Client
}

func NewClient(http *svcclient.Client) *Client {
	return &Client{http: http}
}

// GetRestaurant fetches one restaurant. Upstream errors keep their code.
func (c *Client) GetRestaurant(ctx context.Context, id uuid.UUID) (*RestaurantDTO, error) {
	var out RestaurantDTO
	err := c.http.Do(ctx, svcclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/api/v1/restaurants/%s", id),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
