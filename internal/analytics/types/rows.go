package types

import (
	"time"

	cbigquery "cloud.google.com/go/bigquery"
)

// LifecycleRow mirrors the order_lifecycle_events BigQuery schema. One row
// per order, payment or delivery event.
type LifecycleRow struct {
	EventID          string             `bigquery:"event_id"`
	EventType        string             `bigquery:"event_type"`
	AggregateType    string             `bigquery:"aggregate_type"`
	AggregateID      string             `bigquery:"aggregate_id"`
	OccurredAt       time.Time          `bigquery:"occurred_at"`
	OrderID          *string            `bigquery:"order_id"`
	CustomerID       *string            `bigquery:"customer_id"`
	RestaurantID     *string            `bigquery:"restaurant_id"`
	DeliveryPersonID *string            `bigquery:"delivery_person_id"`
	FromStatus       *string            `bigquery:"from_status"`
	ToStatus         *string            `bigquery:"to_status"`
	AmountCents      *int64             `bigquery:"amount_cents"`
	RefundCents      *int64             `bigquery:"refund_cents"`
	Currency         *string            `bigquery:"currency"`
	ActorRole        *string            `bigquery:"actor_role"`
	Reason           *string            `bigquery:"reason"`
	Payload          cbigquery.NullJSON `bigquery:"payload"`
}
