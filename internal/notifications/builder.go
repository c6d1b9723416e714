package notifications

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Draft is one notification for one recipient before it is persisted.
type Draft struct {
	UserID  uuid.UUID
	Type    enums.NotificationType
	Title   string
	Message string
	Data    types.JSONMap
}

// Build turns an event payload into the notifications it fans out to.
// Unknown event types produce nothing; undecodable payloads are a
// validation error.
func Build(eventType enums.OutboxEventType, data json.RawMessage) ([]Draft, error) {
	switch eventType {
	case enums.EventOrderCreated:
		var p payloads.OrderCreatedEvent
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return recipients(Draft{
			UserID:  p.RestaurantOwnerID,
			Type:    enums.NotificationTypeNewOrder,
			Title:   "New order",
			Message: fmt.Sprintf("New order from %s: %s, total %s.", nameOr(p.CustomerName, "a customer"), itemCount(p.ItemCount), p.TotalAmount.StringFixed(2)),
			Data:    types.JSONMap{"order_id": p.OrderID.String()},
		}), nil

	case enums.EventOrderStatusChanged:
		var p payloads.OrderStatusChangedEvent
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return recipients(Draft{
			UserID:  p.CustomerID,
			Type:    enums.NotificationTypeOrderStatusUpdate,
			Title:   "Order update",
			Message: orderStatusMessage(p.To, nameOr(p.RestaurantName, "the restaurant")),
			Data:    types.JSONMap{"order_id": p.OrderID.String(), "status": string(p.To)},
		}), nil

	case enums.EventOrderCancelled:
		var p payloads.OrderCancelledEvent
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		message := fmt.Sprintf("Order %s was cancelled.", shortID(p.OrderID))
		if reason := strings.TrimSpace(p.Reason); reason != "" {
			message = fmt.Sprintf("Order %s was cancelled: %s", shortID(p.OrderID), reason)
		}
		payload := types.JSONMap{"order_id": p.OrderID.String(), "cancelled_by": string(p.CancelledBy)}
		return recipients(
			Draft{UserID: p.CustomerID, Type: enums.NotificationTypeOrderCancelled, Title: "Order cancelled", Message: message, Data: payload},
			Draft{UserID: p.RestaurantOwnerID, Type: enums.NotificationTypeOrderCancelled, Title: "Order cancelled", Message: message, Data: payload},
		), nil

	case enums.EventPaymentSucceeded, enums.EventPaymentFailed, enums.EventPaymentRefunded:
		var p payloads.PaymentEvent
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return paymentDrafts(eventType, p), nil

	case enums.EventDeliveryCreated, enums.EventDeliveryAssigned, enums.EventDeliveryStatusChanged:
		var p payloads.DeliveryEvent
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return deliveryDrafts(eventType, p), nil
	}
	return nil, nil
}

func paymentDrafts(eventType enums.OutboxEventType, p payloads.PaymentEvent) []Draft {
	payload := types.JSONMap{"payment_id": p.PaymentID.String(), "order_id": p.OrderID.String()}
	currency := strings.ToUpper(string(p.Currency))
	switch eventType {
	case enums.EventPaymentSucceeded:
		return recipients(
			Draft{
				UserID:  p.CustomerID,
				Type:    enums.NotificationTypePaymentSucceeded,
				Title:   "Payment received",
				Message: fmt.Sprintf("We received your payment of %s %s.", p.Amount.StringFixed(2), currency),
				Data:    payload,
			},
			Draft{
				UserID:  p.RestaurantOwnerID,
				Type:    enums.NotificationTypePaymentSucceeded,
				Title:   "Order paid",
				Message: fmt.Sprintf("Order %s has been paid.", shortID(p.OrderID)),
				Data:    payload,
			},
		)
	case enums.EventPaymentFailed:
		reason := nameOr(p.ErrorMessage, p.ErrorCode)
		message := fmt.Sprintf("Your payment of %s %s could not be processed.", p.Amount.StringFixed(2), currency)
		if reason != "" {
			message = fmt.Sprintf("Your payment of %s %s could not be processed: %s", p.Amount.StringFixed(2), currency, reason)
		}
		return recipients(Draft{
			UserID:  p.CustomerID,
			Type:    enums.NotificationTypePaymentFailed,
			Title:   "Payment failed",
			Message: message,
			Data:    payload,
		})
	default:
		amount := p.RefundedAmount
		if amount.Equal(decimal.Zero) {
			amount = p.Amount
		}
		return recipients(Draft{
			UserID:  p.CustomerID,
			Type:    enums.NotificationTypePaymentRefunded,
			Title:   "Refund issued",
			Message: fmt.Sprintf("%s %s has been refunded to your payment method.", amount.StringFixed(2), currency),
			Data:    payload,
		})
	}
}

func deliveryDrafts(eventType enums.OutboxEventType, p payloads.DeliveryEvent) []Draft {
	payload := types.JSONMap{"delivery_id": p.DeliveryID.String(), "order_id": p.OrderID.String(), "status": string(p.Status)}
	switch eventType {
	case enums.EventDeliveryCreated:
		message := fmt.Sprintf("A driver has been requested for order %s.", shortID(p.OrderID))
		return recipients(Draft{
			UserID:  p.RestaurantOwnerID,
			Type:    enums.NotificationTypeDeliveryAvailable,
			Title:   "Looking for a driver",
			Message: message,
			Data:    payload,
		})
	case enums.EventDeliveryAssigned:
		return recipients(
			Draft{
				UserID:  p.CustomerID,
				Type:    enums.NotificationTypeDeliveryAssigned,
				Title:   "Driver assigned",
				Message: "A driver is picking up your order.",
				Data:    payload,
			},
			Draft{
				UserID:  p.RestaurantOwnerID,
				Type:    enums.NotificationTypeDeliveryAssigned,
				Title:   "Driver assigned",
				Message: fmt.Sprintf("A driver accepted order %s.", shortID(p.OrderID)),
				Data:    payload,
			},
		)
	default:
		return recipients(Draft{
			UserID:  p.CustomerID,
			Type:    enums.NotificationTypeDeliveryStatusUpdate,
			Title:   "Delivery update",
			Message: deliveryStatusMessage(p.Status, p.Note),
			Data:    payload,
		})
	}
}

func orderStatusMessage(status enums.OrderStatus, restaurant string) string {
	switch status {
	case enums.OrderStatusConfirmed:
		return fmt.Sprintf("Your order from %s has been confirmed.", restaurant)
	case enums.OrderStatusPreparing:
		return fmt.Sprintf("%s is preparing your order.", restaurant)
	case enums.OrderStatusReadyForPickup:
		return "Your order is ready and waiting for a driver."
	case enums.OrderStatusOutForDelivery:
		return "Your order is on its way."
	case enums.OrderStatusDelivered:
		return "Your order has been delivered. Enjoy!"
	}
	return fmt.Sprintf("Your order is now %s.", strings.ReplaceAll(string(status), "_", " "))
}

func deliveryStatusMessage(status enums.DeliveryStatus, note string) string {
	var message string
	switch status {
	case enums.DeliveryStatusPickedUp:
		message = "Your driver picked up the order."
	case enums.DeliveryStatusInTransit:
		message = "Your order is on the way."
	case enums.DeliveryStatusDelivered:
		message = "Your order was delivered."
	case enums.DeliveryStatusCancelled:
		message = "Your delivery was cancelled."
	default:
		message = fmt.Sprintf("Delivery is now %s.", strings.ReplaceAll(string(status), "_", " "))
	}
	if note = strings.TrimSpace(note); note != "" {
		message += " Note: " + note
	}
	return message
}

// recipients drops drafts without an addressable user.
func recipients(drafts ...Draft) []Draft {
	out := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		if d.UserID == uuid.Nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func decode(eventType enums.OutboxEventType, data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("decode %s payload", eventType))
	}
	return nil
}

func nameOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func itemCount(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}

func shortID(id uuid.UUID) string {
	return strings.ToUpper(id.String()[:8])
}
