package orders

import (
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
)

var transitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending:        {enums.OrderStatusConfirmed, enums.OrderStatusCancelled},
	enums.OrderStatusConfirmed:      {enums.OrderStatusPreparing, enums.OrderStatusCancelled},
	enums.OrderStatusPreparing:      {enums.OrderStatusReadyForPickup},
	enums.OrderStatusReadyForPickup: {enums.OrderStatusOutForDelivery},
	enums.OrderStatusOutForDelivery: {enums.OrderStatusDelivered, enums.OrderStatusCancelled},
	enums.OrderStatusDelivered:      {},
	enums.OrderStatusCancelled:      {},
}

// cancellable is the customer/restaurant cancellation window.
var cancellable = []enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusConfirmed}

// AllowedTransitions returns the statuses reachable from from. The slice is a copy.
func AllowedTransitions(from enums.OrderStatus) []enums.OrderStatus {
	allowed := transitions[from]
	out := make([]enums.OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

func CanTransition(from, to enums.OrderStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an INVALID_TRANSITION error describing the
// rejected move.
func ValidateTransition(from, to enums.OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order status transition not allowed").
		WithDetails(TransitionDetails{Current: from, Attempted: to, Allowed: AllowedTransitions(from)})
}

// TransitionDetails is attached to INVALID_TRANSITION errors.
type TransitionDetails struct {
	Current   enums.OrderStatus   `json:"current"`
	Attempted enums.OrderStatus   `json:"attempted"`
	Allowed   []enums.OrderStatus `json:"allowed"`
}

func inCancellationWindow(status enums.OrderStatus) bool {
	for _, candidate := range cancellable {
		if candidate == status {
			return true
		}
	}
	return false
}
