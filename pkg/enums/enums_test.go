package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("ready_for_pickup")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusReadyForPickup, status)

	_, err = ParseOrderStatus("paid")
	require.Error(t, err)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusOutForDelivery.IsTerminal())

	assert.True(t, DeliveryStatusDelivered.IsTerminal())
	assert.True(t, DeliveryStatusCancelled.IsTerminal())
	assert.False(t, DeliveryStatusInTransit.IsTerminal())
}

func TestPaymentStatusRefundable(t *testing.T) {
	assert.True(t, PaymentStatusCompleted.Refundable())
	assert.True(t, PaymentStatusPartiallyRefunded.Refundable())
	assert.False(t, PaymentStatusFailed.Refundable())
	assert.False(t, PaymentStatusRefunded.Refundable())
}

func TestOutboxEventAggregate(t *testing.T) {
	assert.Equal(t, AggregateOrder, EventOrderCreated.Aggregate())
	assert.Equal(t, AggregatePayment, EventPaymentRefunded.Aggregate())
	assert.Equal(t, AggregateDelivery, EventDeliveryAssigned.Aggregate())
}

func TestRoleAndChannelValidity(t *testing.T) {
	assert.True(t, RoleRestaurantAdmin.IsValid())
	assert.False(t, Role("owner").IsValid())
	assert.True(t, NotificationChannelSMS.IsValid())
	_, err := ParseNotificationChannel("fax")
	assert.Error(t, err)
}
