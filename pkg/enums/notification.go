package enums

import "fmt"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeNewOrder             NotificationType = "new_order"
	NotificationTypeOrderStatusUpdate    NotificationType = "order_status_update"
	NotificationTypeOrderCancelled       NotificationType = "order_cancelled"
	NotificationTypePaymentSucceeded     NotificationType = "payment_succeeded"
	NotificationTypePaymentFailed        NotificationType = "payment_failed"
	NotificationTypePaymentRefunded      NotificationType = "payment_refunded"
	NotificationTypeDeliveryAvailable    NotificationType = "delivery_available"
	NotificationTypeDeliveryAssigned     NotificationType = "delivery_assigned"
	NotificationTypeDeliveryStatusUpdate NotificationType = "delivery_status_update"
	NotificationTypeSystem               NotificationType = "system"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeNewOrder,
	NotificationTypeOrderStatusUpdate,
	NotificationTypeOrderCancelled,
	NotificationTypePaymentSucceeded,
	NotificationTypePaymentFailed,
	NotificationTypePaymentRefunded,
	NotificationTypeDeliveryAvailable,
	NotificationTypeDeliveryAssigned,
	NotificationTypeDeliveryStatusUpdate,
	NotificationTypeSystem,
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}

// NotificationChannel is a delivery medium for a notification.
type NotificationChannel string

const (
	NotificationChannelInApp NotificationChannel = "in_app"
	NotificationChannelEmail NotificationChannel = "email"
	NotificationChannelSMS   NotificationChannel = "sms"
)

var validNotificationChannels = []NotificationChannel{
	NotificationChannelInApp,
	NotificationChannelEmail,
	NotificationChannelSMS,
}

func (c NotificationChannel) IsValid() bool {
	for _, candidate := range validNotificationChannels {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseNotificationChannel converts raw strings into NotificationChannel.
func ParseNotificationChannel(value string) (NotificationChannel, error) {
	for _, candidate := range validNotificationChannels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification channel %q", value)
}

// ChannelAttemptStatus records the outcome of one channel send.
type ChannelAttemptStatus string

const (
	ChannelAttemptSent    ChannelAttemptStatus = "sent"
	ChannelAttemptFailed  ChannelAttemptStatus = "failed"
	ChannelAttemptSkipped ChannelAttemptStatus = "skipped"
)
