package types

import (
	"database/sql/driver"
	"time"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// ChannelAttempt records the outcome of delivering a notification on one channel.
type ChannelAttempt struct {
	Channel   enums.NotificationChannel  `json:"channel"`
	Status    enums.ChannelAttemptStatus `json:"status"`
	Error     string                     `json:"error,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

type ChannelAttempts []ChannelAttempt

func (c ChannelAttempts) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	return jsonValue([]ChannelAttempt(c))
}

func (c *ChannelAttempts) Scan(value any) error {
	out := []ChannelAttempt{}
	if err := jsonScan(value, &out, "channel attempts"); err != nil {
		return err
	}
	*c = out
	return nil
}
