package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

// Notification is one fan-out message to one user.
type Notification struct {
	ID        uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	UserID    uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index;uniqueIndex:idx_notifications_event_user,priority:2"`
	EventID   *uuid.UUID             `gorm:"column:event_id;type:uuid;uniqueIndex:idx_notifications_event_user,priority:1"`
	Type      enums.NotificationType `gorm:"column:type;type:notification_type;not null"`
	Title     string                 `gorm:"column:title;type:text;not null"`
	Message   string                 `gorm:"column:message;type:text;not null"`
	Data      types.JSONMap          `gorm:"column:data;type:jsonb"`
	ReadAt    *time.Time             `gorm:"column:read_at"`
	Channels  types.ChannelAttempts  `gorm:"column:channels;type:jsonb"`
	ExpiresAt time.Time              `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time              `gorm:"column:created_at;autoCreateTime"`
}
