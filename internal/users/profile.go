package users

import (
	"strings"
	"time"
)

// Profile is the persisted collaborator record for a canonical user id.
// Color is assigned once on first sight and stays stable so a collaborator
// keeps the same cursor color across rooms and sessions.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	Color       string    `gorm:"column:color;size:16;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing collaborator profiles.
func (Profile) TableName() string {
	return "collaborator_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
