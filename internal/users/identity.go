package users

import (
	"strings"
	"time"
)

// User is a registered account; Username is the principal name used across the hub.
type User struct {
	Username    string    `gorm:"column:username;primaryKey;size:190;not null" json:"username"`
	Email       string    `gorm:"column:email;size:320" json:"email,omitempty"`
	DisplayName string    `gorm:"column:display_name;size:320" json:"display_name,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Identity maps a provider-specific login onto a hub username.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	Username   string    `gorm:"column:username;size:190;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
