package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is identified by a unique username; there are no credentials
type User struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(255);uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns an id when none was set
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// UserStats summarises a user's activity
type UserStats struct {
	UserID            string     `json:"user_id"`
	ConversationCount int64      `json:"conversation_count"`
	MessageCount      int64      `json:"message_count"`
	FirstMessageAt    *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}
