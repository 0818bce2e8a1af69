package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation is an ordered collection of messages owned by one user.
// The client calls it a topic.
type Conversation struct {
	ID          string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID      string    `json:"user_id" gorm:"type:varchar(36);not null;index:idx_conversations_user_updated,priority:1"`
	Title       string    `json:"title" gorm:"not null"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"index:idx_conversations_user_updated,priority:2"`

	User     *User     `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Messages []Message `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// BeforeCreate assigns an id when none was set
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
