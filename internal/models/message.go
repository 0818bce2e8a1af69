package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message belongs to one conversation and carries the same owner
type Message struct {
	ID             string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID         string         `json:"user_id" gorm:"type:varchar(36);not null;index"`
	ConversationID string         `json:"conversation_id" gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1"`
	Role           Role           `json:"role" gorm:"type:varchar(16);not null"`
	Content        string         `json:"content" gorm:"type:text;not null"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at" gorm:"index:idx_messages_conversation_created,priority:2"`
	// Seq is the insertion position within the conversation; it orders
	// messages that share a created_at
	Seq int64 `json:"-" gorm:"not null;default:0;index:idx_messages_conversation_created,priority:3"`
}

// BeforeCreate assigns an id when none was set
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ImageMetadata is stored on user messages that carried an image
type ImageMetadata struct {
	HasImage  bool   `json:"hasImage"`
	ImageName string `json:"imageName,omitempty"`
	ImageSize int    `json:"imageSize,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}
