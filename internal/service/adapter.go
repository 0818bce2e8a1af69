package service

import (
	"context"

	"topic-chat/backend/internal/models"
)

// RelayStoreAdapter exposes the conversation and message services as the
// relay's store, so turns go through the same ownership checks as the
// REST endpoints
type RelayStoreAdapter struct {
	conversations *ConversationService
	messages      *MessageService
}

func NewRelayStoreAdapter(conversations *ConversationService, messages *MessageService) *RelayStoreAdapter {
	return &RelayStoreAdapter{conversations: conversations, messages: messages}
}

func (a *RelayStoreAdapter) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	return a.conversations.Get(ctx, id, userID)
}

func (a *RelayStoreAdapter) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	return a.conversations.Create(ctx, userID, title, nil)
}

// SaveMessage stores message and copies the assigned id and timestamp back
func (a *RelayStoreAdapter) SaveMessage(ctx context.Context, message *models.Message) error {
	created, err := a.messages.Create(ctx, CreateMessageInput{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		UserID:         message.UserID,
		Role:           message.Role,
		Content:        message.Content,
		Metadata:       []byte(message.Metadata),
		Verbatim:       true,
	})
	if err != nil {
		return err
	}
	message.ID = created.ID
	message.CreatedAt = created.CreatedAt
	return nil
}
