package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CreateMessageInput carries the fields of a new message
type CreateMessageInput struct {
	// ID is optional; a valid UUID supplied by the client is kept
	ID             string
	ConversationID string
	UserID         string
	Role           models.Role
	Content        string
	Metadata       json.RawMessage
	// CreatedAt is an optional RFC 3339 timestamp
	CreatedAt string
	// Verbatim stores whitespace-only content as long as it is not empty;
	// a relayed reply is kept exactly as it was streamed
	Verbatim bool
}

// MessageService checks every message operation against the owner
// of the parent conversation
type MessageService struct {
	repo          repository.MessageRepository
	conversations *ConversationService
}

func NewMessageService(repo repository.MessageRepository, conversations *ConversationService) *MessageService {
	return &MessageService{repo: repo, conversations: conversations}
}

func (s *MessageService) Create(ctx context.Context, in CreateMessageInput) (*models.Message, error) {
	switch {
	case in.ConversationID == "":
		return nil, invalid("topicId is required")
	case in.UserID == "":
		return nil, invalid("userId is required")
	case in.Content == "", !in.Verbatim && strings.TrimSpace(in.Content) == "":
		return nil, invalid("content is required")
	case !in.Role.Valid():
		return nil, invalid("role must be one of user, assistant, system")
	}

	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Role:           in.Role,
		Content:        in.Content,
		Metadata:       metadata,
	}
	if in.ID != "" {
		if _, err := uuid.Parse(in.ID); err == nil {
			message.ID = in.ID
		}
	}
	if in.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.CreatedAt)
		if err != nil {
			return nil, invalid("malformed created_at %q", in.CreatedAt)
		}
		message.CreatedAt = ts.UTC()
	}

	if _, err := s.conversations.Get(ctx, in.ConversationID, in.UserID); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, message); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("conversation")
		}
		return nil, err
	}
	return message, nil
}

// List pages through a conversation in display order
func (s *MessageService) List(ctx context.Context, conversationID, actingUserID string, page, pageSize int) (*models.Page[models.Message], error) {
	if _, err := s.conversations.Get(ctx, conversationID, actingUserID); err != nil {
		return nil, err
	}
	page, pageSize, offset := normalizePage(page, pageSize, defaultMessagePageSize)

	items, total, err := s.repo.ListByConversation(ctx, conversationID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	return &models.Page[models.Message]{
		Items:      items,
		Pagination: models.NewPagination(page, pageSize, total),
	}, nil
}

// Get returns a message after checking the parent conversation's owner
func (s *MessageService) Get(ctx context.Context, id, actingUserID string) (*models.Message, error) {
	if id == "" {
		return nil, invalid("id is required")
	}
	if actingUserID == "" {
		return nil, invalid("userId is required")
	}
	message, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("message")
		}
		return nil, err
	}
	if message.UserID != actingUserID {
		return nil, forbidden("message")
	}
	if _, err := s.conversations.Get(ctx, message.ConversationID, actingUserID); err != nil {
		return nil, err
	}
	return message, nil
}

// Thread returns the message together with every earlier message of its
// conversation, oldest first
func (s *MessageService) Thread(ctx context.Context, id, actingUserID string) ([]models.Message, error) {
	message, err := s.Get(ctx, id, actingUserID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListUpTo(ctx, message)
}

// Update replaces the content and, when given, the metadata of a message
func (s *MessageService) Update(ctx context.Context, id, actingUserID, content string, metadata json.RawMessage) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, invalid("content is required")
	}
	if _, err := s.Get(ctx, id, actingUserID); err != nil {
		return nil, err
	}

	fields := map[string]any{"content": content}
	if len(metadata) > 0 {
		normalized, err := normalizeMetadata(metadata)
		if err != nil {
			return nil, err
		}
		fields["metadata"] = normalized
	}
	if err := s.repo.Update(ctx, id, fields); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("message")
		}
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *MessageService) Delete(ctx context.Context, id, actingUserID string) error {
	if _, err := s.Get(ctx, id, actingUserID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("message")
		}
		return err
	}
	return nil
}

func (s *MessageService) Search(ctx context.Context, userID, query string, limit int) ([]models.Message, error) {
	if userID == "" {
		return nil, invalid("userId is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, invalid("q is required")
	}
	if limit < 1 || limit > maxPageSize {
		limit = 20
	}
	return s.repo.Search(ctx, userID, strings.TrimSpace(query), limit)
}

func (s *MessageService) Recent(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	if userID == "" {
		return nil, invalid("userId is required")
	}
	if limit < 1 || limit > maxPageSize {
		limit = 10
	}
	return s.repo.Recent(ctx, userID, limit)
}

// normalizeMetadata accepts a JSON value; a JSON string holding JSON is unwrapped
func normalizeMetadata(raw json.RawMessage) (datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, invalid("metadata must be valid JSON")
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		if json.Valid([]byte(inner)) {
			return datatypes.JSON(inner), nil
		}
	}
	return datatypes.JSON(raw), nil
}
