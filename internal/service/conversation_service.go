package service

import (
	"context"
	"errors"
	"strings"

	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/repository"
)

// ConversationService enforces ownership on top of the conversation repository
type ConversationService struct {
	repo  repository.ConversationRepository
	users repository.UserRepository
}

func NewConversationService(repo repository.ConversationRepository, users repository.UserRepository) *ConversationService {
	return &ConversationService{repo: repo, users: users}
}

// Create stores a new conversation for an existing user
func (s *ConversationService) Create(ctx context.Context, userID, title string, description *string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if userID == "" {
		return nil, invalid("userId is required")
	}
	if title == "" {
		return nil, invalid("title is required")
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("user")
		}
		return nil, err
	}

	conversation := &models.Conversation{
		UserID:      userID,
		Title:       title,
		Description: description,
	}
	if err := s.repo.Create(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Get returns the conversation if actingUserID owns it
func (s *ConversationService) Get(ctx context.Context, id, actingUserID string) (*models.Conversation, error) {
	if id == "" {
		return nil, invalid("topicId is required")
	}
	if actingUserID == "" {
		return nil, invalid("userId is required")
	}
	conversation, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("conversation")
		}
		return nil, err
	}
	if conversation.UserID != actingUserID {
		return nil, forbidden("conversation")
	}
	return conversation, nil
}

// UpdateTitle renames a conversation and optionally replaces its description
func (s *ConversationService) UpdateTitle(ctx context.Context, id, actingUserID, title string, description *string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalid("title is required")
	}
	if _, err := s.Get(ctx, id, actingUserID); err != nil {
		return nil, err
	}

	fields := map[string]any{"title": title}
	if description != nil {
		fields["description"] = *description
	}
	if err := s.repo.Update(ctx, id, fields); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("conversation")
		}
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// List pages through the user's conversations, most recent first
func (s *ConversationService) List(ctx context.Context, userID string, page, pageSize int) (*models.Page[models.Conversation], error) {
	if userID == "" {
		return nil, invalid("userId is required")
	}
	page, pageSize, offset := normalizePage(page, pageSize, defaultConversationPageSize)

	items, total, err := s.repo.ListByUser(ctx, userID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	return &models.Page[models.Conversation]{
		Items:      items,
		Pagination: models.NewPagination(page, pageSize, total),
	}, nil
}

// Delete removes a conversation and all of its messages
func (s *ConversationService) Delete(ctx context.Context, id, actingUserID string) error {
	if _, err := s.Get(ctx, id, actingUserID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("conversation")
		}
		return err
	}
	return nil
}

// DeleteAll removes every conversation the user owns
func (s *ConversationService) DeleteAll(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, invalid("userId is required")
	}
	return s.repo.DeleteByUser(ctx, userID)
}
