package repository

import (
	"context"
	"strings"
	"time"

	"topic-chat/backend/internal/models"

	"gorm.io/gorm"
)

type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, int64, error)
	ListUpTo(ctx context.Context, last *models.Message) ([]models.Message, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, userID, query string, limit int) ([]models.Message, error)
	Recent(ctx context.Context, userID string, limit int) ([]models.Message, error)
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// displayOrder sorts a conversation oldest first; Seq breaks ties
// between equal timestamps in insertion order
const displayOrder = "created_at ASC, seq ASC, id ASC"

// Create inserts the message at the end of its conversation and bumps
// the conversation's updated_at in the same transaction
func (r *GormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		err := tx.Model(&models.Message{}).
			Where("conversation_id = ?", message.ConversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}
		message.Seq = last + 1

		if err := tx.Create(message).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *GormMessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return nil, translate(err)
	}
	return &message, nil
}

// ListByConversation returns one page of messages in display order
func (r *GormMessageRepository) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, int64, error) {
	db := r.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	messages := []models.Message{}
	err := db.Where("conversation_id = ?", conversationID).
		Order(displayOrder).
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	return messages, total, err
}

// ListUpTo returns last's conversation from the start up to and
// including last, in display order
func (r *GormMessageRepository) ListUpTo(ctx context.Context, last *models.Message) ([]models.Message, error) {
	messages := []models.Message{}
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", last.ConversationID).
		Where("(created_at < ? OR (created_at = ? AND seq <= ?))", last.CreatedAt, last.CreatedAt, last.Seq).
		Order(displayOrder).
		Find(&messages).Error
	return messages, err
}

func (r *GormMessageRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormMessageRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Search matches message content case-insensitively within one user's messages
func (r *GormMessageRepository) Search(ctx context.Context, userID, query string, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND LOWER(content) LIKE ? ESCAPE '\\'", userID, likePattern(strings.ToLower(query))).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *GormMessageRepository) Recent(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}
