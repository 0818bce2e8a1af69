package repository

import (
	"context"
	"time"

	"topic-chat/backend/internal/models"

	"gorm.io/gorm"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int64, error)
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

func (r *GormConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error; err != nil {
		return nil, translate(err)
	}
	return &conversation, nil
}

// Update writes the given columns and bumps updated_at
func (r *GormConversationRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns the user's conversations, most recently updated first
func (r *GormConversationRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int64, error) {
	db := r.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.Conversation{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	conversations := []models.Conversation{}
	err := db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&conversations).Error
	return conversations, total, err
}

// Delete removes the conversation and its messages in one transaction
func (r *GormConversationRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteByUser removes every conversation the user owns, with their messages
func (r *GormConversationRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&models.Conversation{}).Select("id").Where("user_id = ?", userID)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ?", userID).Delete(&models.Conversation{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
