package repository

import (
	"context"
	"strings"

	"topic-chat/backend/internal/models"

	"gorm.io/gorm"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
	Stats(ctx context.Context, userID string) (*models.UserStats, error)
}

type GormUserRepository struct {
	db *gorm.DB
}

func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

func (r *GormUserRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *GormUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *GormUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *GormUserRepository) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	users := []models.User{}
	err := r.db.WithContext(ctx).
		Where("LOWER(username) LIKE ? ESCAPE '\\'", likePattern(strings.ToLower(query))).
		Order("username ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (r *GormUserRepository) Stats(ctx context.Context, userID string) (*models.UserStats, error) {
	stats := &models.UserStats{UserID: userID}
	db := r.db.WithContext(ctx)

	if err := db.Model(&models.Conversation{}).Where("user_id = ?", userID).Count(&stats.ConversationCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Message{}).Where("user_id = ?", userID).Count(&stats.MessageCount).Error; err != nil {
		return nil, err
	}
	if stats.MessageCount == 0 {
		return stats, nil
	}

	var first, last models.Message
	if err := db.Where("user_id = ?", userID).Order("created_at ASC").First(&first).Error; err != nil {
		return nil, translate(err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").First(&last).Error; err != nil {
		return nil, translate(err)
	}
	stats.FirstMessageAt = &first.CreatedAt
	stats.LastMessageAt = &last.CreatedAt
	return stats, nil
}
