package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/repository"
	"topic-chat/backend/pkg/logger"
)

// UserCache is the read-through cache in front of username lookups
type UserCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, key string) error
}

type UserService struct {
	repo     repository.UserRepository
	cache    UserCache
	cacheTTL time.Duration
	log      *logger.Logger
}

// NewUserService creates a user service; cache may be nil
func NewUserService(repo repository.UserRepository, cache UserCache, cacheTTL time.Duration, log *logger.Logger) *UserService {
	return &UserService{repo: repo, cache: cache, cacheTTL: cacheTTL, log: log}
}

func userCacheKey(username string) string {
	return fmt.Sprintf("user:name:%s", username)
}

// GetByUsername looks a user up, trying the cache first
func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid("username is required")
	}

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, userCacheKey(username)); err == nil && cached != "" {
			var user models.User
			if err := json.Unmarshal([]byte(cached), &user); err == nil {
				return &user, nil
			}
		}
	}

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("user")
		}
		return nil, err
	}
	s.remember(ctx, user)
	return user, nil
}

// FetchOrCreate returns the user with this username, creating it on first login
func (s *UserService) FetchOrCreate(ctx context.Context, username string) (*models.User, bool, error) {
	user, err := s.GetByUsername(ctx, username)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	user = &models.User{Username: strings.TrimSpace(username)}
	if err := s.repo.Create(ctx, user); err != nil {
		// a concurrent login may have created it first
		if existing, getErr := s.repo.GetByUsername(ctx, user.Username); getErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	s.log.Info("user created", "user_id", user.ID, "username", user.Username)
	s.remember(ctx, user)
	return user, true, nil
}

// Exists reports whether a user with this username exists
func (s *UserService) Exists(ctx context.Context, username string) (bool, error) {
	_, err := s.GetByUsername(ctx, username)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, invalid("userId is required")
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("user")
		}
		return nil, err
	}
	return user, nil
}

func (s *UserService) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("query is required")
	}
	if limit < 1 || limit > maxPageSize {
		limit = 10
	}
	return s.repo.Search(ctx, strings.TrimSpace(query), limit)
}

// Stats summarises a user's conversations and messages
func (s *UserService) Stats(ctx context.Context, userID string) (*models.UserStats, error) {
	if _, err := s.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.Stats(ctx, userID)
}

func (s *UserService) remember(ctx context.Context, user *models.User) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, userCacheKey(user.Username), data, s.cacheTTL); err != nil {
		s.log.Debug("user cache write failed", "error", err.Error())
	}
}
