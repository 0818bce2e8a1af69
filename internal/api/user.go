package api

import (
	"net/http"

	"topic-chat/backend/internal/service"
	apperrors "topic-chat/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// UserHandler serves the bare username lookup used as login
type UserHandler struct {
	users *service.UserService
}

func NewUserHandler(users *service.UserService) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) RegisterRoutes(router gin.IRouter) {
	users := router.Group("/user")
	{
		users.GET("", h.Get)
		users.POST("", h.FetchOrCreate)
		users.GET("/check", h.Check)
		users.GET("/search", h.Search)
		users.GET("/stats", h.Stats)
	}
}

func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.users.GetByUsername(c.Request.Context(), c.Query("username"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type fetchOrCreateRequest struct {
	Username string `json:"username"`
}

// FetchOrCreate logs a user in, creating the account on first use
func (h *UserHandler) FetchOrCreate(c *gin.Context) {
	var req fetchOrCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("invalid request body").Wrap(err))
		return
	}

	user, created, err := h.users.FetchOrCreate(c.Request.Context(), req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, user)
}

func (h *UserHandler) Check(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		_ = c.Error(apperrors.InvalidInput("username is required"))
		return
	}
	exists, err := h.users.Exists(c.Request.Context(), username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *UserHandler) Search(c *gin.Context) {
	users, err := h.users.Search(c.Request.Context(), c.Query("q"), intQuery(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *UserHandler) Stats(c *gin.Context) {
	stats, err := h.users.Stats(c.Request.Context(), c.Query("userId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
