package api

import (
	"encoding/json"
	"net/http"

	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/service"
	apperrors "topic-chat/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// MessageHandler serves /api/chat-message
type MessageHandler struct {
	messages *service.MessageService
	notifier Notifier
}

// NewMessageHandler creates the handler; notifier may be nil
func NewMessageHandler(messages *service.MessageService, notifier Notifier) *MessageHandler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &MessageHandler{messages: messages, notifier: notifier}
}

func (h *MessageHandler) RegisterRoutes(router gin.IRouter) {
	messages := router.Group("/chat-message")
	{
		messages.GET("", h.Get)
		messages.GET("/search", h.Search)
		messages.GET("/recent", h.Recent)
		messages.POST("", h.Create)
		messages.PATCH("", h.Update)
		messages.DELETE("", h.Delete)
	}
}

// Get returns one message, its thread with thread=true, or a page of a
// conversation's messages when only topicId is given
func (h *MessageHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Query("userId")

	id := c.Query("id")
	if id == "" {
		topicID := param(c, "topicId", "conversationId")
		if topicID == "" {
			_ = c.Error(apperrors.InvalidInput("id or topicId is required"))
			return
		}
		page, err := h.messages.List(ctx, topicID, userID, intQuery(c, "page", 1), intQuery(c, "pageSize", 0))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
		return
	}

	if c.Query("thread") == "true" {
		thread, err := h.messages.Thread(ctx, id, userID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": thread})
		return
	}

	message, err := h.messages.Get(ctx, id, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

type createMessageRequest struct {
	ID        string          `json:"id"`
	TopicID   string          `json:"topicId"`
	UserID    string          `json:"userId"`
	Role      models.Role     `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt string          `json:"created_at"`
}

func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("invalid request body").Wrap(err))
		return
	}

	message, err := h.messages.Create(c.Request.Context(), service.CreateMessageInput{
		ID:             req.ID,
		ConversationID: req.TopicID,
		UserID:         req.UserID,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
		CreatedAt:      req.CreatedAt,
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.notifier.ConversationsChanged(message.UserID, message.ConversationID, "message")
	c.JSON(http.StatusOK, message)
}

type updateMessageRequest struct {
	MessageID string          `json:"messageId"`
	UserID    string          `json:"userId"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (h *MessageHandler) Update(c *gin.Context) {
	var req updateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("invalid request body").Wrap(err))
		return
	}
	if req.MessageID == "" {
		_ = c.Error(apperrors.InvalidInput("messageId is required"))
		return
	}

	message, err := h.messages.Update(c.Request.Context(), req.MessageID, req.UserID, req.Content, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := param(c, "id", "messageId")
	userID := param(c, "userId")

	message, err := h.messages.Get(ctx, id, userID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.messages.Delete(ctx, id, userID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedMessage": message})
}

func (h *MessageHandler) Search(c *gin.Context) {
	messages, err := h.messages.Search(c.Request.Context(), c.Query("userId"), c.Query("q"), intQuery(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *MessageHandler) Recent(c *gin.Context) {
	messages, err := h.messages.Recent(c.Request.Context(), c.Query("userId"), intQuery(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
